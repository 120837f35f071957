package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	SinkLog       = "log"
	SinkPostgres  = "postgres"
	SinkJetstream = "jetstream"
	SinkMinio     = "minio"
)

type Config struct {
	SERVICE_NAME string
	TRACE_URL    string
	HTTP_ADDR    string
	GRPC_ADDR    string
	SINKS        []string
}

type EvalConfig struct {
	MAX_CONCURRENCY int
	TIMEOUT_S       int
	KILL_GRACE_S    int
	PROGRAM         string
	ROBOT           string
	MOTION_NAME     string
	OUT_DIR         string
	WORK_DIR        string
	LOCAL_MODEL_DIR string
	POLICY_DIR      string
	MAX_QUEUE       int
	SINK_TIMEOUT_S  int
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type PostgresConfig struct {
	URL string
}

type NatsConfig struct {
	URL string
}

type MinioConfig struct {
	URL        string
	BUCKET     string
	ACCESS_KEY string
	SECRET_KEY string
	USE_SSL    bool
}

func env(key string) string {
	v := os.Getenv(key)
	return strings.TrimSpace(v)
}

func envOr(key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func intOr(key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	return convertStringToInt(v, key)
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	sinks, err := parseSinks(envOr("SINKS", SinkLog))
	if err != nil {
		return nil, err
	}
	return &Config{
		SERVICE_NAME: sn,
		TRACE_URL:    env("TRACE_URL"),
		HTTP_ADDR:    envOr("HTTP_ADDR", ":8080"),
		GRPC_ADDR:    envOr("GRPC_ADDR", ":8081"),
		SINKS:        sinks,
	}, nil
}

func parseSinks(raw string) ([]string, error) {
	var sinks []string
	seen := map[string]bool{}
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		switch s {
		case SinkLog, SinkPostgres, SinkJetstream, SinkMinio:
		default:
			return nil, fmt.Errorf("KEY: SINKS has unknown sink %q", s)
		}
		seen[s] = true
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// HasSink reports whether the named sink is enabled.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.SINKS {
		if s == name {
			return true
		}
	}
	return false
}

func GetEvalConfig() (*EvalConfig, error) {
	mc, err := intOr("EVAL_MAX_CONCURRENCY", 1)
	if err != nil {
		return nil, err
	}
	if mc < 1 {
		return nil, fmt.Errorf("KEY: EVAL_MAX_CONCURRENCY must be >= 1, got %d", mc)
	}
	ts, err := intOr("EVAL_TIMEOUT_S", 1800)
	if err != nil {
		return nil, err
	}
	if ts < 1 {
		return nil, fmt.Errorf("KEY: EVAL_TIMEOUT_S must be >= 1, got %d", ts)
	}
	kg, err := intOr("EVAL_KILL_GRACE_S", 5)
	if err != nil {
		return nil, err
	}
	if kg < 0 {
		return nil, fmt.Errorf("KEY: EVAL_KILL_GRACE_S must be >= 0, got %d", kg)
	}
	mq, err := intOr("EVAL_MAX_QUEUE", 0)
	if err != nil {
		return nil, err
	}
	if mq < 0 {
		return nil, fmt.Errorf("KEY: EVAL_MAX_QUEUE must be >= 0, got %d", mq)
	}
	st, err := intOr("SINK_TIMEOUT_S", 10)
	if err != nil {
		return nil, err
	}
	if st < 1 {
		return nil, fmt.Errorf("KEY: SINK_TIMEOUT_S must be >= 1, got %d", st)
	}
	return &EvalConfig{
		MAX_CONCURRENCY: mc,
		TIMEOUT_S:       ts,
		KILL_GRACE_S:    kg,
		PROGRAM:         envOr("EVAL_PROGRAM", "kinfer-eval-osmesa"),
		ROBOT:           envOr("EVAL_ROBOT", "kbot-headless"),
		MOTION_NAME:     envOr("MOTION_NAME", "walking_and_standing_unittest"),
		OUT_DIR:         envOr("EVAL_OUT_DIR", "runs"),
		WORK_DIR:        envOr("EVAL_WORK_DIR", "."),
		LOCAL_MODEL_DIR: env("LOCAL_MODEL_DIR"),
		POLICY_DIR:      envOr("POLICY_DIR", "policies"),
		MAX_QUEUE:       mq,
		SINK_TIMEOUT_S:  st,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := intOr("FREECACHE_TTL", 3600)
	if err != nil {
		return nil, err
	}
	fs, err := intOr("FREECACHE_SIZE", 1024*1024)
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	return &PostgresConfig{
		URL: url,
	}, nil
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	return &NatsConfig{
		URL: url,
	}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}

	b := env("MINIO_BUCKET")
	if b == "" {
		return nil, fmt.Errorf("KEY: MINIO_BUCKET is empty")
	}

	ssl := env("MINIO_USE_SSL")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}

	return &MinioConfig{
		URL:        url,
		BUCKET:     b,
		USE_SSL:    ssl == "true",
		ACCESS_KEY: ak,
		SECRET_KEY: sk,
	}, nil
}
