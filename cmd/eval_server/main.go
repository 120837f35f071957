package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kscalelabs/kodachrome/internal/component"
	"github.com/kscalelabs/kodachrome/internal/config"
	"github.com/kscalelabs/kodachrome/internal/job_tracer"
	"github.com/kscalelabs/kodachrome/internal/orchestrator"
	"github.com/kscalelabs/kodachrome/internal/policy"
	"github.com/kscalelabs/kodachrome/internal/runner"
	"github.com/kscalelabs/kodachrome/internal/service/logger"
	"github.com/kscalelabs/kodachrome/internal/web"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()
	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	ecfg, err := config.GetEvalConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	if cfg.TRACE_URL != "" {
		tp, err := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer tp.Shutdown(context.Background())
	}

	comp, err := component.GetNewComponents(ctx, cfg, time.Duration(ecfg.SINK_TIMEOUT_S)*time.Second)
	if err != nil {
		log.Fatalf("component initialization error: %v", err)
	}

	orch, err := orchestrator.New(
		orchestrator.ConfigFromEnv(ecfg),
		runner.New(time.Duration(ecfg.KILL_GRACE_S)*time.Second),
		comp.Dispatcher,
		orchestrator.WithIdempotencyCache(comp.Cache),
	)
	if err != nil {
		log.Fatalf("orchestrator initialization error: %v", err)
	}

	var opts []web.Option
	if cfg.HasSink(config.SinkPostgres) {
		opts = append(opts, web.WithOutcomeHistory(comp.Outcomes))
	}
	if ecfg.POLICY_DIR != "" {
		policies, err := policy.NewStore(ecfg.POLICY_DIR)
		if err != nil {
			log.Fatalf("policy store initialization error: %v", err)
		}
		opts = append(opts, web.WithPolicyUpload(policies))
	}
	server := web.NewServer(orch, opts...)

	srv := &http.Server{
		Addr:              cfg.HTTP_ADDR,
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.HTTP_ADDR).Strs("sinks", comp.Dispatcher.Sinks()).Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPC_ADDR)
		if err != nil {
			log.Fatalf("grpc listener error: %v", err)
		}
		logger.Log.Info().Str("addr", cfg.GRPC_ADDR).Msg("GRPC health server started")
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("grpc server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("trying to shutdown server gracefully...")
	healthSrv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := orch.Shutdown(ctx); err != nil {
		logger.Log.Warn().Err(err).Msg("orchestrator did not drain before the deadline")
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("http graceful shutdown failed")
	}
	grpcServer.GracefulStop()

	comp.ShutDown(ctx)
	if ctx.Err() != nil {
		logger.Log.Info().Msg("server graceful shutdown timedout..")
		return
	}
	logger.Log.Info().Msg("server shutdown gracefully.")
}
