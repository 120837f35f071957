package jetstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kscalelabs/kodachrome/internal/config"
	"github.com/kscalelabs/kodachrome/internal/queue"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupContainer starts a JetStream-enabled NATS server and returns its
// client URL once the monitoring endpoint reports JetStream ready.
func SetupContainer(ctx context.Context) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"-js", "-m", "8222"},
		WaitingFor: wait.ForHTTP("/healthz?js-enabled-only=true").
			WithPort("8222").
			WithStartupTimeout(30 * time.Second),
	}

	natsContainer, err := testcontainers.GenericContainer(
		ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		},
	)
	if err != nil {
		panic(err)
	}

	host, err := natsContainer.Host(ctx)
	if err != nil {
		panic(err)
	}
	port, err := natsContainer.MappedPort(ctx, "4222")
	if err != nil {
		panic(err)
	}

	return natsContainer, fmt.Sprintf("nats://%s:%s", host, port.Port())
}

// Config returns a NatsConfig pointing at url.
func Config(url string) *config.NatsConfig {
	return &config.NatsConfig{URL: url}
}

// LastEvent reads the newest message stored for event on the EVENTS stream
// with a fresh connection, bypassing the code under test.
func LastEvent(t *testing.T, url string, event queue.QueueEvent) []byte {
	t.Helper()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	js, err := nc.JetStream()
	require.NoError(t, err)

	info, err := js.StreamInfo(queue.StreamName)
	require.NoError(t, err)
	require.Contains(t, info.Config.Subjects, "events.>")

	msg, err := js.GetLastMsg(queue.StreamName, string(event))
	require.NoError(t, err)
	return msg.Data
}
