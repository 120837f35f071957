package jetstream

import (
	"time"

	"github.com/kscalelabs/kodachrome/internal/config"
	"github.com/kscalelabs/kodachrome/internal/service/logger"
	"github.com/nats-io/nats.go"
)

// NewJetStreamClient opens a NATS connection that keeps reconnecting for the
// life of the process.
func NewJetStreamClient(cfg *config.NatsConfig, name string) (*nats.Conn, error) {
	return nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
		nats.Name(name),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info().Str("url", nc.ConnectedUrl()).Msg("NATs reconnected")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Log.Error().Err(err).Msg("NATs disconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Log.Info().Msg("NATs closed")
		}),
	)
}
