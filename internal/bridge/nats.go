// Package bridge republishes engine change events to NATS so other local
// processes can follow the sync state without holding a daemon connection.
package bridge

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher sends raw payloads to a subject.
type Publisher interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
	Timeout       time.Duration
}

// DefaultNATSConfig returns defaults for url.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		Name:          "chatsyncd",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		Timeout:       2 * time.Second,
	}
}

// NATSPublisher publishes over a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSPublisher connects to NATS. It fails if the initial connection fails.
func NewNATSPublisher(cfg NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug("nats connection closed")
		}),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	return &NATSPublisher{conn: nc, logger: logger}, nil
}

// Publish sends data to subject.
func (p *NATSPublisher) Publish(subject string, data []byte) error {
	return p.conn.Publish(subject, data)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
	}
}

// Noop discards everything.
type Noop struct{}

func (Noop) Publish(string, []byte) error { return nil }
func (Noop) Close()                       {}

// Connect returns a NATS publisher, or Noop when url is empty or the
// server is unreachable. The bridge is optional and never blocks startup.
func Connect(url string, logger *zap.Logger) Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if url == "" {
		return Noop{}
	}
	p, err := NewNATSPublisher(DefaultNATSConfig(url), logger)
	if err != nil {
		logger.Warn("event bridge disabled", zap.String("url", url), zap.Error(err))
		return Noop{}
	}
	return p
}
