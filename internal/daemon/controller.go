package daemon

import (
	"context"

	"github.com/lovelink/chatsync/internal/channel"
	"github.com/lovelink/chatsync/internal/config"
	"github.com/lovelink/chatsync/internal/session"
	"github.com/lovelink/chatsync/internal/status"
	intsync "github.com/lovelink/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Controller ties the session lifecycle to the channel and the engine:
// connecting seeds the store first, disconnecting tears all state down.
type Controller struct {
	manager  *channel.Manager
	engine   *intsync.Engine
	settings *config.Session
	logger   *zap.Logger
}

// NewController creates a controller.
func NewController(m *channel.Manager, e *intsync.Engine, s *config.Session, logger *zap.Logger) *Controller {
	return &Controller{manager: m, engine: e, settings: s, logger: logger}
}

// State returns the channel state.
func (c *Controller) State() status.State {
	return c.manager.State()
}

// Connect seeds the conversation list if needed and opens the channel. An
// initial transport failure is not an error: the channel keeps retrying. A
// list that is still missing or cached is refetched by the engine once the
// handshake succeeds.
func (c *Controller) Connect(ctx context.Context) error {
	cred, err := session.CredentialFrom(c.settings)
	if err != nil {
		return err
	}
	if !c.engine.Seeded() {
		if err := c.engine.Bootstrap(ctx); err != nil {
			c.logger.Warn("conversation list unavailable", zap.Error(err))
		}
	}

	if err := c.manager.Connect(ctx, cred); err != nil {
		if c.manager.State() == status.Reconnecting {
			c.logger.Warn("channel not up yet, retrying in background", zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

// Disconnect closes the channel and resets session state.
func (c *Controller) Disconnect() {
	c.manager.Disconnect()
	c.engine.Teardown()
}
