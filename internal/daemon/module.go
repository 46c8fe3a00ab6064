package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/lovelink/chatsync/internal/api"
	"github.com/lovelink/chatsync/internal/bridge"
	"github.com/lovelink/chatsync/internal/bus"
	"github.com/lovelink/chatsync/internal/channel"
	"github.com/lovelink/chatsync/internal/config"
	"github.com/lovelink/chatsync/internal/convstore"
	"github.com/lovelink/chatsync/internal/history"
	"github.com/lovelink/chatsync/internal/lock"
	"github.com/lovelink/chatsync/internal/logging"
	"github.com/lovelink/chatsync/internal/metrics"
	"github.com/lovelink/chatsync/internal/outbound"
	"github.com/lovelink/chatsync/internal/presence"
	"github.com/lovelink/chatsync/internal/session"
	"github.com/lovelink/chatsync/internal/status"
	"github.com/lovelink/chatsync/internal/store"
	intsync "github.com/lovelink/chatsync/internal/sync"
	"github.com/lovelink/chatsync/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string          // optional override for testing; empty = use default
	Settings    *config.Session // optional override; nil = load session.toml
	Dialer      channel.Dialer  // optional override; nil = websocket
	NoConnect   bool            // skip the automatic connect on start
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideSettings,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideManager,
			provideConvStore,
			providePresence,
			provideTyping,
			provideHistory,
			provideDispatcher,
			provideEngine,
			NewController,
			providePublisher,
			provideForwarder,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideSettings(p Params) (*config.Session, error) {
	if p.Settings != nil {
		p.Settings.Defaults()
		return p.Settings, nil
	}
	return session.LoadSettings(p.SessionName)
}

func provideLogger(p Params, s *config.Session) (*zap.Logger, error) {
	return logging.NewWithLevel(session.LogPath(p.SessionName), p.SessionName, logging.ParseLevel(s.LogLevel))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, s *config.Session, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), lock.Owner{UserID: s.UserID, ServerURL: s.ServerURL})
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("path", l.Path()), zap.String("user_id", s.UserID))
	return l, nil
}

// provideStore depends on the lock so the cache is only opened by the
// daemon that owns the session.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	switch {
	case result.Rebuilt:
		logger.Warn("cache schema unusable, rebuilt empty", zap.Uint("from", result.From), zap.Uint("version", result.To))
	case result.Changed():
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.To))
	default:
		logger.Info("migrations up to date", zap.Uint("version", result.To))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideManager(p Params, s *config.Session, m *status.Machine, logger *zap.Logger) *channel.Manager {
	dialer := p.Dialer
	if dialer == nil {
		dialer = channel.WSDialer{}
	}
	return channel.NewManager(channel.Config{
		URL: s.ServerURL,
		Policy: channel.Policy{
			MaxAttempts: s.Reconnect.MaxAttempts,
			MinDelay:    s.Reconnect.MinDelay.Duration,
			MaxDelay:    s.Reconnect.MaxDelay.Duration,
		},
		HeartbeatInterval: s.Heartbeat.Duration,
	}, dialer, m, logger.Named("channel"))
}

func provideConvStore(s *config.Session) *convstore.Store {
	return convstore.New(s.UserID)
}

func providePresence() *presence.Tracker {
	return presence.NewTracker()
}

func provideTyping(s *config.Session) *typing.Store {
	return typing.NewStore(typing.WithTTL(s.TypingTTL.Duration))
}

func provideHistory(s *config.Session) *history.Client {
	return history.NewClient(s.APIURL, s.Token, nil)
}

func provideDispatcher(m *channel.Manager, st *convstore.Store, b *bus.Bus, logger *zap.Logger) *outbound.Dispatcher {
	return outbound.NewDispatcher(m, st, b, logger.Named("outbound"))
}

func provideEngine(s *config.Session, st *convstore.Store, pr *presence.Tracker, ty *typing.Store, d *outbound.Dispatcher, h *history.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(intsync.Config{
		PageSize:          s.PageSize,
		ResyncOnReconnect: s.Resync(),
	}, intsync.Deps{
		Store:    st,
		Presence: pr,
		Typing:   ty,
		Rooms:    d,
		History:  h,
		Snapshot: db,
		Bus:      b,
		Logger:   logger.Named("sync"),
	})
}

func providePublisher(s *config.Session, logger *zap.Logger) bridge.Publisher {
	return bridge.Connect(s.NATSURL, logger.Named("bridge"))
}

func provideForwarder(p Params, s *config.Session, b *bus.Bus, pub bridge.Publisher, logger *zap.Logger) *bridge.Forwarder {
	return bridge.NewForwarder(b, pub, s.NATSSubjectPrefix, p.SessionName, logger.Named("bridge"))
}

func provideService(p Params, l *lock.Lock, c *Controller, m *status.Machine, e *intsync.Engine, d *outbound.Dispatcher, st *convstore.Store, pr *presence.Tracker, ty *typing.Store, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Session:  p.SessionName,
		Lock:     l,
		Link:     c,
		Machine:  m,
		Engine:   e,
		Actions:  d,
		Store:    st,
		Presence: pr,
		Typing:   ty,
		Bus:      b,
		Logger:   logger.Named("api"),
	})
}

type lifecycleParams struct {
	fx.In

	Params     Params
	Settings   *config.Session
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Manager    *channel.Manager
	Engine     *intsync.Engine
	Controller *Controller
	Forwarder  *bridge.Forwarder
	Publisher  bridge.Publisher
	Bus        *bus.Bus
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, lp lifecycleParams) {
	logger := lp.Logger
	runCtx, cancel := context.WithCancel(context.Background())
	var metricsSrv *http.Server

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Attach the engine to the channel before anything can connect.
			lp.Engine.Start(runCtx, lp.Manager)
			lp.Forwarder.Start(runCtx)

			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if addr := lp.Settings.MetricsAddr; addr != "" {
				metricsSrv = metrics.NewServer(addr)
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
				logger.Info("metrics listening", zap.String("addr", addr))
			}

			if lp.Params.NoConnect {
				return nil
			}
			go func() {
				ctx, cancel := context.WithTimeout(runCtx, 30*time.Second)
				defer cancel()
				if err := lp.Controller.Connect(ctx); err != nil {
					if errors.Is(err, session.ErrNoCredential) {
						logger.Info("no credential configured, waiting for connect")
						return
					}
					logger.Error("auto-connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			lp.Controller.Disconnect()
			lp.Engine.Stop()
			cancel()
			lp.Publisher.Close()
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			lp.Server.Stop(ctx)
			lp.Bus.Close()
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
