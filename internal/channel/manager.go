// Package channel owns the realtime connection: dialing, the authentication
// handshake, bounded reconnection, heartbeats, and in-order dispatch of
// inbound events to subscribed handlers. It mutates no business state itself.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lovelink/chatsync/internal/metrics"
	"github.com/lovelink/chatsync/internal/protocol"
	"github.com/lovelink/chatsync/internal/session"
	"github.com/lovelink/chatsync/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Send when the channel is not connected.
	ErrNotConnected = errors.New("channel: not connected")
	// ErrAuthRejected is returned when the server answers the handshake with
	// an error instead of an acknowledgement. It is not retried.
	ErrAuthRejected = errors.New("channel: authentication rejected")
)

// Config configures a Manager.
type Config struct {
	URL               string
	Policy            Policy
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithSleep replaces the reconnect delay wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// Manager runs at most one channel connection at a time.
type Manager struct {
	cfg     Config
	dialer  Dialer
	machine *status.Machine
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	conn   Conn
	cred   session.Credential
	cancel context.CancelFunc
	gen    uint64

	router router
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config, dialer Dialer, machine *status.Machine, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Policy = cfg.Policy.withDefaults()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		machine: machine,
		logger:  logger,
		sleep:   sleepCtx,
		router:  router{handlers: make(map[int]Handlers)},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Connected reports whether outbound events can be sent.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.machine.Connected()
}

// Subscribe registers handlers for inbound events. Returns an unsubscribe func.
func (m *Manager) Subscribe(h Handlers) func() {
	return m.router.add(h)
}

// Connect establishes the channel with cred. It is a no-op while a
// connection is live or being retried. A transport failure on the first
// attempt hands over to the reconnect policy in the background and is
// returned for logging; an authentication rejection moves to FAILED.
func (m *Manager) Connect(ctx context.Context, cred session.Credential) error {
	m.mu.Lock()
	switch m.machine.Current() {
	case status.Connecting, status.Connected, status.Reconnecting:
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.cred = cred
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.transitionLocked(status.Connecting)
	m.mu.Unlock()

	m.logger.Info("connecting channel", zap.String("url", m.cfg.URL))
	conn, err := m.handshake(ctx, cred)
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			m.transition(gen, status.Failed)
			m.logger.Error("channel authentication rejected", zap.Error(err))
			return err
		}
		m.logger.Warn("initial channel connect failed, retrying", zap.Error(err))
		if !m.transition(gen, status.Reconnecting) {
			return err
		}
		go m.loop(runCtx, gen, nil)
		return fmt.Errorf("connect: %w", err)
	}
	if !m.install(gen, conn) {
		_ = conn.Close("superseded")
		return ErrNotConnected
	}
	m.logger.Info("channel connected")
	m.router.connected(false)
	go m.loop(runCtx, gen, conn)
	return nil
}

// Disconnect tears the channel down and stops any reconnect in progress.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	if m.machine.Current() != status.Disconnected {
		m.transitionLocked(status.Disconnected)
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close("client disconnect")
		m.logger.Info("channel disconnected")
	}
}

// Send encodes and writes one outbound event.
func (m *Manager) Send(ctx context.Context, typ string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := conn != nil && m.machine.Connected()
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	data, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	metrics.IncOutbound(typ)
	return nil
}

// loop serves conn until it is lost, then runs the reconnect policy. A nil
// conn starts directly in the reconnect phase, after a failed first dial.
func (m *Manager) loop(ctx context.Context, gen uint64, conn Conn) {
	established := conn != nil
	serverClosed := false
	for {
		if conn != nil {
			serverClosed = m.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			if m.gen == gen && m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()
			_ = conn.Close("connection lost")
			m.logger.Warn("channel lost", zap.Bool("server_closed", serverClosed))
			if !m.transition(gen, status.Reconnecting) {
				return
			}
		}

		conn = m.reconnect(ctx, gen, serverClosed)
		if conn == nil {
			return
		}
		m.router.connected(established)
		established = true
	}
}

// reconnect retries the handshake under the policy. Returns nil when retries
// are exhausted, authentication is rejected or ctx is cancelled.
func (m *Manager) reconnect(ctx context.Context, gen uint64, immediate bool) Conn {
	m.mu.Lock()
	cred := m.cred
	m.mu.Unlock()

	p := m.cfg.Policy
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		delay := p.Delay(attempt)
		if attempt == 1 && immediate {
			delay = 0
		}
		if err := m.sleep(ctx, delay); err != nil {
			return nil
		}
		metrics.IncReconnectAttempt()
		m.logger.Info("reconnecting channel", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		conn, err := m.handshake(ctx, cred)
		if err == nil {
			if !m.install(gen, conn) {
				_ = conn.Close("superseded")
				return nil
			}
			m.logger.Info("channel reconnected", zap.Int("attempt", attempt))
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			m.logger.Error("channel authentication rejected", zap.Error(err))
			break
		}
		m.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	if m.transition(gen, status.Failed) {
		m.logger.Error("channel failed, retries exhausted", zap.Int("max_attempts", p.MaxAttempts))
	}
	return nil
}

// handshake dials and waits for the authenticated acknowledgement.
func (m *Manager) handshake(ctx context.Context, cred session.Credential) (Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(hctx, m.cfg.URL, cred.Token)
	if err != nil {
		return nil, err
	}
	data, err := conn.Read(hctx)
	if err != nil {
		_ = conn.Close("handshake failed")
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	evt, err := protocol.Decode(data)
	if err != nil {
		_ = conn.Close("handshake failed")
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	switch e := evt.(type) {
	case protocol.Authenticated:
		metrics.IncInbound(protocol.TypeAuthenticated)
		m.router.dispatch(e)
		return conn, nil
	case protocol.Error:
		_ = conn.Close("handshake rejected")
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, e.Message)
	default:
		_ = conn.Close("handshake failed")
		return nil, fmt.Errorf("handshake: expected %s, got %s", protocol.TypeAuthenticated, evt.EventType())
	}
}

// install makes conn current and moves to CONNECTED unless gen is stale.
func (m *Manager) install(gen uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.conn = conn
	m.transitionLocked(status.Connected)
	return true
}

// serve reads until conn fails. Events are dispatched synchronously so
// handlers observe them in arrival order. Returns true when the server
// closed the connection.
func (m *Manager) serve(ctx context.Context, conn Conn) bool {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.heartbeat(connCtx, conn)

	for {
		data, err := conn.Read(connCtx)
		if err != nil {
			return errors.Is(err, ErrServerClosed)
		}
		evt, err := protocol.Decode(data)
		if err != nil {
			m.logger.Debug("skipping inbound frame", zap.Error(err))
			continue
		}
		metrics.IncInbound(evt.EventType())
		m.router.dispatch(evt)
	}
}

func (m *Manager) heartbeat(ctx context.Context, conn Conn) {
	if m.cfg.HeartbeatInterval < 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("channel heartbeat failed", zap.Error(err))
					_ = conn.Close("heartbeat timeout")
				}
				return
			}
		}
	}
}

// transition moves the state machine unless gen has been superseded by a
// newer Connect or Disconnect.
func (m *Manager) transition(gen uint64, to status.State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	return m.transitionLocked(to)
}

func (m *Manager) transitionLocked(to status.State) bool {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("ignored state transition", zap.Error(err))
		return false
	}
	metrics.SetConnectionState(stateGauge(to))
	return true
}

func stateGauge(s status.State) int {
	switch s {
	case status.Connecting:
		return metrics.StateConnecting
	case status.Connected:
		return metrics.StateConnected
	case status.Reconnecting:
		return metrics.StateReconnecting
	case status.Failed:
		return metrics.StateFailed
	default:
		return metrics.StateDisconnected
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
