// Package sync wires the realtime channel and the history source into the
// conversation store, presence tracker and typing store, and publishes every
// resulting change on the bus.
package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/lovelink/chatsync/internal/bus"
	"github.com/lovelink/chatsync/internal/channel"
	"github.com/lovelink/chatsync/internal/convstore"
	"github.com/lovelink/chatsync/internal/metrics"
	"github.com/lovelink/chatsync/internal/presence"
	"github.com/lovelink/chatsync/internal/protocol"
	"github.com/lovelink/chatsync/internal/typing"
	"go.uber.org/zap"
)

// Subscriber is the channel side of the engine.
type Subscriber interface {
	Subscribe(h channel.Handlers) func()
}

// Rooms scopes which conversation the server streams to this client.
type Rooms interface {
	JoinConversation(ctx context.Context, matchID string) error
	LeaveConversation(ctx context.Context, matchID string) error
}

// Config tunes the engine.
type Config struct {
	PageSize          int
	ResyncOnReconnect bool
	SweepInterval     time.Duration
}

// Deps are the components the engine drives.
type Deps struct {
	Store    *convstore.Store
	Presence *presence.Tracker
	Typing   *typing.Store
	Rooms    Rooms
	History  Fetcher
	Snapshot Snapshotter
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Engine routes each inbound event to exactly one component.
type Engine struct {
	cfg      Config
	store    *convstore.Store
	presence *presence.Tracker
	typing   *typing.Store
	rooms    Rooms
	rec      *Reconciler
	bus      *bus.Bus
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()

	// session scopes background resyncs to one connected session.
	mu            gosync.Mutex
	session       context.Context
	sessionCancel context.CancelFunc
}

// NewEngine creates an engine. Call Start to attach it to a channel.
func NewEngine(cfg Config, d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 500 * time.Millisecond
	}
	e := &Engine{
		cfg:      cfg,
		store:    d.Store,
		presence: d.Presence,
		typing:   d.Typing,
		rooms:    d.Rooms,
		rec:      NewReconciler(d.Store, d.History, d.Snapshot, d.Bus, d.Logger, cfg.PageSize),
		bus:      d.Bus,
		logger:   d.Logger,
		ctx:      context.Background(),
	}
	e.renewSession()
	return e
}

// Reconciler returns the engine's backfill component.
func (e *Engine) Reconciler() *Reconciler {
	return e.rec
}

// Start subscribes to sub and runs the typing sweep until Stop.
func (e *Engine) Start(ctx context.Context, sub Subscriber) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.renewSession()
	e.unsub = sub.Subscribe(e.handlers())
	go e.typing.Run(e.ctx, e.cfg.SweepInterval, e.typingExpired)
}

// Stop detaches from the channel and stops background work.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// Bootstrap seeds the conversation list from the history source, falling
// back to the cached snapshot.
func (e *Engine) Bootstrap(ctx context.Context) error {
	return e.rec.Seed(ctx)
}

// Stale reports whether the list was seeded from the cache.
func (e *Engine) Stale() bool {
	return e.rec.Stale()
}

// Seeded reports whether a conversation list has been loaded this session.
func (e *Engine) Seeded() bool {
	return e.rec.Seeded()
}

// renewSession cancels background work of the previous session.
func (e *Engine) renewSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionCancel != nil {
		e.sessionCancel()
	}
	e.session, e.sessionCancel = context.WithCancel(e.ctx)
}

func (e *Engine) sessionCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Teardown cancels in-flight resyncs, clears all session state and zeroes
// the unread total.
func (e *Engine) Teardown() {
	e.renewSession()
	e.rec.reset()
	e.store.Reset()
	e.presence.Reset()
	e.typing.Reset()
	metrics.SetUnreadTotal(0)
	e.bus.Emit(KindUnreadChanged, map[string]any{"unread_total": 0})
}

// LoadMessages loads the first page of a conversation.
func (e *Engine) LoadMessages(ctx context.Context, matchID string) error {
	return e.rec.LoadPage(ctx, matchID, false)
}

// LoadMore prepends the next older page.
func (e *Engine) LoadMore(ctx context.Context, matchID string) error {
	return e.rec.LoadPage(ctx, matchID, true)
}

// OpenConversation makes matchID the open conversation: it leaves the
// previous room, joins the new one and loads the first page if nothing has
// been loaded yet. An empty matchID closes the current conversation. Room
// changes are best effort while disconnected.
func (e *Engine) OpenConversation(ctx context.Context, matchID string) error {
	prev := e.store.SetCurrent(matchID)
	if prev == matchID {
		return nil
	}
	if prev != "" {
		if err := e.rooms.LeaveConversation(ctx, prev); err != nil {
			e.logger.Debug("leave conversation skipped", zap.String("match_id", prev), zap.Error(err))
		}
	}
	e.bus.Emit(KindCurrentChanged, map[string]any{"match_id": matchID, "previous": prev})
	if matchID == "" {
		return nil
	}
	if err := e.rooms.JoinConversation(ctx, matchID); err != nil {
		e.logger.Debug("join conversation skipped", zap.String("match_id", matchID), zap.Error(err))
	}
	switch e.store.Timeline(matchID).State {
	case convstore.Unloaded, convstore.LoadFailed:
		return e.LoadMessages(ctx, matchID)
	}
	return nil
}

func (e *Engine) handlers() channel.Handlers {
	return channel.Handlers{
		OnAuthenticated:  e.onAuthenticated,
		OnNewMessage:     e.onNewMessage,
		OnMessageEdited:  e.onMessageEdited,
		OnMessageDeleted: e.onMessageDeleted,
		OnMessagesRead:   e.onMessagesRead,
		OnUserOnline:     e.onUserOnline,
		OnUserOffline:    e.onUserOffline,
		OnOnlineUsers:    e.onOnlineUsers,
		OnUserTyping:     e.onUserTyping,
		OnError:          e.onError,
		OnConnected:      e.onConnected,
	}
}

func (e *Engine) onAuthenticated(a protocol.Authenticated) {
	if a.UserID != "" {
		e.store.SetSelf(a.UserID)
	}
}

func (e *Engine) onNewMessage(nm protocol.NewMessage) {
	d, ok := e.store.ApplyNewMessage(nm.Message)
	if !ok {
		e.logger.Debug("duplicate message ignored", zap.String("message_id", nm.ID))
		return
	}
	m := d.Message
	e.bus.Emit(KindMessageNew, map[string]any{
		"match_id":   m.MatchID,
		"message_id": m.ID,
		"sender_id":  m.SenderID,
		"content":    m.Content,
		"is_from_me": m.IsFromMe,
		"appended":   d.Appended,
	})
	e.bus.Emit(KindConversationUpdated, map[string]any{
		"match_id":     m.MatchID,
		"unread_count": d.Conversation.UnreadCount,
		"created":      d.Created,
	})
	if !m.IsFromMe {
		metrics.SetUnreadTotal(d.UnreadTotal)
		e.bus.Emit(KindUnreadChanged, map[string]any{
			"match_id":     m.MatchID,
			"unread_count": d.Conversation.UnreadCount,
			"unread_total": d.UnreadTotal,
		})
	}
}

func (e *Engine) onMessageEdited(ev protocol.MessageEdited) {
	m, ok := e.store.ApplyEdit(ev)
	if !ok {
		return
	}
	e.bus.Emit(KindMessageEdited, map[string]any{
		"match_id":   m.MatchID,
		"message_id": m.ID,
		"content":    m.Content,
	})
}

func (e *Engine) onMessageDeleted(ev protocol.MessageDeleted) {
	if !e.store.ApplyDelete(ev) {
		return
	}
	e.bus.Emit(KindMessageDeleted, map[string]any{
		"match_id":   ev.MatchID,
		"message_id": ev.ID,
	})
}

func (e *Engine) onMessagesRead(ev protocol.MessagesRead) {
	n := e.store.ApplyRead(ev)
	if n == 0 {
		return
	}
	e.bus.Emit(KindMessageRead, map[string]any{
		"match_id":  ev.MatchID,
		"reader_id": ev.ReaderID,
		"count":     n,
	})
}

func (e *Engine) onUserOnline(ev protocol.UserOnline) {
	if e.presence.SetOnline(ev.UserID) {
		e.bus.Emit(KindPresenceChanged, map[string]any{"user_id": ev.UserID, "online": true})
	}
}

func (e *Engine) onUserOffline(ev protocol.UserOffline) {
	if e.presence.SetOffline(ev.UserID) {
		e.bus.Emit(KindPresenceChanged, map[string]any{"user_id": ev.UserID, "online": false})
	}
}

func (e *Engine) onOnlineUsers(ev protocol.OnlineUsers) {
	e.presence.ReplaceAll(ev.UserIDs)
	e.bus.Emit(KindPresenceChanged, map[string]any{
		"snapshot": true,
		"online":   len(e.presence.Online()),
	})
}

func (e *Engine) onUserTyping(ev protocol.UserTyping) {
	if ev.UserID != "" && ev.UserID == e.store.Self() {
		return
	}
	if e.typing.Observe(ev.MatchID, ev.UserName, ev.IsTyping) {
		e.bus.Emit(KindTypingChanged, map[string]any{
			"match_id":  ev.MatchID,
			"user_name": ev.UserName,
			"is_typing": ev.IsTyping,
		})
	}
}

func (e *Engine) onError(ev protocol.Error) {
	e.logger.Warn("server reported error", zap.String("message", ev.Message))
	e.bus.Emit(KindServerError, map[string]any{"message": ev.Message})
}

// onConnected runs on the read loop after every handshake, so the resync
// fetch is moved off it. A missing or cached list is refetched on any
// handshake; a fresh one only after a reconnect.
func (e *Engine) onConnected(reconnect bool) {
	e.rec.MarkConnected()
	ctx := e.sessionCtx()
	if cur := e.store.Current(); cur != "" {
		if err := e.rooms.JoinConversation(ctx, cur); err != nil {
			e.logger.Warn("rejoin conversation failed", zap.String("match_id", cur), zap.Error(err))
		}
	}
	switch {
	case !e.rec.Seeded(), e.rec.Stale():
	case reconnect && e.cfg.ResyncOnReconnect:
	default:
		return
	}
	go func() {
		err := e.rec.Resync(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, ErrResyncSuperseded):
			e.logger.Debug("resync abandoned", zap.Error(err))
		default:
			e.logger.Warn("resync after connect failed", zap.Error(err))
		}
	}()
}

func (e *Engine) typingExpired(ids []string) {
	for _, id := range ids {
		e.bus.Emit(KindTypingChanged, map[string]any{
			"match_id":  id,
			"is_typing": false,
			"expired":   true,
		})
	}
}
