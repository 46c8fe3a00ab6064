package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lovelink/chatsync/internal/bus"
	"github.com/lovelink/chatsync/internal/convstore"
	"github.com/lovelink/chatsync/internal/metrics"
	"github.com/lovelink/chatsync/internal/protocol"
	"github.com/lovelink/chatsync/internal/store"
	"go.uber.org/zap"
)

// Fetcher is the request/response history source.
type Fetcher interface {
	Conversations(ctx context.Context) ([]protocol.Conversation, error)
	Messages(ctx context.Context, matchID string, page, limit int) (protocol.MessagePage, error)
}

// Snapshotter persists the last good conversation list and sync checkpoints.
type Snapshotter interface {
	ReplaceConversations(list []protocol.Conversation) error
	ListConversations() ([]protocol.Conversation, error)
	SetCheckpoint(key string, t time.Time) error
}

// ErrNoSnapshot is returned by Seed when the list fetch failed and no cached
// snapshot could stand in for it.
var ErrNoSnapshot = errors.New("no cached conversation snapshot")

// ErrResyncSuperseded is returned by Resync when the store was reseeded or
// torn down while the list was being fetched.
var ErrResyncSuperseded = errors.New("resync superseded")

// Reconciler backfills the store from the history source: the initial seed,
// message pages, and the post-reconnect resync.
type Reconciler struct {
	store    *convstore.Store
	history  Fetcher
	snap     Snapshotter
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int
	seeded   atomic.Bool
	stale    atomic.Bool
	now      func() time.Time
}

// NewReconciler creates a reconciler. snap may be nil.
func NewReconciler(s *convstore.Store, history Fetcher, snap Snapshotter, b *bus.Bus, logger *zap.Logger, pageSize int) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 30
	}
	return &Reconciler{
		store:    s,
		history:  history,
		snap:     snap,
		bus:      b,
		logger:   logger,
		pageSize: pageSize,
		now:      time.Now,
	}
}

// Stale reports whether the store was seeded from the local snapshot because
// the history source was unreachable.
func (r *Reconciler) Stale() bool {
	return r.stale.Load()
}

// Seeded reports whether the store holds a conversation list, fresh or cached.
func (r *Reconciler) Seeded() bool {
	return r.seeded.Load()
}

// reset forgets the seed state on teardown.
func (r *Reconciler) reset() {
	r.seeded.Store(false)
	r.stale.Store(false)
}

// Seed fetches the conversation list and seeds the store. When the fetch
// fails the cached snapshot is used instead and the reconciler is marked
// stale; the fetch error is returned only if no snapshot exists either.
func (r *Reconciler) Seed(ctx context.Context) error {
	list, err := r.history.Conversations(ctx)
	if err != nil {
		r.historyFailed("conversations", "", 0, err)
		return r.seedFromSnapshot(err)
	}
	r.seed(list, false)
	if r.snap != nil {
		if err := r.snap.ReplaceConversations(list); err != nil {
			r.logger.Warn("failed to save conversation snapshot", zap.Error(err))
		}
		r.checkpoint(store.CheckpointSeed)
	}
	return nil
}

func (r *Reconciler) seedFromSnapshot(cause error) error {
	if r.snap == nil {
		return fmt.Errorf("%w: %w", ErrNoSnapshot, cause)
	}
	cached, err := r.snap.ListConversations()
	if err != nil {
		r.logger.Warn("failed to read conversation snapshot", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrNoSnapshot, cause)
	}
	if len(cached) == 0 {
		return fmt.Errorf("%w: %w", ErrNoSnapshot, cause)
	}
	r.logger.Warn("seeding from cached snapshot", zap.Int("conversations", len(cached)), zap.Error(cause))
	r.seed(cached, true)
	return nil
}

func (r *Reconciler) seed(list []protocol.Conversation, stale bool) {
	r.store.Seed(list)
	r.seededWith(len(list), stale)
}

func (r *Reconciler) seededWith(n int, stale bool) {
	r.seeded.Store(true)
	r.stale.Store(stale)
	total := r.store.UnreadTotal()
	metrics.SetUnreadTotal(total)
	r.bus.Emit(KindListSeeded, map[string]any{
		"conversations": n,
		"unread_total":  total,
		"stale":         stale,
	})
}

// LoadPage fetches page 1 (more=false) or the next older page of a
// conversation and merges it. Failures leave a retryable error on the
// timeline and are not retried here.
func (r *Reconciler) LoadPage(ctx context.Context, matchID string, more bool) error {
	page, err := r.store.BeginLoad(matchID, more)
	if err != nil {
		return err
	}
	p, err := r.history.Messages(ctx, matchID, page, r.pageSize)
	if err != nil {
		r.store.FailLoad(matchID, err)
		r.historyFailed("messages", matchID, page, err)
		return fmt.Errorf("load %s page %d: %w", matchID, page, err)
	}
	added := r.store.CompletePage(matchID, page, p)
	info := r.store.Timeline(matchID)
	r.logger.Debug("history page loaded",
		zap.String("match_id", matchID),
		zap.Int("page", page),
		zap.Int("added", added),
		zap.Bool("has_more", info.HasMore))
	r.bus.Emit(KindPageLoaded, map[string]any{
		"match_id": matchID,
		"page":     page,
		"added":    added,
		"has_more": info.HasMore,
		"count":    info.Count,
	})
	return nil
}

// Resync refetches the conversation list and reloads the first page of every
// loaded timeline, merging by message id. Live messages and mark-reads applied
// while the list was in flight are kept on top of it. State is left untouched
// when the list fetch fails or the store was reset meanwhile.
func (r *Reconciler) Resync(ctx context.Context) error {
	epoch := r.store.BeginResync()
	list, err := r.history.Conversations(ctx)
	if err != nil {
		r.store.AbortResync(epoch)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.historyFailed("conversations", "", 0, err)
		return fmt.Errorf("resync: %w", err)
	}
	if !r.store.CommitResync(epoch, list) {
		return ErrResyncSuperseded
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.seededWith(len(r.store.Conversations()), false)
	if r.snap != nil {
		if err := r.snap.ReplaceConversations(list); err != nil {
			r.logger.Warn("failed to save conversation snapshot", zap.Error(err))
		}
	}

	reloaded := 0
	for _, id := range r.store.LoadedTimelines() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := r.LoadPage(ctx, id, false)
		switch {
		case err == nil:
			reloaded++
		case errors.Is(err, convstore.ErrLoadInProgress):
		default:
			r.logger.Warn("resync page reload failed", zap.String("match_id", id), zap.Error(err))
		}
	}

	r.checkpoint(store.CheckpointResync)
	r.logger.Info("resync complete", zap.Int("conversations", len(list)), zap.Int("timelines", reloaded))
	r.bus.Emit(KindResynced, map[string]any{
		"conversations": len(list),
		"timelines":     reloaded,
		"unread_total":  r.store.UnreadTotal(),
	})
	return nil
}

// MarkConnected records the connection checkpoint.
func (r *Reconciler) MarkConnected() {
	r.checkpoint(store.CheckpointConnected)
}

func (r *Reconciler) checkpoint(key string) {
	if r.snap == nil {
		return
	}
	if err := r.snap.SetCheckpoint(key, r.now()); err != nil {
		r.logger.Warn("failed to record checkpoint", zap.String("key", key), zap.Error(err))
	}
}

func (r *Reconciler) historyFailed(endpoint, matchID string, page int, err error) {
	r.logger.Warn("history fetch failed",
		zap.String("endpoint", endpoint),
		zap.String("match_id", matchID),
		zap.Int("page", page),
		zap.Error(err))
	r.bus.Emit(KindHistoryFailed, map[string]any{
		"endpoint": endpoint,
		"match_id": matchID,
		"page":     page,
		"error":    err.Error(),
	})
}
