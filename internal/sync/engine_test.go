package sync

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/lovelink/chatsync/internal/bus"
	"github.com/lovelink/chatsync/internal/channel"
	"github.com/lovelink/chatsync/internal/convstore"
	"github.com/lovelink/chatsync/internal/presence"
	"github.com/lovelink/chatsync/internal/protocol"
	"github.com/lovelink/chatsync/internal/store"
	"github.com/lovelink/chatsync/internal/typing"
)

var t0 = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMigrated(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeFetcher struct {
	mu        gosync.Mutex
	list      []protocol.Conversation
	listErr   error
	pages     map[string]protocol.MessagePage
	pageErr   error
	listCalls int
	pageCalls []string

	// gate, when set, holds list fetches until closed or ctx is done.
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) Conversations(ctx context.Context) ([]protocol.Conversation, error) {
	f.mu.Lock()
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if gate != nil {
		started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]protocol.Conversation(nil), f.list...), nil
}

func (f *fakeFetcher) Messages(ctx context.Context, matchID string, page, limit int) (protocol.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls = append(f.pageCalls, matchID)
	if f.pageErr != nil {
		return protocol.MessagePage{}, f.pageErr
	}
	return f.pages[matchID], nil
}

func (f *fakeFetcher) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, len(f.pageCalls)
}

type fakeRooms struct {
	mu     gosync.Mutex
	joined []string
	left   []string
	err    error
}

func (r *fakeRooms) JoinConversation(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = append(r.joined, id)
	return r.err
}

func (r *fakeRooms) LeaveConversation(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = append(r.left, id)
	return r.err
}

type fakeSubscriber struct {
	h        channel.Handlers
	unsubbed bool
}

func (s *fakeSubscriber) Subscribe(h channel.Handlers) func() {
	s.h = h
	return func() { s.unsubbed = true }
}

type harness struct {
	engine *Engine
	store  *convstore.Store
	pres   *presence.Tracker
	typing *typing.Store
	fetch  *fakeFetcher
	rooms  *fakeRooms
	sub    *fakeSubscriber
	bus    *bus.Bus
	db     *store.DB
}

func newHarness(t *testing.T, resync bool) *harness {
	t.Helper()
	h := &harness{
		store:  convstore.New("me"),
		pres:   presence.NewTracker(),
		typing: typing.NewStore(),
		fetch:  &fakeFetcher{pages: make(map[string]protocol.MessagePage)},
		rooms:  &fakeRooms{},
		sub:    &fakeSubscriber{},
		bus:    bus.New(),
		db:     testDB(t),
	}
	h.engine = NewEngine(Config{PageSize: 20, ResyncOnReconnect: resync}, Deps{
		Store:    h.store,
		Presence: h.pres,
		Typing:   h.typing,
		Rooms:    h.rooms,
		History:  h.fetch,
		Snapshot: h.db,
		Bus:      h.bus,
	})
	h.engine.Start(context.Background(), h.sub)
	t.Cleanup(func() {
		h.engine.Stop()
		h.bus.Close()
	})
	return h
}

func wireMsg(id, match, sender string, min int) protocol.Message {
	return protocol.Message{ID: id, MatchID: match, SenderID: sender, Content: "msg " + id, CreatedAt: t0.Add(time.Duration(min) * time.Minute)}
}

func sampleList() []protocol.Conversation {
	last := wireMsg("c9", "C", "peer-c", 30)
	return []protocol.Conversation{
		{MatchID: "A", Peer: protocol.Profile{ID: "peer-a", Name: "Ana"}, CreatedAt: t0.Add(10 * time.Minute)},
		{MatchID: "C", Peer: protocol.Profile{ID: "peer-c", Name: "Cris"}, CreatedAt: t0, UnreadCount: 3, LastMessage: &last},
	}
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return bus.Event{}
		}
	}
}

func ids(convs []convstore.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.MatchID
	}
	return out
}

func TestBootstrapSeedsAndSavesSnapshot(t *testing.T) {
	h := newHarness(t, true)
	h.fetch.list = sampleList()

	if err := h.engine.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.engine.Stale() {
		t.Error("fresh seed reported stale")
	}
	if got := ids(h.store.Conversations()); len(got) != 2 || got[0] != "C" {
		t.Errorf("order = %v, want [C A]", got)
	}
	if h.store.UnreadTotal() != 3 {
		t.Errorf("unread total = %d, want 3", h.store.UnreadTotal())
	}

	cached, err := h.db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 2 {
		t.Errorf("snapshot has %d rows, want 2", len(cached))
	}
	if _, ok, _ := h.db.Checkpoint(store.CheckpointSeed); !ok {
		t.Error("seed checkpoint not recorded")
	}
}

func TestBootstrapFallsBackToSnapshot(t *testing.T) {
	h := newHarness(t, true)
	if err := h.db.ReplaceConversations(sampleList()); err != nil {
		t.Fatal(err)
	}
	h.fetch.listErr = errors.New("503")
	events, unsub := h.bus.Subscribe("history.", 4)
	defer unsub()

	if err := h.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap = %v, want nil with snapshot present", err)
	}
	if !h.engine.Stale() {
		t.Error("expected stale after snapshot fallback")
	}
	if len(h.store.Conversations()) != 2 {
		t.Errorf("got %d conversations from snapshot", len(h.store.Conversations()))
	}
	waitEvent(t, events, KindHistoryFailed)
}

func TestBootstrapWithoutSnapshotFails(t *testing.T) {
	h := newHarness(t, true)
	h.fetch.listErr = errors.New("down")

	err := h.engine.Bootstrap(context.Background())
	if !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("err = %v, want ErrNoSnapshot", err)
	}
}

func TestNewMessageRoutesToStore(t *testing.T) {
	h := newHarness(t, true)
	h.fetch.list = sampleList()
	if err := h.engine.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	events, unsub := h.bus.Subscribe("", 16)
	defer unsub()

	h.sub.h.OnNewMessage(protocol.NewMessage{Message: wireMsg("a1", "A", "peer-a", 40)})

	if got := ids(h.store.Conversations()); got[0] != "A" {
		t.Errorf("A should move to front, got %v", got)
	}
	if h.store.UnreadTotal() != 4 {
		t.Errorf("unread total = %d, want 4", h.store.UnreadTotal())
	}
	evt := waitEvent(t, events, KindUnreadChanged)
	fields, _ := evt.Fields()
	if fields["unread_total"] != 4 {
		t.Errorf("unread_total payload = %v", fields["unread_total"])
	}

	// Echo of the same message is ignored.
	h.sub.h.OnNewMessage(protocol.NewMessage{Message: wireMsg("a1", "A", "peer-a", 40)})
	if h.store.UnreadTotal() != 4 {
		t.Errorf("duplicate changed unread total to %d", h.store.UnreadTotal())
	}
}

func TestOwnMessageDoesNotCountUnread(t *testing.T) {
	h := newHarness(t, true)
	h.sub.h.OnAuthenticated(protocol.Authenticated{UserID: "me-2"})
	if h.store.Self() != "me-2" {
		t.Fatalf("self = %q, want me-2", h.store.Self())
	}

	h.sub.h.OnNewMessage(protocol.NewMessage{Message: wireMsg("x", "Z", "me-2", 1)})
	if h.store.UnreadTotal() != 0 {
		t.Errorf("unread total = %d, want 0", h.store.UnreadTotal())
	}
}

func TestPresenceEvents(t *testing.T) {
	h := newHarness(t, true)

	h.sub.h.OnUserOnline(protocol.UserOnline{UserID: "u1"})
	h.sub.h.OnUserOnline(protocol.UserOnline{UserID: "u2"})
	h.sub.h.OnUserOffline(protocol.UserOffline{UserID: "u1"})
	if h.pres.IsOnline("u1") || !h.pres.IsOnline("u2") {
		t.Fatalf("online = %v", h.pres.Online())
	}

	h.sub.h.OnOnlineUsers(protocol.OnlineUsers{UserIDs: []string{"u3"}})
	if h.pres.IsOnline("u2") || !h.pres.IsOnline("u3") {
		t.Errorf("snapshot did not replace set: %v", h.pres.Online())
	}
}

func TestTypingEvents(t *testing.T) {
	h := newHarness(t, true)

	h.sub.h.OnUserTyping(protocol.UserTyping{MatchID: "A", UserID: "peer-a", UserName: "Ana", IsTyping: true})
	if name, ok := h.typing.Status("A"); !ok || name != "Ana" {
		t.Errorf("Status(A) = %q, %v", name, ok)
	}
	h.sub.h.OnUserTyping(protocol.UserTyping{MatchID: "A", UserID: "peer-a", IsTyping: false})
	if _, ok := h.typing.Status("A"); ok {
		t.Error("typing not cleared")
	}

	// Own typing echoes are not shown.
	h.sub.h.OnUserTyping(protocol.UserTyping{MatchID: "B", UserID: "me", UserName: "Me", IsTyping: true})
	if _, ok := h.typing.Status("B"); ok {
		t.Error("own typing should be ignored")
	}
}

func TestEditAndDeleteApplyToBackgroundConversation(t *testing.T) {
	h := newHarness(t, true)
	h.fetch.list = sampleList()
	h.fetch.pages["C"] = protocol.MessagePage{Messages: []protocol.Message{wireMsg("c8", "C", "peer-c", 20), wireMsg("c9", "C", "peer-c", 30)}}
	if err := h.engine.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.LoadMessages(context.Background(), "C"); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.OpenConversation(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}

	h.sub.h.OnMessageEdited(protocol.MessageEdited{ID: "c8", MatchID: "C", Content: "fixed", EditedAt: t0.Add(time.Hour)})
	h.sub.h.OnMessageDeleted(protocol.MessageDeleted{ID: "c9", MatchID: "C"})

	msgs := h.store.Messages("C")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "fixed" || !msgs[0].Edited {
		t.Errorf("edit not applied: %+v", msgs[0])
	}
}

func TestOpenConversationJoinsAndLoads(t *testing.T) {
	h := newHarness(t, true)
	h.fetch.pages["A"] = protocol.MessagePage{Messages: []protocol.Message{wireMsg("a1", "A", "peer-a", 1)}, HasMore: true}

	ctx := context.Background()
	if err := h.engine.OpenConversation(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.OpenConversation(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	// Re-opening an already loaded conversation does not refetch.
	if err := h.engine.OpenConversation(ctx, "A"); err != nil {
		t.Fatal(err)
	}

	if got := h.rooms.joined; len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "A" {
		t.Errorf("joined = %v", got)
	}
	if got := h.rooms.left; len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("left = %v", got)
	}
	if _, pages := h.fetch.calls(); pages != 2 {
		t.Errorf("page fetches = %d, want 2 (A once, B once)", pages)
	}
	if h.store.Current() != "A" {
		t.Errorf("current = %q", h.store.Current())
	}
	info := h.store.Timeline("A")
	if info.State != convstore.Loaded || !info.HasMore || info.Count != 1 {
		t.Errorf("timeline A = %+v", info)
	}
}

func TestOpenConversationWhileDisconnectedStillLoads(t *testing.T) {
	h := newHarness(t, true)
	h.rooms.err = errors.New("not connected")
	h.fetch.pages["A"] = protocol.MessagePage{Messages: []protocol.Message{wireMsg("a1", "A", "peer-a", 1)}}

	if err := h.engine.OpenConversation(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
	if len(h.store.Messages("A")) != 1 {
		t.Error("history not loaded")
	}
}

func TestLoadFailureIsRetryable(t *testing.T) {
	h := newHarness(t, true)
	h.fetch.pageErr = errors.New("timeout")
	events, unsub := h.bus.Subscribe("history.", 4)
	defer unsub()

	if err := h.engine.LoadMessages(context.Background(), "A"); err == nil {
		t.Fatal("expected error")
	}
	if info := h.store.Timeline("A"); info.State != convstore.LoadFailed || info.Err == nil {
		t.Errorf("timeline = %+v, want LoadFailed", info)
	}
	waitEvent(t, events, KindHistoryFailed)

	h.fetch.mu.Lock()
	h.fetch.pageErr = nil
	h.fetch.pages["A"] = protocol.MessagePage{Messages: []protocol.Message{wireMsg("a1", "A", "peer-a", 1)}}
	h.fetch.mu.Unlock()

	if err := h.engine.LoadMessages(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
	if info := h.store.Timeline("A"); info.State != convstore.Loaded {
		t.Errorf("state = %v, want loaded", info.State)
	}
}

func TestLoadMoreRequiresFirstPage(t *testing.T) {
	h := newHarness(t, true)
	if err := h.engine.LoadMore(context.Background(), "A"); !errors.Is(err, convstore.ErrNotLoaded) {
		t.Errorf("err = %v, want ErrNotLoaded", err)
	}
}

func TestReconnectTriggersResync(t *testing.T) {
	h := newHarness(t, true)
	h.fetch.list = sampleList()
	h.fetch.pages["C"] = protocol.MessagePage{Messages: []protocol.Message{wireMsg("c9", "C", "peer-c", 30)}}
	ctx := context.Background()
	if err := h.engine.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.OpenConversation(ctx, "C"); err != nil {
		t.Fatal(err)
	}

	// Messages missed while the channel was down.
	missed := wireMsg("c10", "C", "peer-c", 50)
	h.fetch.mu.Lock()
	list := sampleList()
	list[1].UnreadCount = 4
	list[1].LastMessage = &missed
	h.fetch.list = list
	h.fetch.pages["C"] = protocol.MessagePage{Messages: []protocol.Message{wireMsg("c9", "C", "peer-c", 30), missed}}
	h.fetch.mu.Unlock()

	events, unsub := h.bus.Subscribe("sync.", 4)
	defer unsub()
	h.sub.h.OnConnected(true)
	waitEvent(t, events, KindResynced)

	if h.store.UnreadTotal() != 4 {
		t.Errorf("unread total = %d, want 4 after re-seed", h.store.UnreadTotal())
	}
	msgs := h.store.Messages("C")
	if len(msgs) != 2 || msgs[1].ID != "c10" {
		t.Errorf("timeline after resync = %v", msgs)
	}
	if got := h.rooms.joined; got[len(got)-1] != "C" {
		t.Errorf("current room not rejoined: %v", got)
	}
	if _, ok, _ := h.db.Checkpoint(store.CheckpointResync); !ok {
		t.Error("resync checkpoint not recorded")
	}
	if _, ok, _ := h.db.Checkpoint(store.CheckpointConnected); !ok {
		t.Error("connected checkpoint not recorded")
	}
}

func TestFirstConnectWithFreshListDoesNotResync(t *testing.T) {
	h := newHarness(t, true)
	h.fetch.list = sampleList()
	if err := h.engine.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.sub.h.OnConnected(false)
	time.Sleep(20 * time.Millisecond)
	if lists, _ := h.fetch.calls(); lists != 1 {
		t.Errorf("list fetches = %d, want 1 (bootstrap only)", lists)
	}
}

func TestFirstConnectFetchesMissingList(t *testing.T) {
	h := newHarness(t, false)
	h.fetch.listErr = errors.New("down")
	if err := h.engine.Bootstrap(context.Background()); err == nil {
		t.Fatal("expected bootstrap error")
	}
	if h.engine.Seeded() {
		t.Fatal("seeded without a list")
	}
	h.fetch.mu.Lock()
	h.fetch.listErr = nil
	h.fetch.list = sampleList()
	h.fetch.mu.Unlock()

	events, unsub := h.bus.Subscribe("sync.", 4)
	defer unsub()
	h.sub.h.OnConnected(false)
	waitEvent(t, events, KindResynced)

	if !h.engine.Seeded() {
		t.Error("not seeded after connect")
	}
	if len(h.store.Conversations()) != 2 || h.store.UnreadTotal() != 3 {
		t.Errorf("conversations = %v, unread = %d", ids(h.store.Conversations()), h.store.UnreadTotal())
	}
}

func TestFirstConnectRefreshesCachedList(t *testing.T) {
	h := newHarness(t, false)
	if err := h.db.ReplaceConversations(sampleList()); err != nil {
		t.Fatal(err)
	}
	h.fetch.listErr = errors.New("503")
	if err := h.engine.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !h.engine.Stale() {
		t.Fatal("expected stale seed")
	}

	fresh := sampleList()
	fresh[1].UnreadCount = 5
	h.fetch.mu.Lock()
	h.fetch.listErr = nil
	h.fetch.list = fresh
	h.fetch.mu.Unlock()

	events, unsub := h.bus.Subscribe("sync.", 4)
	defer unsub()
	h.sub.h.OnConnected(false)
	waitEvent(t, events, KindResynced)

	if h.engine.Stale() {
		t.Error("still stale after refresh")
	}
	if h.store.UnreadTotal() != 5 {
		t.Errorf("unread total = %d, want 5", h.store.UnreadTotal())
	}
}

func TestResyncKeepsMessageArrivingDuringFetch(t *testing.T) {
	h := newHarness(t, true)
	h.fetch.list = sampleList()
	if err := h.engine.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	gate := make(chan struct{})
	h.fetch.mu.Lock()
	h.fetch.gate, h.fetch.started = gate, make(chan struct{}, 1)
	h.fetch.mu.Unlock()

	events, unsub := h.bus.Subscribe("sync.", 4)
	defer unsub()
	h.sub.h.OnConnected(true)
	<-h.fetch.started

	// Delivered on the channel while the list request is outstanding.
	h.sub.h.OnNewMessage(protocol.NewMessage{Message: wireMsg("c10", "C", "peer-c", 50)})
	close(gate)
	waitEvent(t, events, KindResynced)

	c, _ := h.store.Conversation("C")
	if c.UnreadCount != 4 || h.store.UnreadTotal() != 4 {
		t.Errorf("unread = %d/%d, want 4/4", c.UnreadCount, h.store.UnreadTotal())
	}
	if c.LastMessage == nil || c.LastMessage.MessageID != "c10" {
		t.Errorf("last message = %+v, want c10", c.LastMessage)
	}
}

func TestTeardownCancelsResyncInFlight(t *testing.T) {
	h := newHarness(t, true)
	h.fetch.list = sampleList()
	if err := h.engine.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.fetch.mu.Lock()
	h.fetch.gate, h.fetch.started = make(chan struct{}), make(chan struct{}, 1)
	h.fetch.mu.Unlock()

	h.sub.h.OnConnected(true)
	<-h.fetch.started
	h.engine.Teardown()
	time.Sleep(50 * time.Millisecond)

	if n := len(h.store.Conversations()); n != 0 {
		t.Errorf("got %d conversations after teardown", n)
	}
	if h.store.UnreadTotal() != 0 {
		t.Errorf("unread total = %d after teardown, want 0", h.store.UnreadTotal())
	}
	if h.engine.Seeded() {
		t.Error("seeded after teardown")
	}
}

func TestResyncDisabled(t *testing.T) {
	h := newHarness(t, false)
	h.fetch.list = sampleList()
	if err := h.engine.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.sub.h.OnConnected(true)
	time.Sleep(20 * time.Millisecond)
	if lists, _ := h.fetch.calls(); lists != 1 {
		t.Errorf("list fetches = %d, want 1 (bootstrap only)", lists)
	}
}

func TestResyncFailureKeepsState(t *testing.T) {
	h := newHarness(t, true)
	h.fetch.list = sampleList()
	if err := h.engine.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.fetch.mu.Lock()
	h.fetch.listErr = errors.New("502")
	h.fetch.mu.Unlock()

	if err := h.engine.Reconciler().Resync(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(h.store.Conversations()) != 2 || h.store.UnreadTotal() != 3 {
		t.Error("state changed after failed resync")
	}
}

func TestTeardownResetsEverything(t *testing.T) {
	h := newHarness(t, true)
	h.fetch.list = sampleList()
	if err := h.engine.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.sub.h.OnUserOnline(protocol.UserOnline{UserID: "u1"})
	h.sub.h.OnUserTyping(protocol.UserTyping{MatchID: "A", UserID: "peer-a", UserName: "Ana", IsTyping: true})

	h.engine.Teardown()

	if h.store.UnreadTotal() != 0 || len(h.store.Conversations()) != 0 {
		t.Error("store not reset")
	}
	if len(h.pres.Online()) != 0 {
		t.Error("presence not reset")
	}
	if _, ok := h.typing.Status("A"); ok {
		t.Error("typing not reset")
	}
	if h.engine.Seeded() || h.engine.Stale() {
		t.Error("seed state not reset")
	}
}

func TestStopUnsubscribes(t *testing.T) {
	h := newHarness(t, true)
	h.engine.Stop()
	if !h.sub.unsubbed {
		t.Error("Stop did not unsubscribe")
	}
}
