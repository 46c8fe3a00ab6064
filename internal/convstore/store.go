// Package convstore is the single source of truth for conversations, message
// timelines and the unread total. Every inbound event and history page is
// applied as one transition under a single lock, so readers never observe a
// message appended without its summary, ordering and counter updates.
package convstore

import (
	"sort"
	"sync"
	"time"

	"github.com/lovelink/chatsync/internal/protocol"
)

type timeline struct {
	msgs    []Message
	state   LoadState
	page    int
	loading int
	hasMore bool
	err     error
}

func (tl *timeline) indexOf(id string) int {
	for i := len(tl.msgs) - 1; i >= 0; i-- {
		if tl.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// Store owns conversation and message state for one session.
type Store struct {
	mu        sync.RWMutex
	self      string
	convs     map[string]*Conversation
	order     []string
	timelines map[string]*timeline
	current   string
	unread    Counter
	now       func() time.Time

	// epoch advances on every wholesale replacement of the list; pending
	// journals live changes while a refetch started at pending.epoch runs.
	epoch   uint64
	pending *journal
}

// New creates an empty store for the local identity self.
func New(self string) *Store {
	return &Store{
		self:      self,
		convs:     make(map[string]*Conversation),
		timelines: make(map[string]*timeline),
		now:       time.Now,
	}
}

// SetSelf updates the local identity used to compute IsFromMe.
func (s *Store) SetSelf(id string) {
	s.mu.Lock()
	s.self = id
	s.mu.Unlock()
}

// Self returns the local identity.
func (s *Store) Self() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// Seed replaces the conversation list with list and initializes the unread
// total by summation. Timelines of conversations still present are kept.
// A resync in flight is superseded.
func (s *Store) Seed(list []protocol.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.pending = nil
	s.install(s.fromList(list))
}

// fromList builds conversations from a fetched list. Caller holds mu.
func (s *Store) fromList(list []protocol.Conversation) map[string]*Conversation {
	convs := make(map[string]*Conversation, len(list))
	for _, pc := range list {
		if pc.MatchID == "" {
			continue
		}
		c := &Conversation{
			MatchID:     pc.MatchID,
			Peer:        pc.Peer,
			UnreadCount: max(pc.UnreadCount, 0),
			CreatedAt:   pc.CreatedAt,
		}
		if pc.LastMessage != nil {
			c.LastMessage = summaryOf(s.fromWire(*pc.LastMessage))
		}
		convs[c.MatchID] = c
	}
	return convs
}

// install makes convs the conversation list, dropping timelines of removed
// conversations and re-summing the unread total. Caller holds mu.
func (s *Store) install(convs map[string]*Conversation) {
	for id := range s.timelines {
		if _, ok := convs[id]; !ok {
			delete(s.timelines, id)
		}
	}
	counts := make([]int, 0, len(convs))
	for _, c := range convs {
		counts = append(counts, c.UnreadCount)
	}
	s.convs = convs
	s.unread.Init(counts...)
	s.resort()
}

// ApplyNewMessage ingests a live message: append to a loaded timeline, update
// the conversation summary and position, and count it as unread when it was
// not sent by the local user. Returns false for a message already seen.
func (s *Store) ApplyNewMessage(pm protocol.Message) (Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.fromWire(pm)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	c, known := s.convs[m.MatchID]
	if known && c.LastMessage != nil && c.LastMessage.MessageID == m.ID {
		return Delivery{}, false
	}
	tl := s.timelines[m.MatchID]
	if tl != nil && tl.indexOf(m.ID) >= 0 {
		return Delivery{}, false
	}

	if !known {
		c = &Conversation{MatchID: m.MatchID, CreatedAt: m.CreatedAt}
		s.convs[m.MatchID] = c
	}
	appended := false
	if tl != nil {
		tl.msgs = append(tl.msgs, m)
		appended = true
	}
	c.LastMessage = summaryOf(m)
	if !m.IsFromMe {
		c.UnreadCount++
		s.unread.Increment()
	}
	s.resort()
	s.pending.recordMessage(m, c)

	return Delivery{
		Message:      m.clone(),
		Conversation: c.clone(),
		Appended:     appended,
		Created:      !known,
		UnreadTotal:  s.unread.Value(),
	}, true
}

// ApplyEdit replaces the content of a message wherever its timeline is loaded.
// The message keeps its position.
func (s *Store) ApplyEdit(e protocol.MessageEdited) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	var out Message
	if tl := s.timelines[e.MatchID]; tl != nil {
		if i := tl.indexOf(e.ID); i >= 0 {
			editedAt := e.EditedAt
			tl.msgs[i].Content = e.Content
			tl.msgs[i].Edited = true
			tl.msgs[i].EditedAt = &editedAt
			out = tl.msgs[i].clone()
			changed = true
		}
	}
	if c := s.convs[e.MatchID]; c != nil && c.LastMessage != nil && c.LastMessage.MessageID == e.ID {
		c.LastMessage.Content = e.Content
		changed = true
	}
	return out, changed
}

// ApplyDelete removes a message without a tombstone. If it was the
// conversation's last message the summary falls back to the new tail.
func (s *Store) ApplyDelete(d protocol.MessageDeleted) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	tl := s.timelines[d.MatchID]
	if tl != nil {
		if i := tl.indexOf(d.ID); i >= 0 {
			tl.msgs = append(tl.msgs[:i], tl.msgs[i+1:]...)
			changed = true
		}
	}
	if c := s.convs[d.MatchID]; c != nil && c.LastMessage != nil && c.LastMessage.MessageID == d.ID {
		c.LastMessage = nil
		if tl != nil && len(tl.msgs) > 0 {
			c.LastMessage = summaryOf(tl.msgs[len(tl.msgs)-1])
		}
		s.resort()
		changed = true
	}
	return changed
}

// ApplyRead marks every message the local user sent in a conversation as
// read by the peer. Read times are sticky: a message already read keeps its
// time. Returns the number of messages newly marked.
func (s *Store) ApplyRead(r protocol.MessagesRead) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ReaderID != "" && r.ReaderID == s.self {
		return 0
	}
	tl := s.timelines[r.MatchID]
	if tl == nil {
		return 0
	}
	n := 0
	for i := range tl.msgs {
		m := &tl.msgs[i]
		if !m.IsFromMe || m.ReadAt != nil {
			continue
		}
		readAt := r.ReadAt
		if readAt.IsZero() {
			readAt = s.now()
		}
		m.ReadAt = &readAt
		n++
	}
	return n
}

// MarkRead zeroes a conversation's unread count and releases exactly the
// value it held before the reset from the global total.
func (s *Store) MarkRead(matchID string) (cleared int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[matchID]
	if c == nil {
		return 0, false
	}
	cleared = c.UnreadCount
	c.UnreadCount = 0
	s.unread.Release(cleared)
	s.pending.recordRead(c)
	return cleared, true
}

// BeginLoad moves a timeline into Loading and returns the page to fetch.
// With more=false the first page is (re)loaded; otherwise the next older page.
func (s *Store) BeginLoad(matchID string, more bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.timelines[matchID]
	if tl == nil {
		tl = &timeline{}
		s.timelines[matchID] = tl
	}
	if tl.state == Loading {
		return 0, ErrLoadInProgress
	}
	page := 1
	if more {
		if tl.page == 0 {
			return 0, ErrNotLoaded
		}
		if !tl.hasMore {
			return 0, ErrNoMoreHistory
		}
		page = tl.page + 1
	}
	tl.state = Loading
	tl.loading = page
	tl.err = nil
	return page, nil
}

// CompletePage merges a fetched page into the timeline. Messages already
// present are updated in place; new ones are inserted by creation time
// without moving existing entries. Pages that arrive after the user moved to
// another conversation still apply. Returns the number of messages added.
func (s *Store) CompletePage(matchID string, page int, p protocol.MessagePage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.timelines[matchID]
	if tl == nil {
		return 0
	}
	added := 0
	for _, pm := range p.Messages {
		if pm.MatchID == "" {
			pm.MatchID = matchID
		}
		if s.merge(tl, s.fromWire(pm)) {
			added++
		}
	}
	if page >= tl.page {
		tl.hasMore = p.HasMore
		tl.page = page
	}
	tl.state = Loaded
	tl.loading = 0
	tl.err = nil

	if c := s.convs[matchID]; c != nil && len(tl.msgs) > 0 {
		tail := tl.msgs[len(tl.msgs)-1]
		if c.LastMessage == nil || tail.CreatedAt.After(c.LastMessage.CreatedAt) {
			c.LastMessage = summaryOf(tail)
			s.resort()
		}
	}
	return added
}

// merge inserts m into tl or refreshes the existing copy. Caller holds mu.
func (s *Store) merge(tl *timeline, m Message) bool {
	if i := tl.indexOf(m.ID); i >= 0 {
		cur := &tl.msgs[i]
		cur.Content = m.Content
		if m.EditedAt != nil {
			cur.EditedAt = m.EditedAt
			cur.Edited = true
		}
		if cur.ReadAt == nil {
			cur.ReadAt = m.ReadAt
		}
		return false
	}
	at := len(tl.msgs)
	for at > 0 && tl.msgs[at-1].CreatedAt.After(m.CreatedAt) {
		at--
	}
	tl.msgs = append(tl.msgs, Message{})
	copy(tl.msgs[at+1:], tl.msgs[at:])
	tl.msgs[at] = m
	return true
}

// FailLoad records a failed fetch as a retryable error. A timeline that had
// already loaded a page stays Loaded with Err set.
func (s *Store) FailLoad(matchID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.timelines[matchID]
	if tl == nil {
		return
	}
	tl.loading = 0
	tl.err = err
	if tl.page == 0 {
		tl.state = LoadFailed
	} else {
		tl.state = Loaded
	}
}

// SetCurrent selects the open conversation and returns the previous one.
// Selection only filters what is displayed; patches apply to every loaded
// timeline regardless.
func (s *Store) SetCurrent(matchID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current
	s.current = matchID
	return prev
}

// Current returns the open conversation, or "" if none.
func (s *Store) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Conversations returns a copy of the list ordered by most recent activity.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.convs[id].clone())
	}
	return out
}

// Conversation returns one conversation by match id.
func (s *Store) Conversation(matchID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[matchID]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Messages returns a copy of a conversation's timeline in arrival order.
func (s *Store) Messages(matchID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl := s.timelines[matchID]
	if tl == nil {
		return nil
	}
	out := make([]Message, len(tl.msgs))
	for i, m := range tl.msgs {
		out[i] = m.clone()
	}
	return out
}

// Timeline returns the pagination state of a conversation.
func (s *Store) Timeline(matchID string) TimelineInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl := s.timelines[matchID]
	if tl == nil {
		return TimelineInfo{State: Unloaded}
	}
	return TimelineInfo{
		State:   tl.state,
		Page:    tl.page,
		HasMore: tl.hasMore,
		Err:     tl.err,
		Count:   len(tl.msgs),
	}
}

// LoadedTimelines returns the ids of conversations that have fetched at least one page.
func (s *Store) LoadedTimelines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, tl := range s.timelines {
		if tl.page > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// UnreadTotal returns the global unread counter.
func (s *Store) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread.Value()
}

// Reset drops all state on session teardown.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = make(map[string]*Conversation)
	s.order = nil
	s.timelines = make(map[string]*timeline)
	s.current = ""
	s.unread.Reset()
	s.epoch++
	s.pending = nil
}

// resort rebuilds the activity order. Caller holds mu.
func (s *Store) resort() {
	order := make([]string, 0, len(s.convs))
	for id := range s.convs {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := s.convs[order[i]], s.convs[order[j]]
		ta, tb := a.ActivityAt(), b.ActivityAt()
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.MatchID < b.MatchID
	})
	s.order = order
}

// fromWire converts a wire message, deriving IsFromMe. Caller holds mu.
func (s *Store) fromWire(pm protocol.Message) Message {
	return Message{
		ID:        pm.ID,
		MatchID:   pm.MatchID,
		SenderID:  pm.SenderID,
		Content:   pm.Content,
		CreatedAt: pm.CreatedAt,
		EditedAt:  copyTime(pm.EditedAt),
		ReadAt:    copyTime(pm.ReadAt),
		Edited:    pm.EditedAt != nil,
		IsFromMe:  s.self != "" && pm.SenderID == s.self,
	}
}
