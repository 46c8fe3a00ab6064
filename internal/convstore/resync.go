package convstore

import "github.com/lovelink/chatsync/internal/protocol"

// journal records live changes per conversation while a list refetch is in
// flight, so the refetched list is merged with them rather than replacing them.
type journal struct {
	epoch uint64
	convs map[string]*liveChanges
}

type liveChanges struct {
	msgs []Message
	// readAt is len(msgs) at the latest local mark-read, or -1.
	readAt int
	last   Conversation
}

func (j *journal) entry(c *Conversation) *liveChanges {
	lc := j.convs[c.MatchID]
	if lc == nil {
		lc = &liveChanges{readAt: -1}
		j.convs[c.MatchID] = lc
	}
	lc.last = c.clone()
	return lc
}

func (j *journal) recordMessage(m Message, c *Conversation) {
	if j == nil {
		return
	}
	lc := j.entry(c)
	lc.msgs = append(lc.msgs, m)
}

func (j *journal) recordRead(c *Conversation) {
	if j == nil {
		return
	}
	lc := j.entry(c)
	lc.readAt = len(lc.msgs)
}

// BeginResync starts journaling live changes for a list refetch and returns
// the epoch to pass to CommitResync or AbortResync. A newer BeginResync, Seed
// or Reset supersedes it.
func (s *Store) BeginResync() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.pending = &journal{epoch: s.epoch, convs: make(map[string]*liveChanges)}
	return s.epoch
}

// AbortResync stops journaling for a failed refetch.
func (s *Store) AbortResync(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil && s.pending.epoch == epoch {
		s.pending = nil
	}
}

// CommitResync installs a refetched list and replays the live changes made
// since BeginResync on top of it. A live message the list already reflects
// (it is, or predates, the list's last message) is not counted twice; a local
// mark-read discards the list's unread count for that conversation. Returns
// false, leaving state untouched, when the resync was superseded.
func (s *Store) CommitResync(epoch uint64, list []protocol.Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.pending
	if j == nil || j.epoch != epoch {
		return false
	}
	s.pending = nil

	convs := s.fromList(list)
	for id, lc := range j.convs {
		c, ok := convs[id]
		if !ok && len(lc.msgs) == 0 {
			continue
		}
		if !ok {
			last := lc.last.clone()
			last.UnreadCount = 0
			last.LastMessage = nil
			c = &last
			convs[id] = c
		}
		listed := c.LastMessage
		unread := c.UnreadCount
		if lc.readAt >= 0 {
			unread = 0
		}
		for i, m := range lc.msgs {
			if listed != nil && (listed.MessageID == m.ID || !m.CreatedAt.After(listed.CreatedAt)) {
				continue
			}
			if c.LastMessage == nil || !m.CreatedAt.Before(c.LastMessage.CreatedAt) {
				c.LastMessage = summaryOf(m)
			}
			if !m.IsFromMe && i >= lc.readAt {
				unread++
			}
		}
		c.UnreadCount = unread
	}
	s.install(convs)
	return true
}
