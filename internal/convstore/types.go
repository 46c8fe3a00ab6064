package convstore

import (
	"errors"
	"time"

	"github.com/lovelink/chatsync/internal/protocol"
)

var (
	// ErrLoadInProgress is returned when a page is requested while another
	// page of the same conversation is still loading.
	ErrLoadInProgress = errors.New("history load already in progress")
	// ErrNoMoreHistory is returned by a load-more once the server reported hasMore=false.
	ErrNoMoreHistory = errors.New("no more history")
	// ErrNotLoaded is returned by a load-more before the first page arrived.
	ErrNotLoaded = errors.New("conversation history not loaded")
)

// LoadState is the pagination state of one conversation's timeline.
type LoadState int

const (
	Unloaded LoadState = iota
	Loading
	Loaded
	LoadFailed
)

func (s LoadState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case LoadFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

// Summary is the last-message preview kept on a conversation.
type Summary struct {
	MessageID string
	Content   string
	SenderID  string
	CreatedAt time.Time
	IsFromMe  bool
}

// Conversation is one 1:1 thread, keyed by match id.
type Conversation struct {
	MatchID     string
	Peer        protocol.Profile
	LastMessage *Summary
	UnreadCount int
	CreatedAt   time.Time
}

// ActivityAt is the ordering key: last message time, else match creation time.
func (c Conversation) ActivityAt() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// Message is one entry of a conversation timeline.
type Message struct {
	ID        string
	MatchID   string
	SenderID  string
	Content   string
	CreatedAt time.Time
	EditedAt  *time.Time
	ReadAt    *time.Time
	Edited    bool
	IsFromMe  bool
}

// TimelineInfo describes the pagination state of a conversation.
type TimelineInfo struct {
	State   LoadState
	Page    int
	HasMore bool
	Err     error
	Count   int
}

// Delivery is the outcome of applying one live message.
type Delivery struct {
	Message      Message
	Conversation Conversation
	Appended     bool
	Created      bool
	UnreadTotal  int
}

func summaryOf(m Message) *Summary {
	return &Summary{
		MessageID: m.ID,
		Content:   m.Content,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
		IsFromMe:  m.IsFromMe,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (c Conversation) clone() Conversation {
	if c.LastMessage != nil {
		s := *c.LastMessage
		c.LastMessage = &s
	}
	return c
}

func (m Message) clone() Message {
	m.EditedAt = copyTime(m.EditedAt)
	m.ReadAt = copyTime(m.ReadAt)
	return m
}
