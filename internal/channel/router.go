package channel

import (
	"sort"
	"sync"

	"github.com/lovelink/chatsync/internal/protocol"
)

// Handlers receives inbound events. Nil fields are skipped. Handlers run on
// the read loop and must not block on channel I/O.
type Handlers struct {
	OnAuthenticated  func(protocol.Authenticated)
	OnNewMessage     func(protocol.NewMessage)
	OnMessageEdited  func(protocol.MessageEdited)
	OnMessageDeleted func(protocol.MessageDeleted)
	OnUserOnline     func(protocol.UserOnline)
	OnUserOffline    func(protocol.UserOffline)
	OnUserTyping     func(protocol.UserTyping)
	OnMessagesRead   func(protocol.MessagesRead)
	OnOnlineUsers    func(protocol.OnlineUsers)
	OnError          func(protocol.Error)

	// OnConnected runs after every successful handshake; reconnect is false
	// for the first connection of a Connect call.
	OnConnected func(reconnect bool)
}

type router struct {
	mu       sync.RWMutex
	handlers map[int]Handlers
	next     int
}

func (r *router) add(h Handlers) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.handlers[id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers, id)
			r.mu.Unlock()
		})
	}
}

// snapshot returns handlers in subscription order.
func (r *router) snapshot() []Handlers {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Handlers, len(ids))
	for i, id := range ids {
		out[i] = r.handlers[id]
	}
	return out
}

func (r *router) dispatch(evt protocol.Inbound) {
	for _, h := range r.snapshot() {
		switch e := evt.(type) {
		case protocol.Authenticated:
			if h.OnAuthenticated != nil {
				h.OnAuthenticated(e)
			}
		case protocol.NewMessage:
			if h.OnNewMessage != nil {
				h.OnNewMessage(e)
			}
		case protocol.MessageEdited:
			if h.OnMessageEdited != nil {
				h.OnMessageEdited(e)
			}
		case protocol.MessageDeleted:
			if h.OnMessageDeleted != nil {
				h.OnMessageDeleted(e)
			}
		case protocol.UserOnline:
			if h.OnUserOnline != nil {
				h.OnUserOnline(e)
			}
		case protocol.UserOffline:
			if h.OnUserOffline != nil {
				h.OnUserOffline(e)
			}
		case protocol.UserTyping:
			if h.OnUserTyping != nil {
				h.OnUserTyping(e)
			}
		case protocol.MessagesRead:
			if h.OnMessagesRead != nil {
				h.OnMessagesRead(e)
			}
		case protocol.OnlineUsers:
			if h.OnOnlineUsers != nil {
				h.OnOnlineUsers(e)
			}
		case protocol.Error:
			if h.OnError != nil {
				h.OnError(e)
			}
		}
	}
}

func (r *router) connected(reconnect bool) {
	for _, h := range r.snapshot() {
		if h.OnConnected != nil {
			h.OnConnected(reconnect)
		}
	}
}
