// Package protocol defines the realtime channel wire format. Every frame is a
// JSON envelope with a type discriminator and an object payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Server -> client event types.
const (
	TypeAuthenticated  = "authenticated"
	TypeNewMessage     = "new_message"
	TypeMessageEdited  = "message_edited"
	TypeMessageDeleted = "message_deleted"
	TypeUserOnline     = "user_online"
	TypeUserOffline    = "user_offline"
	TypeUserTyping     = "user_typing"
	TypeMessagesRead   = "messages_read"
	TypeOnlineUsers    = "online_users"
	TypeError          = "error"
)

// Client -> server event types.
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeSendMessage       = "send_message"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeMarkMessagesRead  = "mark_messages_read"
)

// ErrUnknownType is returned by Decode for a well-formed envelope whose type
// this client does not handle.
var ErrUnknownType = errors.New("protocol: unknown event type")

// Envelope is the frame layout shared by both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is a chat message as carried on the wire and by the history API.
type Message struct {
	ID        string     `json:"id"`
	MatchID   string     `json:"matchId"`
	SenderID  string     `json:"senderId"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// Inbound is a decoded server event.
type Inbound interface {
	EventType() string
}

// Authenticated acknowledges the handshake.
type Authenticated struct {
	UserID string `json:"userId"`
}

// NewMessage carries a message created by either participant.
type NewMessage struct {
	Message
}

// MessageEdited replaces the content of an existing message.
type MessageEdited struct {
	ID       string    `json:"id"`
	MatchID  string    `json:"matchId"`
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

// MessageDeleted removes a message.
type MessageDeleted struct {
	ID      string `json:"id"`
	MatchID string `json:"matchId"`
}

// UserOnline reports a peer coming online.
type UserOnline struct {
	UserID string `json:"userId"`
}

// UserOffline reports a peer going offline.
type UserOffline struct {
	UserID string `json:"userId"`
}

// UserTyping reports a typing transition in a conversation.
type UserTyping struct {
	MatchID  string `json:"matchId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// MessagesRead acknowledges that ReaderID has read the conversation.
type MessagesRead struct {
	MatchID  string    `json:"matchId"`
	ReaderID string    `json:"readerId"`
	ReadAt   time.Time `json:"readAt"`
}

// OnlineUsers is the full presence snapshot sent after (re)connect.
type OnlineUsers struct {
	UserIDs []string `json:"userIds"`
}

// Error is a server-side error notice.
type Error struct {
	Message string `json:"message"`
}

func (Authenticated) EventType() string  { return TypeAuthenticated }
func (NewMessage) EventType() string     { return TypeNewMessage }
func (MessageEdited) EventType() string  { return TypeMessageEdited }
func (MessageDeleted) EventType() string { return TypeMessageDeleted }
func (UserOnline) EventType() string     { return TypeUserOnline }
func (UserOffline) EventType() string    { return TypeUserOffline }
func (UserTyping) EventType() string     { return TypeUserTyping }
func (MessagesRead) EventType() string   { return TypeMessagesRead }
func (OnlineUsers) EventType() string    { return TypeOnlineUsers }
func (Error) EventType() string          { return TypeError }

// Decode parses a frame into its typed event. Unknown types return the
// envelope type alongside ErrUnknownType so callers can log and skip.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("protocol: missing \"type\" field")
	}

	var evt Inbound
	var err error
	switch env.Type {
	case TypeAuthenticated:
		evt, err = decodeAs[Authenticated](env.Payload)
	case TypeNewMessage:
		evt, err = decodeAs[NewMessage](env.Payload)
	case TypeMessageEdited:
		evt, err = decodeAs[MessageEdited](env.Payload)
	case TypeMessageDeleted:
		evt, err = decodeAs[MessageDeleted](env.Payload)
	case TypeUserOnline:
		evt, err = decodeAs[UserOnline](env.Payload)
	case TypeUserOffline:
		evt, err = decodeAs[UserOffline](env.Payload)
	case TypeUserTyping:
		evt, err = decodeAs[UserTyping](env.Payload)
	case TypeMessagesRead:
		evt, err = decodeAs[MessagesRead](env.Payload)
	case TypeOnlineUsers:
		evt, err = decodeAs[OnlineUsers](env.Payload)
	case TypeError:
		evt, err = decodeAs[Error](env.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
	}
	return evt, nil
}

func decodeAs[T Inbound](raw json.RawMessage) (Inbound, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode builds an outbound frame.
func Encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// ConversationRef is the payload of join/leave/typing/mark-read events.
type ConversationRef struct {
	MatchID string `json:"matchId"`
}

// SendMessage is the payload of send_message.
type SendMessage struct {
	MatchID         string `json:"matchId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId"`
}
