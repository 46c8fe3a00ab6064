// Package outbound turns local intents into channel events. Every operation is
// a no-op returning ErrNotConnected while the channel is not connected.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lovelink/chatsync/internal/bus"
	"github.com/lovelink/chatsync/internal/protocol"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned when an intent is dropped because the
	// channel is down. Callers may ignore it.
	ErrNotConnected = errors.New("not connected")
	// ErrEmptyContent rejects a message that is blank after trimming.
	ErrEmptyContent = errors.New("message content is empty")
)

// Event kinds published by the dispatcher.
const (
	KindMessageSent   = "message.sent"
	KindUnreadChanged = "unread.changed"
)

// Sender is the channel side of the dispatcher.
type Sender interface {
	Connected() bool
	Send(ctx context.Context, typ string, payload any) error
}

// ReadMarker applies the local half of mark-as-read.
type ReadMarker interface {
	MarkRead(matchID string) (cleared int, ok bool)
	UnreadTotal() int
}

// Dispatcher is the only path from user intent to the remote service.
type Dispatcher struct {
	sender Sender
	reads  ReadMarker
	bus    *bus.Bus
	logger *zap.Logger
	newID  func() string
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(sender Sender, reads ReadMarker, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sender: sender,
		reads:  reads,
		bus:    b,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// JoinConversation asks the server to stream a conversation's events.
func (d *Dispatcher) JoinConversation(ctx context.Context, matchID string) error {
	return d.send(ctx, protocol.TypeJoinConversation, protocol.ConversationRef{MatchID: matchID})
}

// LeaveConversation stops streaming a conversation's room events.
func (d *Dispatcher) LeaveConversation(ctx context.Context, matchID string) error {
	return d.send(ctx, protocol.TypeLeaveConversation, protocol.ConversationRef{MatchID: matchID})
}

// SendMessage trims content and sends it with a fresh client message id.
// Nothing is appended locally; the message appears when the server echoes
// it back as new_message.
func (d *Dispatcher) SendMessage(ctx context.Context, matchID, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if !d.sender.Connected() {
		return "", ErrNotConnected
	}
	id := d.newID()
	if err := d.send(ctx, protocol.TypeSendMessage, protocol.SendMessage{
		MatchID:         matchID,
		Content:         content,
		ClientMessageID: id,
	}); err != nil {
		return "", err
	}
	d.bus.Emit(KindMessageSent, map[string]any{
		"match_id":          matchID,
		"client_message_id": id,
	})
	return id, nil
}

// StartTyping is fire-and-forget.
func (d *Dispatcher) StartTyping(ctx context.Context, matchID string) error {
	return d.send(ctx, protocol.TypeTypingStart, protocol.ConversationRef{MatchID: matchID})
}

// StopTyping is fire-and-forget.
func (d *Dispatcher) StopTyping(ctx context.Context, matchID string) error {
	return d.send(ctx, protocol.TypeTypingStop, protocol.ConversationRef{MatchID: matchID})
}

// MarkMessagesAsRead zeroes the conversation's unread count locally, releases
// the pre-reset value from the global total, then notifies the server.
func (d *Dispatcher) MarkMessagesAsRead(ctx context.Context, matchID string) (int, error) {
	if !d.sender.Connected() {
		return 0, ErrNotConnected
	}
	cleared, ok := d.reads.MarkRead(matchID)
	if ok {
		d.bus.Emit(KindUnreadChanged, map[string]any{
			"match_id":     matchID,
			"unread_count": 0,
			"cleared":      cleared,
			"unread_total": d.reads.UnreadTotal(),
		})
	}
	if err := d.send(ctx, protocol.TypeMarkMessagesRead, protocol.ConversationRef{MatchID: matchID}); err != nil {
		return cleared, err
	}
	return cleared, nil
}

func (d *Dispatcher) send(ctx context.Context, typ string, payload any) error {
	if !d.sender.Connected() {
		d.logger.Debug("dropping outbound event while disconnected", zap.String("type", typ))
		return ErrNotConnected
	}
	if err := d.sender.Send(ctx, typ, payload); err != nil {
		d.logger.Warn("outbound send failed", zap.String("type", typ), zap.Error(err))
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}
