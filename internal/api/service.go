// Package api serves the sync engine to local clients over gRPC. Messages
// are structpb.Struct values so the service needs no generated code.
package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lovelink/chatsync/internal/bus"
	"github.com/lovelink/chatsync/internal/convstore"
	"github.com/lovelink/chatsync/internal/lock"
	"github.com/lovelink/chatsync/internal/presence"
	"github.com/lovelink/chatsync/internal/status"
	"github.com/lovelink/chatsync/internal/typing"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Link is the connection lifecycle seen by the API.
type Link interface {
	State() status.State
	Connect(ctx context.Context) error
	Disconnect()
}

// Syncer is the engine side: view selection and history loading.
type Syncer interface {
	OpenConversation(ctx context.Context, matchID string) error
	LoadMessages(ctx context.Context, matchID string) error
	LoadMore(ctx context.Context, matchID string) error
	Stale() bool
}

// Actions are the outbound intents.
type Actions interface {
	SendMessage(ctx context.Context, matchID, content string) (string, error)
	StartTyping(ctx context.Context, matchID string) error
	StopTyping(ctx context.Context, matchID string) error
	MarkMessagesAsRead(ctx context.Context, matchID string) (int, error)
}

// Deps are the components the service reads and drives.
type Deps struct {
	Session  string
	Lock     *lock.Lock // optional; reported by GetStatus
	Link     Link
	Machine  *status.Machine
	Engine   Syncer
	Actions  Actions
	Store    *convstore.Store
	Presence *presence.Tracker
	Typing   *typing.Store
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Service implements SyncServer.
type Service struct {
	session   string
	lock      *lock.Lock
	startedAt time.Time
	link      Link
	machine   *status.Machine
	engine    Syncer
	actions   Actions
	store     *convstore.Store
	presence  *presence.Tracker
	typing    *typing.Store
	bus       *bus.Bus
	logger    *zap.Logger
}

var _ SyncServer = (*Service)(nil)

// NewService creates the service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		session:   d.Session,
		lock:      d.Lock,
		startedAt: time.Now(),
		link:      d.Link,
		machine:   d.Machine,
		engine:    d.Engine,
		actions:   d.Actions,
		store:     d.Store,
		presence:  d.Presence,
		typing:    d.Typing,
		bus:       d.Bus,
		logger:    d.Logger,
	}
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	state := s.link.State()
	v := map[string]any{
		"session":       s.session,
		"state":         string(state),
		"connected":     state == status.Connected,
		"since_unix_ms": s.machine.Since().UnixMilli(),
		"uptime_ms":     time.Since(s.startedAt).Milliseconds(),
		"stale":         s.engine.Stale(),
		"unread_total":  s.store.UnreadTotal(),
		"conversations": len(s.store.Conversations()),
		"current":       s.store.Current(),
		"self":          s.store.Self(),
		"online":        stringList(s.presence.Online()),
	}
	if s.lock != nil {
		h := s.lock.Holder()
		v["lock"] = map[string]any{
			"path":          s.lock.Path(),
			"pid":           h.PID,
			"user_id":       h.UserID,
			"server_url":    h.ServerURL,
			"since_unix_ms": h.Since.UnixMilli(),
		}
	}
	return toStruct(v)
}

func (s *Service) ListConversations(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	convs := s.store.Conversations()
	list := make([]any, 0, len(convs))
	for _, c := range convs {
		list = append(list, s.conversationValue(c))
	}
	return toStruct(map[string]any{
		"conversations": list,
		"unread_total":  s.store.UnreadTotal(),
		"stale":         s.engine.Stale(),
	})
}

func (s *Service) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(in, "match_id")
	if err != nil {
		return nil, err
	}
	if boolField(in, "load") && s.store.Timeline(id).State != convstore.Loaded {
		if err := s.engine.LoadMessages(ctx, id); err != nil {
			return nil, toStatus(err)
		}
	}
	return s.timeline(id)
}

func (s *Service) LoadMore(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(in, "match_id")
	if err != nil {
		return nil, err
	}
	if err := s.engine.LoadMore(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return s.timeline(id)
}

func (s *Service) SetCurrent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "match_id")
	if err := s.engine.OpenConversation(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"current": s.store.Current()})
}

func (s *Service) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(in, "match_id")
	if err != nil {
		return nil, err
	}
	clientID, err := s.actions.SendMessage(ctx, id, stringField(in, "content"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"match_id": id, "client_message_id": clientID})
}

func (s *Service) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(in, "match_id")
	if err != nil {
		return nil, err
	}
	cleared, err := s.actions.MarkMessagesAsRead(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{
		"match_id":     id,
		"cleared":      cleared,
		"unread_total": s.store.UnreadTotal(),
	})
}

func (s *Service) StartTyping(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(in, "match_id")
	if err != nil {
		return nil, err
	}
	if err := s.actions.StartTyping(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Service) StopTyping(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(in, "match_id")
	if err != nil {
		return nil, err
	}
	if err := s.actions.StopTyping(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Service) Connect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.link.Connect(ctx); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"state": string(s.link.State())})
}

func (s *Service) Disconnect(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.link.Disconnect()
	return toStruct(map[string]any{"state": string(s.link.State())})
}

// WatchEvents streams bus events whose kind starts with the optional
// "namespace" field until the client goes away.
func (s *Service) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(stringField(in, "namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			fields, err := evt.Fields()
			if err != nil {
				s.logger.Debug("skipping event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			payload, err := structpb.NewStruct(fields)
			if err != nil {
				s.logger.Debug("skipping event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			out := &structpb.Struct{Fields: map[string]*structpb.Value{
				"event_id":            structpb.NewStringValue(uuid.NewString()),
				"session":             structpb.NewStringValue(s.session),
				"kind":                structpb.NewStringValue(evt.Kind),
				"occurred_at_unix_ms": structpb.NewNumberValue(float64(evt.Timestamp.UnixMilli())),
				"payload":             structpb.NewStructValue(payload),
			}}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) timeline(id string) (*structpb.Struct, error) {
	info := s.store.Timeline(id)
	msgs := s.store.Messages(id)
	list := make([]any, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, messageValue(m))
	}
	out := map[string]any{
		"match_id": id,
		"state":    info.State.String(),
		"page":     info.Page,
		"has_more": info.HasMore,
		"messages": list,
	}
	if info.Err != nil {
		out["error"] = info.Err.Error()
	}
	if name, ok := s.typing.Status(id); ok {
		out["typing"] = name
	}
	return toStruct(out)
}

func (s *Service) conversationValue(c convstore.Conversation) map[string]any {
	v := map[string]any{
		"match_id":         c.MatchID,
		"peer_id":          c.Peer.ID,
		"peer_name":        c.Peer.Name,
		"peer_photo_url":   c.Peer.PhotoURL,
		"unread_count":     c.UnreadCount,
		"online":           c.Peer.ID != "" && s.presence.IsOnline(c.Peer.ID),
		"activity_unix_ms": c.ActivityAt().UnixMilli(),
	}
	if name, ok := s.typing.Status(c.MatchID); ok {
		v["typing"] = name
	}
	if seen, ok := s.presence.LastSeen(c.Peer.ID); ok {
		v["last_seen_unix_ms"] = seen.UnixMilli()
	}
	if lm := c.LastMessage; lm != nil {
		v["last_message"] = map[string]any{
			"id":              lm.MessageID,
			"content":         lm.Content,
			"sender_id":       lm.SenderID,
			"is_from_me":      lm.IsFromMe,
			"created_unix_ms": lm.CreatedAt.UnixMilli(),
		}
	}
	return v
}

func messageValue(m convstore.Message) map[string]any {
	v := map[string]any{
		"id":              m.ID,
		"sender_id":       m.SenderID,
		"content":         m.Content,
		"is_from_me":      m.IsFromMe,
		"edited":          m.Edited,
		"created_unix_ms": m.CreatedAt.UnixMilli(),
	}
	if m.EditedAt != nil {
		v["edited_unix_ms"] = m.EditedAt.UnixMilli()
	}
	if m.ReadAt != nil {
		v["read_unix_ms"] = m.ReadAt.UnixMilli()
	}
	return v
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func stringList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func stringField(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	return in.GetFields()[key].GetStringValue()
}

func boolField(in *structpb.Struct, key string) bool {
	if in == nil {
		return false
	}
	return in.GetFields()[key].GetBoolValue()
}

func requireString(in *structpb.Struct, key string) (string, error) {
	v := stringField(in, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}
