package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lovelink/chatsync/internal/bus"
	"go.uber.org/zap"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "chatsync"

// Message is the JSON body published for every bus event.
type Message struct {
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Session   string         `json:"session,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// Forwarder copies bus events to a Publisher on <prefix>.<kind>.
type Forwarder struct {
	bus     *bus.Bus
	pub     Publisher
	prefix  string
	session string
	logger  *zap.Logger
}

// NewForwarder creates a forwarder. An empty prefix uses DefaultPrefix.
func NewForwarder(b *bus.Bus, pub Publisher, prefix, session string, logger *zap.Logger) *Forwarder {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{bus: b, pub: pub, prefix: prefix, session: session, logger: logger}
}

// Subject returns the subject used for kind.
func (f *Forwarder) Subject(kind string) string {
	return f.prefix + "." + kind
}

// Start subscribes to every bus event and forwards in the background until
// ctx is done.
func (f *Forwarder) Start(ctx context.Context) {
	ch, unsub := f.bus.Subscribe("", 256)
	go func() {
		defer unsub()
		f.loop(ctx, ch)
	}()
}

func (f *Forwarder) loop(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			f.forward(evt)
		}
	}
}

func (f *Forwarder) forward(evt bus.Event) {
	fields, err := evt.Fields()
	if err != nil {
		f.logger.Debug("bridge skipped event", zap.String("kind", evt.Kind), zap.Error(err))
		return
	}
	data, err := json.Marshal(Message{
		Kind:      evt.Kind,
		Timestamp: evt.Timestamp,
		Session:   f.session,
		Payload:   fields,
	})
	if err != nil {
		f.logger.Debug("bridge encode failed", zap.String("kind", evt.Kind), zap.Error(err))
		return
	}
	if err := f.pub.Publish(f.Subject(evt.Kind), data); err != nil {
		f.logger.Warn("bridge publish failed", zap.String("kind", evt.Kind), zap.Error(err))
	}
}
