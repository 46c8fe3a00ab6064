package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lovelink/chatsync/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject, data})
	return p.err
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func TestForwarderPublishesJSON(t *testing.T) {
	b := bus.New()
	pub := &recordingPublisher{}
	f := NewForwarder(b, pub, "", "main", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)

	b.Emit("unread.changed", map[string]any{"match_id": "C", "unread_total": 4})

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := pub.snapshot()[0]
	assert.Equal(t, "chatsync.unread.changed", got.subject)

	var msg Message
	require.NoError(t, json.Unmarshal(got.data, &msg))
	assert.Equal(t, "unread.changed", msg.Kind)
	assert.Equal(t, "main", msg.Session)
	assert.Equal(t, "C", msg.Payload["match_id"])
	assert.EqualValues(t, 4, msg.Payload["unread_total"])
}

func TestForwarderStructPayload(t *testing.T) {
	b := bus.New()
	pub := &recordingPublisher{}
	f := NewForwarder(b, pub, "app", "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)

	b.Emit("connection.status_changed", struct {
		From string `json:"from"`
		To   string `json:"to"`
	}{"CONNECTING", "CONNECTED"})

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := pub.snapshot()[0]
	assert.Equal(t, "app.connection.status_changed", got.subject)
	assert.Contains(t, string(got.data), `"to":"CONNECTED"`)
}

func TestForwarderSurvivesPublishErrors(t *testing.T) {
	b := bus.New()
	pub := &recordingPublisher{err: errors.New("broken pipe")}
	f := NewForwarder(b, pub, "", "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)

	b.Emit("a.one", nil)
	b.Emit("a.two", nil)
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestForwarderStopsOnCancel(t *testing.T) {
	b := bus.New()
	pub := &recordingPublisher{}
	f := NewForwarder(b, pub, "", "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.Start(ctx)
	cancel()

	// Once the loop exits it unsubscribes; later events are not forwarded.
	require.Eventually(t, func() bool {
		b.Emit("late", nil)
		time.Sleep(5 * time.Millisecond)
		n := len(pub.snapshot())
		b.Emit("late", nil)
		time.Sleep(5 * time.Millisecond)
		return len(pub.snapshot()) == n
	}, time.Second, 10*time.Millisecond)
}

func TestConnectWithoutURLIsNoop(t *testing.T) {
	p := Connect("", nil)
	_, ok := p.(Noop)
	assert.True(t, ok)
	assert.NoError(t, p.Publish("x", nil))
	p.Close()
}

func TestConnectUnreachableFallsBackToNoop(t *testing.T) {
	p := Connect("nats://127.0.0.1:1", nil)
	_, ok := p.(Noop)
	assert.True(t, ok)
}
