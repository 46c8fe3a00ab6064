package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetOnlineIsIdempotent(t *testing.T) {
	tr := NewTracker()

	assert.True(t, tr.SetOnline("u1"))
	assert.False(t, tr.SetOnline("u1"))
	assert.True(t, tr.IsOnline("u1"))
	assert.Equal(t, []string{"u1"}, tr.Online())
}

func TestSetOfflineAbsentIsNoop(t *testing.T) {
	tr := NewTracker()

	assert.False(t, tr.SetOffline("ghost"))

	tr.SetOnline("u1")
	assert.True(t, tr.SetOffline("u1"))
	assert.False(t, tr.IsOnline("u1"))
	assert.Empty(t, tr.Online())
}

func TestSnapshotReplacesPriorState(t *testing.T) {
	tr := NewTracker()
	tr.SetOnline("a")
	tr.SetOnline("b")

	tr.ReplaceAll([]string{"c", "b", ""})

	assert.False(t, tr.IsOnline("a"), "peer absent from snapshot must be offline")
	assert.True(t, tr.IsOnline("b"))
	assert.True(t, tr.IsOnline("c"))
	assert.Equal(t, []string{"b", "c"}, tr.Online())
}

func TestLastSeen(t *testing.T) {
	tr := NewTracker()
	clock := time.Unix(100, 0)
	tr.now = func() time.Time { return clock }

	_, ok := tr.LastSeen("u1")
	require.False(t, ok)

	tr.SetOnline("u1")
	_, ok = tr.LastSeen("u1")
	assert.False(t, ok, "online peers have no last-seen time")

	clock = time.Unix(200, 0)
	tr.SetOffline("u1")
	ts, ok := tr.LastSeen("u1")
	require.True(t, ok)
	assert.Equal(t, time.Unix(200, 0), ts)

	tr.SetOnline("u2")
	clock = time.Unix(300, 0)
	tr.ReplaceAll([]string{"u1"})
	ts, ok = tr.LastSeen("u2")
	require.True(t, ok, "peer dropped by a snapshot is seen at the snapshot")
	assert.Equal(t, time.Unix(300, 0), ts)
	_, ok = tr.LastSeen("u1")
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	tr := NewTracker()
	tr.SetOnline("u1")
	tr.SetOnline("u2")
	tr.SetOffline("u2")
	tr.Reset()
	assert.False(t, tr.IsOnline("u1"))
	_, ok := tr.LastSeen("u2")
	assert.False(t, ok)
}
