package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/wire"
)

func recvEvent(t *testing.T, ch <-chan wire.Event) wire.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed before event arrived")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return wire.Event{}
	}
}

func TestMemoryFanOut(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	a, cancelA := m.Subscribe(ctx)
	defer cancelA()
	b, cancelB := m.Subscribe(ctx)
	defer cancelB()

	require.NoError(t, m.Publish(ctx, wire.Event{Type: "commit", CommitSeq: 7}))

	assert.Equal(t, int64(7), recvEvent(t, a).CommitSeq)
	assert.Equal(t, int64(7), recvEvent(t, b).CommitSeq)
}

func TestMemoryCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	ch, cancel := m.Subscribe(ctx)
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "channel should close after cancel")

	// Publishing after cancel must not panic or block.
	require.NoError(t, m.Publish(ctx, wire.Event{Type: "commit", CommitSeq: 1}))
}

func TestMemorySlowSubscriberDropsNotBlocks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	ch, cancel := m.Subscribe(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			_ = m.Publish(ctx, wire.Event{Type: "commit", CommitSeq: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer holds the oldest events; the rest were dropped.
	assert.Equal(t, int64(0), recvEvent(t, ch).CommitSeq)
}

func TestSuppressEcho(t *testing.T) {
	ev := wire.Event{Type: "commit", SourceInstanceID: "inst-a"}
	assert.True(t, Suppress(ev, "inst-a"))
	assert.False(t, Suppress(ev, "inst-b"))
	assert.False(t, Suppress(wire.Event{Type: "commit"}, "inst-a"))
}
