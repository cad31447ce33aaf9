package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/driftline/driftline/internal/wire"
)

// subscriberBuffer bounds each subscriber channel. A subscriber that falls
// further behind than this loses events rather than blocking publishers.
const subscriberBuffer = 64

// Memory is an in-process Broadcaster for single-instance deployments and
// tests.
type Memory struct {
	mu     sync.Mutex
	subs   map[int]chan wire.Event
	nextID int
	closed bool
}

// NewMemory creates an in-process broadcaster.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]chan wire.Event)}
}

// Publish delivers ev to every live subscriber without blocking. Subscribers
// whose buffers are full are skipped.
func (m *Memory) Publish(ctx context.Context, ev wire.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			log.Debug().Int("subscriber", id).Int64("commit_seq", ev.CommitSeq).
				Msg("dropping realtime event for slow subscriber")
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan wire.Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan wire.Event, subscriberBuffer)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextID
	m.nextID++
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
