// Package realtime fans commit events out to subscribers. Delivery is
// strictly best-effort: events may be dropped or duplicated, and clients
// always converge through pull. The broadcaster exists only to make delivery
// prompt, never to make it correct.
package realtime

import (
	"context"

	"github.com/driftline/driftline/internal/wire"
)

// Broadcaster is the capability set the core publishes through.
type Broadcaster interface {
	// Publish fans an event out. Failures are reported but callers treat
	// them as advisory; a lost event costs latency, not correctness.
	Publish(ctx context.Context, ev wire.Event) error

	// Subscribe returns a channel of events and a cancel func. The channel
	// closes after cancel. Slow subscribers may miss events.
	Subscribe(ctx context.Context) (<-chan wire.Event, func())

	// Close tears the broadcaster down; all subscriber channels close.
	Close()
}

// Suppress reports whether a subscriber with instanceID should drop ev as an
// echo of its own publish.
func Suppress(ev wire.Event, instanceID string) bool {
	return ev.SourceInstanceID != "" && ev.SourceInstanceID == instanceID
}
