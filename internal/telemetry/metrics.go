// Package telemetry is the narrow observability surface the sync core emits
// through: named spans, counts, and gauges. Sinks are pluggable; the core
// never sees a concrete backend.
package telemetry

// Metrics receives observations from the core.
type Metrics interface {
	// Span marks the start of a named unit of work; the returned func ends it.
	Span(name string) func()
	// Count adds n to a named counter.
	Count(name string, n int)
	// Gauge sets a named gauge.
	Gauge(name string, v float64)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) Span(string) func()   { return func() {} }
func (Nop) Count(string, int)    {}
func (Nop) Gauge(string, float64) {}
