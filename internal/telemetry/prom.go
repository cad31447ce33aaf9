package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prom is a Prometheus-backed Metrics sink. All observations share three
// collectors labelled by the emitted name, so new names need no registration.
type Prom struct {
	spans  *prometheus.HistogramVec
	counts *prometheus.CounterVec
	gauges *prometheus.GaugeVec
}

// NewProm registers the sync collectors on reg and returns the sink.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		spans: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "driftline_span_seconds",
			Help:    "Duration of named sync-engine spans.",
			Buckets: prometheus.DefBuckets,
		}, []string{"span"}),
		counts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftline_events_total",
			Help: "Named sync-engine event counts.",
		}, []string{"event"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "driftline_gauge",
			Help: "Named sync-engine gauges.",
		}, []string{"gauge"}),
	}
	reg.MustRegister(p.spans, p.counts, p.gauges)
	return p
}

func (p *Prom) Span(name string) func() {
	start := time.Now()
	return func() {
		p.spans.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

func (p *Prom) Count(name string, n int) {
	p.counts.WithLabelValues(name).Add(float64(n))
}

func (p *Prom) Gauge(name string, v float64) {
	p.gauges.WithLabelValues(name).Set(v)
}
