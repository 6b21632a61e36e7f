// Package metrics exposes build outcomes as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scenariodb/internal/scenario"
)

// Recorder counts builds, reuse violations and snapshot traffic. Each
// Recorder owns its registry so tests and servers never share state.
type Recorder struct {
	registry   *prometheus.Registry
	builds     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	violations prometheus.Counter
	snapshots  *prometheus.CounterVec
}

var _ scenario.Metrics = (*Recorder)(nil)

// New creates a Recorder with its metrics registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scenariodb",
			Name:      "builds_total",
			Help:      "Databases handed out, by how they were obtained.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scenariodb",
			Name:      "build_duration_seconds",
			Help:      "Time taken to hand out a database.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"outcome"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scenariodb",
			Name:      "reuse_violations_total",
			Help:      "Tests that committed their wrapping transaction.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scenariodb",
			Name:      "snapshot_operations_total",
			Help:      "Snapshot imports and exports, by result.",
		}, []string{"op", "result"}),
	}
	r.registry.MustRegister(r.builds, r.duration, r.violations, r.snapshots)
	return r
}

func (r *Recorder) BuildFinished(outcome scenario.Outcome, d time.Duration) {
	r.builds.WithLabelValues(string(outcome)).Inc()
	r.duration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

func (r *Recorder) ReuseViolation() {
	r.violations.Inc()
}

func (r *Recorder) Snapshot(op string, result scenario.SnapshotResult) {
	r.snapshots.WithLabelValues(op, string(result)).Inc()
}

// Handler serves the recorder's metrics in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
