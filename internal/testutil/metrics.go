package testutil

import (
	"sync"
	"time"

	"scenariodb/internal/scenario"
)

// RecordingMetrics counts what a Builder reports.
type RecordingMetrics struct {
	mu         sync.Mutex
	Builds     map[scenario.Outcome]int
	Violations int
	Snapshots  map[string]int // keyed "<op>:<result>", e.g. "export:stored"
}

var _ scenario.Metrics = (*RecordingMetrics)(nil)

func NewRecordingMetrics() *RecordingMetrics {
	return &RecordingMetrics{Builds: map[scenario.Outcome]int{}, Snapshots: map[string]int{}}
}

func (m *RecordingMetrics) BuildFinished(outcome scenario.Outcome, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Builds[outcome]++
}

func (m *RecordingMetrics) ReuseViolation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Violations++
}

func (m *RecordingMetrics) Snapshot(op string, result scenario.SnapshotResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snapshots[op+":"+string(result)]++
}
