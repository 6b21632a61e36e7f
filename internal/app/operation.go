package app

import (
	"time"

	"github.com/google/uuid"
)

// Operation tracks one CLI invocation. Its ID tags every log line written
// while it runs.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string // "running", "success" or "error"
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewOperation starts a new operation.
func NewOperation(name, parameters string, now time.Time) *Operation {
	return &Operation{
		ID:         uuid.New().String(),
		Name:       name,
		Parameters: parameters,
		Status:     "running",
		StartedAt:  now,
	}
}

// Finish records the result of the operation.
func (op *Operation) Finish(err error, now time.Time) {
	op.FinishedAt = now
	if err != nil {
		op.Status = "error"
		return
	}
	op.Status = "success"
}

// Finished returns true once Finish has been called.
func (op *Operation) Finished() bool {
	return !op.FinishedAt.IsZero()
}

// Duration is how long the operation ran, or zero while it is running.
func (op *Operation) Duration() time.Duration {
	if !op.Finished() {
		return 0
	}
	return op.FinishedAt.Sub(op.StartedAt)
}
