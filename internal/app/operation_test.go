package app

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewOperation(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name       string
		operation  string
		parameters string
	}{
		{name: "with parameters", operation: "Build", parameters: "main"},
		{name: "empty parameters", operation: "List", parameters: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.operation, tt.parameters, start)

			if op.Name != tt.operation {
				t.Errorf("Name = %q, want %q", op.Name, tt.operation)
			}
			if op.Parameters != tt.parameters {
				t.Errorf("Parameters = %q, want %q", op.Parameters, tt.parameters)
			}
			if op.Status != "running" {
				t.Errorf("Status = %q, want %q", op.Status, "running")
			}
			if _, err := uuid.Parse(op.ID); err != nil {
				t.Errorf("ID = %q is not a uuid: %v", op.ID, err)
			}
			if op.Finished() {
				t.Error("Finished() = true before Finish")
			}
		})
	}
}

func TestOperation_Finish(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "success", err: nil, want: "success"},
		{name: "error", err: errors.New("boom"), want: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation("Build", "", start)
			op.Finish(tt.err, start.Add(1500*time.Millisecond))

			if op.Status != tt.want {
				t.Errorf("Status = %q, want %q", op.Status, tt.want)
			}
			if got := op.Duration(); got != 1500*time.Millisecond {
				t.Errorf("Duration() = %v, want 1.5s", got)
			}
		})
	}
}
