package scenario

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Outcome describes how a handle's database came to be.
type Outcome string

const (
	OutcomeReused   Outcome = "reused"
	OutcomeReverted Outcome = "reverted"
	OutcomeSnapshot Outcome = "snapshot"
	OutcomeBuilt    Outcome = "built"
	OutcomeRemote   Outcome = "remote"
)

// Handle is a database ready for one test. When transaction reuse is on, the
// test must run inside Tx and Close must be called afterwards.
type Handle struct {
	name     string
	testName string
	db       *sql.DB
	tx       *sql.Tx
	outcome  Outcome
	meta     MetadataStore
	logger   Logger
	metrics  Metrics
}

// Name returns the physical database name.
func (h *Handle) Name() string { return h.name }

// DB returns the connection pool for the database.
func (h *Handle) DB() *sql.DB { return h.db }

// Tx returns the wrapping transaction, or nil when transaction reuse is off.
func (h *Handle) Tx() *sql.Tx { return h.tx }

// Outcome reports how the database was obtained.
func (h *Handle) Outcome() Outcome { return h.outcome }

// Reused reports whether an existing database was used without rebuilding.
func (h *Handle) Reused() bool {
	return h.outcome == OutcomeReused || h.outcome == OutcomeReverted
}

// Close rolls back the wrapping transaction and closes the connection pool.
// It returns a *ReuseViolationError when the test committed the transaction;
// the database then stays marked as not reusable and is rebuilt next time.
func (h *Handle) Close(ctx context.Context) error {
	var violation error
	if h.tx != nil {
		if err := h.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			h.db.Close()
			return fmt.Errorf("rolling back test transaction: %w", err)
		}
		h.tx = nil

		committed, err := h.meta.TransactionCommitted(ctx, h.db)
		if err != nil {
			h.db.Close()
			return fmt.Errorf("checking test transaction: %w", err)
		}
		if committed {
			h.logger.Error("test committed the transaction wrapper", "database", h.name, "test", h.testName)
			h.metrics.ReuseViolation()
			violation = &ReuseViolationError{TestName: h.testName, Database: h.name}
		}
	}
	if err := h.db.Close(); err != nil {
		return fmt.Errorf("closing database %s: %w", h.name, err)
	}
	return violation
}
