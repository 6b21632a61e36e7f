// Package testutil holds fakes and fixtures shared by the scenariodb tests.
package testutil

import (
	"sync"
	"time"
)

// Epoch is the time every ManualClock from NewClock starts at.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ManualClock only moves when told to. When Step is set, every call to Now
// also moves it forward by Step, which gives builds a non-zero duration.
type ManualClock struct {
	mu   sync.Mutex
	at   time.Time
	Step time.Duration
}

// NewClock returns a ManualClock standing at Epoch.
func NewClock() *ManualClock {
	return &ManualClock{at: Epoch}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.at
	c.at = c.at.Add(c.Step)
	return now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}
