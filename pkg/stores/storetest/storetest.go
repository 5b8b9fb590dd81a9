// Package storetest provides an in-memory store and a manual clock for tests
// of packages layered on top of stores.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lattice-ops/lattice/pkg/stores"
)

// Epoch is the starting time of every Clock.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to Epoch.
func NewClock() *Clock {
	return &Clock{now: Epoch}
}

// Now returns the current manual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// New opens a migrated in-memory store driven by a fresh Clock. The store is
// closed when the test ends.
func New(t testing.TB) (*stores.SQLiteStore, *Clock) {
	t.Helper()

	clock := NewClock()
	store, err := stores.Open(context.Background(), stores.Config{
		Path: ":memory:",
		Now:  clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}
