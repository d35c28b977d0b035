package inflight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Table is a Group backed by singleflight. The singleflight group owns the
// key -> call table; registration and lookup happen in one critical section
// inside it, and a key is removed before any waiter is released, so a call
// made after a run completes always starts a fresh run.
//
// Table additionally tracks how many callers are attached to each key.
type Table struct {
	sf singleflight.Group

	mu      sync.Mutex
	waiters map[string]int
	running map[string]struct{}
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		waiters: make(map[string]int),
		running: make(map[string]struct{}),
	}
}

// Do runs fn once per key among concurrent callers. Callers arriving while
// a run is in flight wait for it and receive its result.
func (t *Table) Do(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (v interface{}, shared bool, err error) {
	// The run outlives any single caller; keep ctx values but drop its
	// cancellation.
	runCtx := context.WithoutCancel(ctx)
	ch := t.sf.DoChan(key, func() (interface{}, error) {
		t.mu.Lock()
		t.running[key] = struct{}{}
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			delete(t.running, key)
			t.mu.Unlock()
		}()
		return fn(runCtx)
	})
	t.attach(key)
	defer t.detach(key)

	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// InFlight returns the number of keys with a run currently executing.
func (t *Table) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}

// Waiters returns the number of callers currently attached to the run for key.
func (t *Table) Waiters(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiters[key]
}

func (t *Table) attach(key string) {
	t.mu.Lock()
	t.waiters[key]++
	t.mu.Unlock()
}

func (t *Table) detach(key string) {
	t.mu.Lock()
	if t.waiters[key]--; t.waiters[key] <= 0 {
		delete(t.waiters, key)
	}
	t.mu.Unlock()
}
