package inflight

import (
	"context"
	"sync/atomic"
)

// Passthrough is a Group implementation that performs no coalescing.
// Every call starts its own run. It backs caches configured with
// deduplication turned off and serves as a baseline in tests.
type Passthrough struct {
	running atomic.Int64
}

// NewPassthrough creates a new Passthrough.
func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

type result struct {
	v   interface{}
	err error
}

// Do starts a new run of fn for every call, ignoring key.
func (p *Passthrough) Do(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (v interface{}, shared bool, err error) {
	ch := make(chan result, 1)
	runCtx := context.WithoutCancel(ctx)
	p.running.Add(1)
	go func() {
		defer p.running.Add(-1)
		v, err := fn(runCtx)
		ch <- result{v: v, err: err}
	}()

	select {
	case res := <-ch:
		return res.v, false, res.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// InFlight returns the number of runs currently executing.
func (p *Passthrough) InFlight() int {
	return int(p.running.Load())
}
