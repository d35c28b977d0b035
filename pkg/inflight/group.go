// Package inflight coalesces concurrent work for the same key.
package inflight

import "context"

// Group is an abstraction for running functions with at most one
// execution in flight per key.
type Group interface {
	// Do runs fn for key unless a run for key is already in flight, in which
	// case it waits for that run and returns its result. shared reports
	// whether the result was delivered to more than one caller.
	//
	// fn receives a context that is not cancelled when ctx is. A caller whose
	// ctx ends stops waiting and gets ctx.Err(); the run itself continues.
	Do(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (v interface{}, shared bool, err error)

	// InFlight returns the number of runs currently executing.
	InFlight() int
}
