// Package guard provides the process-wide exclusive lock that serializes
// every mutation of the knowledge base: one diagnostic update, one inference
// run, or one objective's select-and-reground at a time.
package guard

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

type Guard struct {
	sem *semaphore.Weighted
	// OnWait, if set, receives how long each caller waited to acquire.
	OnWait func(time.Duration)
}

func New() *Guard {
	return &Guard{sem: semaphore.NewWeighted(1)}
}

// Do runs fn while holding the guard. It returns ctx.Err() if the context ends
// before the guard is acquired. The guard is released even if fn panics.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	if g.OnWait != nil {
		g.OnWait(time.Since(start))
	}
	return fn(ctx)
}
