// Package concurrency provides a permit-based gate that bounds the number of
// operations running at once.
package concurrency

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Limiter admits at most Permits operations at a time. Waiters are admitted
// in FIFO order.
type Limiter struct {
	sem     *semaphore.Weighted
	permits int
}

// New creates a Limiter with the given number of permits (minimum 1).
func New(permits int) *Limiter {
	if permits <= 0 {
		permits = 1
	}
	return &Limiter{
		sem:     semaphore.NewWeighted(int64(permits)),
		permits: permits,
	}
}

// Permits returns the configured permit count.
func (l *Limiter) Permits() int {
	return l.permits
}

// Do waits for a permit, runs op and releases the permit on every exit path,
// including a panic in op. The wait honours ctx.
func (l *Limiter) Do(ctx context.Context, op func(context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire permit: %w", err)
	}
	defer l.sem.Release(1)
	return op(ctx)
}

// Run is Do for operations that return a value.
func Run[T any](ctx context.Context, l *Limiter, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		out = v
		return err
	})
	return out, err
}
