package process

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout is the run budget when none is configured.
const DefaultTimeout = 15 * time.Minute

// Guard is the run's single-shot watchdog. It fires when the budget elapses
// or when the parent context is cancelled, whichever comes first.
type Guard struct {
	ctx    context.Context
	cancel context.CancelFunc
	budget time.Duration
}

// NewGuard starts the watchdog. A non-positive budget uses DefaultTimeout.
func NewGuard(parent context.Context, budget time.Duration) *Guard {
	if budget <= 0 {
		budget = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(parent, budget)
	return &Guard{ctx: ctx, cancel: cancel, budget: budget}
}

// Done is closed when the guard fires or is stopped.
func (g *Guard) Done() <-chan struct{} {
	return g.ctx.Done()
}

// Expired reports whether the budget elapsed, as opposed to a cancellation.
func (g *Guard) Expired() bool {
	return errors.Is(g.ctx.Err(), context.DeadlineExceeded)
}

// Budget returns the configured budget.
func (g *Guard) Budget() time.Duration {
	return g.budget
}

// Stop releases the timer. Safe to call more than once.
func (g *Guard) Stop() {
	g.cancel()
}
