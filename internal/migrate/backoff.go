package migrate

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/idmigrate/internal/identity"
)

const (
	// DefaultCooldown applies when a throttle response carries no retry hint.
	DefaultCooldown = 10 * time.Second

	// DefaultCooldownMargin is added to every cooldown so the retry lands
	// after the service's window has actually reset.
	DefaultCooldownMargin = time.Second
)

// BackoffConfig controls how long admissions pause after a throttle.
type BackoffConfig struct {
	DefaultCooldown time.Duration
	Margin          time.Duration
}

// Cooldown returns the pause for a throttle signal.
func (c BackoffConfig) Cooldown(rl *identity.RateLimitedError) time.Duration {
	d := c.DefaultCooldown
	if rl != nil && rl.RetryAfter > 0 {
		d = rl.RetryAfter
	}
	return d + c.Margin
}

// gate is the scheduler's pause flag: the single point of truth for whether
// new work may be admitted. A pause extends, never shortens, the current
// resume time, so overlapping throttles from several in-flight tasks collapse
// into the longest cooldown.
type gate struct {
	mu       sync.Mutex
	resumeAt time.Time
	now      func() time.Time
}

func newGate() *gate {
	return &gate{now: time.Now}
}

// PauseFor blocks admissions for at least d from now and returns the time
// admissions resume.
func (g *gate) PauseFor(d time.Duration) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	if until := g.now().Add(d); until.After(g.resumeAt) {
		g.resumeAt = until
	}
	return g.resumeAt
}

// Paused reports whether admissions are currently blocked.
func (g *gate) Paused() bool {
	return g.remaining() > 0
}

func (g *gate) remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resumeAt.Sub(g.now())
}

// Wait blocks until the gate is open or ctx is done. A pause extended while
// waiting is honored.
func (g *gate) Wait(ctx context.Context) error {
	for {
		d := g.remaining()
		if d <= 0 {
			return ctx.Err()
		}
		if !sleepWithContext(ctx, d) {
			return ctx.Err()
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
