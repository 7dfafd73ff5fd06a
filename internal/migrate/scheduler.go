package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/idmigrate/internal/identity"
	"github.com/roach88/idmigrate/internal/schema"
)

// DefaultConcurrency is the number of records reconciled at once.
const DefaultConcurrency = 10

// Task is one record moving through the scheduler. A throttled task keeps its
// Seq and re-enters the admission queue with Attempt incremented.
type Task struct {
	Seq     int64
	User    schema.User
	Attempt int
}

// Source yields user records in export order. It returns io.EOF once the
// export is exhausted; any other error aborts the run.
type Source interface {
	Next(ctx context.Context) (schema.User, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Concurrency int
	Backoff     BackoffConfig
}

// Scheduler runs records through a RecordReconciler with at most Concurrency
// in flight, pausing every admission while the remote service is throttling.
type Scheduler struct {
	rec     RecordReconciler
	cfg     SchedulerConfig
	logger  *slog.Logger
	metrics *Metrics
}

// NewScheduler creates a Scheduler. Zero config fields take their defaults.
func NewScheduler(rec RecordReconciler, cfg SchedulerConfig, logger *slog.Logger, metrics *Metrics) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Backoff.DefaultCooldown <= 0 {
		cfg.Backoff.DefaultCooldown = DefaultCooldown
	}
	if cfg.Backoff.Margin < 0 {
		cfg.Backoff.Margin = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Scheduler{rec: rec, cfg: cfg, logger: logger, metrics: metrics}
}

// run is the state of one Scheduler.Run call.
type run struct {
	*Scheduler

	src      Source
	sem      *semaphore.Weighted
	gate     *gate
	retries  *retryQueue
	progress Progress

	// outstanding counts admitted records that are not yet terminal,
	// including throttled ones sitting in retries.
	outstanding atomic.Int64

	// settled is signalled whenever a record reaches a terminal state.
	settled chan struct{}
}

// Run drains src and returns the final counts once every admitted record is
// Completed or Failed.
//
// Reconciliation failures are counted and the run continues. An error from
// src, a fatal reconciler error, or cancellation of ctx stops admissions,
// cancels in-flight work and is returned together with the counts reached.
func (s *Scheduler) Run(ctx context.Context, src Source) (Counts, error) {
	r := &run{
		Scheduler: s,
		src:       src,
		sem:       semaphore.NewWeighted(int64(s.cfg.Concurrency)),
		gate:      newGate(),
		retries:   newRetryQueue(),
		settled:   make(chan struct{}, 1),
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, gctx := errgroup.WithContext(ctx)

	loopErr := r.admit(gctx, g)
	if loopErr != nil {
		cancel(loopErr)
	}
	waitErr := g.Wait()

	counts := r.progress.Snapshot()
	switch {
	case loopErr != nil && !errors.Is(loopErr, context.Canceled):
		return counts, loopErr
	case waitErr != nil:
		return counts, waitErr
	default:
		return counts, loopErr
	}
}

// admit is the only goroutine that hands out permits. Throttled records are
// re-admitted ahead of new ones; the stream is pulled only while a permit is
// held and the gate is open. A record obtained while a throttle landed is held
// back until the gate reopens.
func (r *run) admit(ctx context.Context, g *errgroup.Group) error {
	exhausted := false
	var held *Task

	for {
		if held == nil && exhausted && r.retries.Len() == 0 {
			if r.outstanding.Load() == 0 {
				return nil
			}
			select {
			case <-r.retries.Wait():
			case <-r.settled:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if err := r.acquire(ctx); err != nil {
			return err
		}

		var task Task
		if held != nil {
			task, held = *held, nil
		} else if t, ok := r.retries.TryDequeue(); ok {
			task = t
		} else {
			if exhausted {
				r.sem.Release(1)
				continue
			}

			user, err := r.src.Next(ctx)
			if errors.Is(err, io.EOF) {
				exhausted = true
				r.sem.Release(1)
				r.logger.Debug("user export exhausted", "submitted", r.progress.Snapshot().Submitted)
				continue
			}
			if err != nil {
				r.sem.Release(1)
				return err
			}

			r.outstanding.Add(1)
			r.metrics.submitted.Inc()
			task = Task{Seq: r.progress.Submit(), User: user}
		}

		if r.gate.Paused() {
			r.sem.Release(1)
			held = &task
			continue
		}

		g.Go(func() error {
			defer r.sem.Release(1)
			return r.execute(ctx, task)
		})
	}
}

// acquire takes a permit while the gate is open. A throttle that lands while
// waiting for the permit sends the caller back to the gate.
func (r *run) acquire(ctx context.Context) error {
	for {
		if err := r.gate.Wait(ctx); err != nil {
			return err
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		if !r.gate.Paused() {
			return nil
		}
		r.sem.Release(1)
	}
}

// execute runs one attempt of t and classifies the outcome. A non-nil return
// is fatal to the run.
func (r *run) execute(ctx context.Context, t Task) error {
	log := r.logger.With("record", t.Seq, "subject", t.User.ID)
	if t.Attempt > 0 {
		log = log.With("attempt", t.Attempt+1)
	}

	r.metrics.inFlight.Inc()
	res, err := r.rec.Reconcile(ctx, t.User)
	r.metrics.inFlight.Dec()

	if err == nil {
		r.progress.Complete()
		r.metrics.completed.Inc()
		log.Info("user imported", "remote_id", res.User.ID, "created", res.Created, "warnings", len(res.Warnings))
		r.settle()
		return nil
	}

	if rl, ok := identity.AsRateLimited(err); ok && ctx.Err() == nil {
		cooldown := r.cfg.Backoff.Cooldown(rl)
		resumeAt := r.gate.PauseFor(cooldown)
		r.progress.Retry()
		r.metrics.throttled.Inc()
		log.Warn("rate limited, pausing admissions",
			"op", rl.Op, "cooldown", cooldown, "resume_at", resumeAt)

		t.Attempt++
		r.retries.Enqueue(t)
		return nil
	}

	if IsReconciliationFailure(err) {
		r.progress.Fail()
		r.metrics.failed.Inc()
		log.Error("user import failed", "error", err)
		r.settle()
		return nil
	}

	r.settle()
	return fmt.Errorf("record %d (%s): %w", t.Seq, t.User.ID, err)
}

func (r *run) settle() {
	r.outstanding.Add(-1)
	select {
	case r.settled <- struct{}{}:
	default:
	}
}
