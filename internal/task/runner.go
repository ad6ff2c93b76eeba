// Package task runs background jobs with bounded retries.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/amirphl/bridge-trader/internal/exchange"
	"github.com/amirphl/bridge-trader/internal/metrics"
	"github.com/amirphl/bridge-trader/internal/utils"
	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries = 20
	DefaultRetryDelay = 10 * time.Second
)

// Func is one attempt of a job.
type Func func(ctx context.Context) error

// Options configures a Runner.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Runner runs each job in its own goroutine. Failures marked transient are retried with a
// constant delay; anything else ends the job at once. A key can be in flight only once.
type Runner struct {
	ctx        context.Context
	maxRetries uint64
	delay      time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewRunner creates a runner whose jobs run under ctx, not under the submitter's context.
func NewRunner(ctx context.Context, opts Options) *Runner {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Runner{
		ctx:        ctx,
		maxRetries: uint64(opts.MaxRetries),
		delay:      opts.RetryDelay,
		inFlight:   make(map[string]struct{}),
	}
}

// Submit starts fn under key unless a job with that key is still running. done, if not
// nil, receives the final error once the job stops. It reports whether the job was started.
func (r *Runner) Submit(key string, fn Func, done func(err error)) bool {
	r.mu.Lock()
	if _, busy := r.inFlight[key]; busy {
		r.mu.Unlock()
		return false
	}
	r.inFlight[key] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	metrics.TasksInFlight.Inc()
	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, key)
			r.mu.Unlock()
			metrics.TasksInFlight.Dec()
			r.wg.Done()
		}()

		err := r.run(key, fn)
		if done != nil {
			done(err)
		}
	}()
	return true
}

func (r *Runner) run(key string, fn Func) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), r.maxRetries), r.ctx)

	operation := func() error {
		err := fn(r.ctx)
		if err != nil && !exchange.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.TaskRetries.Inc()
		utils.GetLogger().Warnf("Task | %s failed, retrying in %v: %v", key, wait, err)
	}
	return backoff.RetryNotify(operation, b, notify)
}

// InFlight reports whether a job with key is running.
func (r *Runner) InFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[key]
	return ok
}

// Wait blocks until all jobs have stopped or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
