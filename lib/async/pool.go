// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/pricethrottler/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorHandler receives errors returned or panics raised by tasks.
type ErrorHandler func(name string, err error)

// Pool is a fixed-width worker pool. Active counts tasks that were accepted and
// have not yet finished, so Width()-Active() is the number of tasks the pool can
// take without queueing behind busy workers.
type Pool struct {
	name    string
	width   int
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	workers conc.WaitGroup
	pending sync.WaitGroup
	active  atomic.Int64
	onError ErrorHandler

	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option configures a Pool.
type Option func(*Pool)

// WithErrorHandler routes task failures to handler.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(p *Pool) {
		p.onError = handler
	}
}

// NewPool creates a worker pool with the given width. The queue holds up to
// width accepted tasks so a full complement can always be submitted at once.
func NewPool(name string, workers int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"), errs.WithField("pool", name))
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.name = name
	p.width = workers
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, workers)
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		p.workers.Go(p.worker)
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Width returns the configured number of workers.
func (p *Pool) Width() int { return p.width }

// Active returns the number of accepted, unfinished tasks.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Available returns how many more tasks fit without exceeding the width.
func (p *Pool) Available() int {
	free := p.width - p.Active()
	if free < 0 {
		return 0
	}
	return free
}

// Submit schedules the provided task without blocking. It fails when the pool
// is closed or already carries Width() unfinished tasks.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"), errs.WithField("pool", p.name))
	}
	if !p.acquire() {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"), errs.WithField("pool", p.name))
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.active.Add(-1)
		p.pending.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"), errs.WithField("pool", p.name))
	}
}

// Close stops accepting new tasks. Already accepted tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Shutdown closes the pool and waits for accepted tasks to complete. When ctx
// expires first, the context passed to outstanding tasks is cancelled and an
// unavailable error is returned; the tasks themselves are not waited for.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		p.workers.Wait()
		return nil
	case <-ctx.Done():
		p.cancel()
		return errs.New("lib/async", errs.CodeUnavailable,
			errs.WithMessage("forced termination of outstanding tasks"),
			errs.WithField("pool", p.name),
			errs.WithField("active", fmt.Sprint(p.Active())),
			errs.WithCause(ctx.Err()))
	}
}

func (p *Pool) acquire() bool {
	for {
		current := p.active.Load()
		if current >= int64(p.width) {
			return false
		}
		if p.active.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (p *Pool) worker() {
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer p.pending.Done()
	defer p.active.Add(-1)

	ctx, stop := mergeCancel(j.ctx, p.ctx)
	defer stop()

	var err error
	var catcher panics.Catcher
	catcher.Try(func() {
		err = j.fn(ctx)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		err = recovered.AsError()
	}
	if err != nil && p.onError != nil {
		p.onError(p.name, err)
	}
}

// mergeCancel derives a context from task that is also cancelled when pool is.
func mergeCancel(task, pool context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(task)
	stop := context.AfterFunc(pool, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
