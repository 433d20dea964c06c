// Package dispatch runs best-effort side effects after a state change has
// committed. Failures are logged and never reach the caller.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("dispatch: dispatcher closed")

// Task is one side effect. The context carries the per-task timeout.
type Task func(ctx context.Context) error

type job struct {
	name string
	fn   Task
}

// Dispatcher is a bounded worker pool.
type Dispatcher struct {
	logger  *slog.Logger
	timeout time.Duration
	jobs    chan job

	mu     sync.RWMutex
	closed bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Options tunes a Dispatcher. Zero values pick defaults.
type Options struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

// New starts the workers. Call Close to drain and stop them.
func New(logger *slog.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	d := &Dispatcher{
		logger:  logger.With("module", "dispatch", "layer", "worker"),
		timeout: opts.TaskTimeout,
		jobs:    make(chan job, opts.QueueSize),
		group:   group,
		cancel:  cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		group.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	return d
}

func (d *Dispatcher) work(ctx context.Context) {
	for j := range d.jobs {
		d.run(ctx, j)
	}
}

func (d *Dispatcher) run(parent context.Context, j job) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("side effect panicked",
				"operation", j.name,
				"outcome", "panic",
				"panic", r,
			)
		}
	}()

	if err := j.fn(ctx); err != nil {
		d.logger.WarnContext(ctx, "side effect failed",
			"operation", j.name,
			"outcome", "failure",
			"error", err,
		)
	}
}

// Submit queues fn. When the queue is full the task runs on a fresh
// goroutine instead of blocking the caller.
func (d *Dispatcher) Submit(name string, fn Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.jobs <- job{name: name, fn: fn}:
	default:
		d.logger.Warn("dispatch queue full, running inline",
			"operation", name,
			"outcome", "overflow",
		)
		d.group.Go(func() error {
			d.run(context.Background(), job{name: name, fn: fn})
			return nil
		})
	}
	return nil
}

// Close stops accepting tasks and waits for queued ones to finish. If ctx
// expires first, in-flight tasks are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Inline runs tasks synchronously on the caller's goroutine. Tests and
// one-shot tools use it where a worker pool is not wanted.
type Inline struct {
	Logger *slog.Logger
}

func (i Inline) Submit(name string, fn Task) error {
	logger := i.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := fn(context.Background()); err != nil {
		logger.Warn("side effect failed",
			"module", "dispatch",
			"operation", name,
			"outcome", "failure",
			"error", err,
		)
	}
	return nil
}
