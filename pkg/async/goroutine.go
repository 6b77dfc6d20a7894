package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/settle/pkg/observability"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown
	ErrPoolClosed = errors.New("worker pool shut down")
	// ErrPoolFull is returned by TrySubmit when the queue has no room
	ErrPoolFull = errors.New("worker pool queue full")
)

// SafeGo runs fn in a goroutine under a timeout derived from parentCtx,
// recovering panics and logging errors through the context logger.
//
//	async.SafeGo(context.WithoutCancel(ctx), 10*time.Second, "archive webhook payload", func(ctx context.Context) error {
//	    return archive.Archive(ctx, event)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		logger := observability.FromContext(parentCtx).WithField("task", taskName)
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("background task failed")
		}
	}()
}

// SafeGoNoError is SafeGo for functions that cannot fail
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context)) {
	SafeGo(parentCtx, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Task is one unit of pool work
type Task func(context.Context) error

// PoolConfig sizes a WorkerPool
type PoolConfig struct {
	Workers   int
	QueueSize int
	TaskName  string
	// Timeout bounds each task
	Timeout time.Duration
	Logger  *observability.Logger
	// OnError receives task errors and recovered panics; nil logs them
	OnError func(error)
}

// WorkerPool runs submitted tasks on a fixed set of goroutines. Shutdown
// drains the queue before returning.
type WorkerPool struct {
	cfg    PoolConfig
	workCh chan Task
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts cfg.Workers goroutines bound to ctx
func NewWorkerPool(ctx context.Context, cfg PoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	cfg.Logger = cfg.Logger.WithField("pool", cfg.TaskName)

	ctx, cancel := context.WithCancel(ctx)
	pool := &WorkerPool{
		cfg:    cfg,
		workCh: make(chan Task, cfg.QueueSize),
		doneCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.worker()
		}()
	}
	go func() {
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues fn, blocking while the queue is full
func (p *WorkerPool) Submit(ctx context.Context, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues fn without blocking
func (p *WorkerPool) TrySubmit(fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	default:
		return ErrPoolFull
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks.
// On timeout the running tasks' contexts are cancelled.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.closeQueue()

	select {
	case <-p.doneCh:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool %s shutdown timed out after %v", p.cfg.TaskName, timeout)
	}
}

func (p *WorkerPool) closeQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.workCh)
	}
}

func (p *WorkerPool) worker() {
	for fn := range p.workCh {
		if p.ctx.Err() != nil {
			p.report(fmt.Errorf("%s: %w", p.cfg.TaskName, p.ctx.Err()))
			continue
		}
		p.run(fn)
	}
}

func (p *WorkerPool) run(fn Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()
	defer func() {
		if err := observability.PanicError(recover()); err != nil {
			p.report(err)
		}
	}()

	if err := fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *WorkerPool) report(err error) {
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
		return
	}
	p.cfg.Logger.WithError(err).Warn("pool task failed")
}

// Batch runs fn over items with at most workers in flight and returns every
// error in no particular order
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	var (
		mu   sync.Mutex
		errs []error
	)
	pool := NewWorkerPool(ctx, PoolConfig{
		Workers:   workers,
		QueueSize: len(items),
		TaskName:  taskName,
		Timeout:   timeout,
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})

	for _, item := range items {
		item := item
		if err := pool.TrySubmit(func(ctx context.Context) error { return fn(ctx, item) }); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	pool.closeQueue()
	<-pool.doneCh
	pool.cancel()

	mu.Lock()
	defer mu.Unlock()
	return errs
}
