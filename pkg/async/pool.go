package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/dunning/pkg/observability"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool shut down")

// PoolConfig sizes a WorkerPool.
type PoolConfig struct {
	Workers     int
	TaskTimeout time.Duration
	// QueueSize defaults to twice the worker count.
	QueueSize int
}

// PoolStats counts tasks seen by a pool.
type PoolStats struct {
	Submitted int64
	Completed int64
	Failed    int64
}

type job struct {
	task string
	fn   func(context.Context) error
}

// WorkerPool runs named tasks on a fixed set of goroutines. Failures are delivered on
// Errors as *TaskError; when nobody reads them they are logged and dropped.
type WorkerPool struct {
	cfg    PoolConfig
	ctx    context.Context
	cancel context.CancelFunc
	logger *observability.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	errs   chan error
	wg     sync.WaitGroup
	once   sync.Once

	submitted, completed, failed atomic.Int64
}

// NewWorkerPool starts cfg.Workers goroutines that live until Shutdown or ctx is done.
func NewWorkerPool(ctx context.Context, cfg PoolConfig) *WorkerPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = cfg.Workers * 2
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: observability.GetLogger(ctx),
		jobs:   make(chan job, cfg.QueueSize),
		errs:   make(chan error, cfg.Workers*10),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.work()
	}
	return p
}

// Submit queues fn, blocking while the queue is full.
func (p *WorkerPool) Submit(task string, fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job{task: task, fn: fn}:
		p.submitted.Add(1)
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Errors delivers task failures.
func (p *WorkerPool) Errors() <-chan error {
	return p.errs
}

// Stats returns task counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Shutdown stops accepting tasks and waits up to timeout for queued ones to finish.
// Tasks still running after timeout have their context cancelled.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = errors.New("worker pool shutdown timed out after " + timeout.String())
		}
		p.cancel()
	})
	return err
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		if p.ctx.Err() != nil {
			p.report(&TaskError{Task: j.task, Err: p.ctx.Err()})
			continue
		}
		if err := run(p.ctx, p.cfg.TaskTimeout, j.fn); err != nil {
			p.report(&TaskError{Task: j.task, Err: err})
			continue
		}
		p.completed.Add(1)
	}
}

func (p *WorkerPool) report(err error) {
	p.failed.Add(1)
	select {
	case p.errs <- err:
	default:
		p.logger.WithError(err).Warn("Error channel full, dropping error")
	}
}
