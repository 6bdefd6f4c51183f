package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/dunning/pkg/observability"
)

// TaskError is a failure of a named background task.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string { return e.Task + ": " + e.Err.Error() }

func (e *TaskError) Unwrap() error { return e.Err }

// ErrPanic marks a task that panicked instead of returning.
var ErrPanic = errors.New("task panicked")

// run executes fn with a deadline and turns a panic into an error.
func run(ctx context.Context, timeout time.Duration, fn func(context.Context) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			observability.GetLogger(ctx).WithField("stack", string(debug.Stack())).Errorf("panic in background task: %v", r)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx)
}

// Go runs fn in its own goroutine and logs its failure through the context logger.
//
//	async.Go(ctx, 10*time.Second, "webhook delivery", func(ctx context.Context) error {
//		return deliver(ctx, event)
//	})
func Go(ctx context.Context, timeout time.Duration, task string, fn func(context.Context) error) {
	go func() {
		if err := run(ctx, timeout, fn); err != nil {
			observability.GetLogger(ctx).WithError(err).WithField("task", task).Warn("Background task failed")
		}
	}()
}

// Batch runs fn for every item with at most workers running at once and returns the
// failures. Every item is attempted; one failure does not cancel the others.
func Batch[T any](ctx context.Context, items []T, workers int, task string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)

	var mu sync.Mutex
	var errs []error
	for _, item := range items {
		g.Go(func() error {
			if err := run(ctx, timeout, func(ctx context.Context) error { return fn(ctx, item) }); err != nil {
				mu.Lock()
				errs = append(errs, &TaskError{Task: task, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
