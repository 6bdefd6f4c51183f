package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/dunning/pkg/async"
	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/observability"
)

// runner holds the background machinery of a started engine.
type runner struct {
	cancel context.CancelFunc
	cron   *cron.Cron
	pool   *async.WorkerPool
	stop   chan struct{}
	done   chan struct{}

	retrying  atomic.Bool
	advancing atomic.Bool
}

// Start launches the due-retry ticker and the billing-cycle cron. Work from both is run
// on a shared worker pool. A task that is still running when its next tick fires is not
// started twice.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running != nil {
		return errors.New("recovery engine already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &runner{
		cancel: cancel,
		cron:   newCron(e),
		pool:   e.startWorkers(ctx),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	_, err := r.cron.AddFunc(e.cycleSchedule, func() {
		e.dispatch(r, &r.advancing, "cycle advance", e.AdvanceDue)
	})
	if err != nil {
		_ = r.pool.Shutdown(time.Second)
		cancel()
		return fmt.Errorf("schedule cycle advance %q: %w", e.cycleSchedule, err)
	}

	go e.loop(r, e.clock.NewTicker(e.tickInterval))
	go e.drainErrors(r)
	r.cron.Start()
	e.running = r

	e.logger.WithFields(map[string]interface{}{
		"tick_interval":  e.tickInterval.String(),
		"cycle_schedule": e.cycleSchedule,
		"workers":        e.workers,
	}).Info("Recovery engine started")
	return nil
}

// Stop halts the loops and waits up to timeout for running tasks to finish. Stopping
// an engine that is not running is a no-op.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	r := e.running
	e.running = nil
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	defer r.cancel()

	cronDone := r.cron.Stop()
	close(r.stop)
	<-r.done

	err := r.pool.Shutdown(timeout)
	select {
	case <-cronDone.Done():
	case <-time.After(timeout):
	}
	e.logger.Info("Recovery engine stopped")
	return err
}

// ProcessDue runs every retry that is due now.
func (e *Engine) ProcessDue(ctx context.Context) (int, error) {
	return e.scheduler.ProcessDue(ctx)
}

// AdvanceDue advances every live subscription whose period has ended and collects the
// new invoices. A subscription several periods behind moves one period per call.
func (e *Engine) AdvanceDue(ctx context.Context) (int, error) {
	due, err := e.lifecycle.DueForCycle(ctx, e.clock.Now())
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	ctx = observability.WithLogger(ctx, e.logger)
	errs := async.Batch(ctx, due, e.workers, "cycle advance", e.taskTimeout,
		func(ctx context.Context, sub *billing.Subscription) error {
			_, _, err := e.AdvanceCycle(ctx, sub.ID)
			if err != nil {
				e.metrics.RecordWorkerError("cycle advance")
			}
			return err
		})
	return len(due) - len(errs), errors.Join(errs...)
}

func (e *Engine) loop(r *runner, ticker clockwork.Ticker) {
	defer close(r.done)
	defer ticker.Stop()
	defer observability.RecoverPanic(e.logger, "retry loop")

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.Chan():
			e.dispatch(r, &r.retrying, "payment retry", e.ProcessDue)
		}
	}
}

// dispatch submits task to the pool unless the previous run of the same task is still
// in progress.
func (e *Engine) dispatch(r *runner, busy *atomic.Bool, name string, task func(context.Context) (int, error)) {
	if !busy.CompareAndSwap(false, true) {
		e.logger.WithField("task", name).Debug("Previous run still in progress, skipping tick")
		return
	}
	err := r.pool.Submit(name, func(ctx context.Context) error {
		defer busy.Store(false)
		n, err := task(ctx)
		if n > 0 {
			e.logger.WithFields(map[string]interface{}{
				"task":  name,
				"count": n,
			}).Info("Background run finished")
		}
		return err
	})
	if err != nil {
		busy.Store(false)
		e.logger.WithError(err).WithField("task", name).Warn("Failed to submit background run")
	}
}

func (e *Engine) drainErrors(r *runner) {
	for {
		select {
		case <-r.stop:
			return
		case err := <-r.pool.Errors():
			e.logger.WithError(err).Warn("Background run failed")
		}
	}
}

// cronLogger routes cron's own messages through the structured logger.
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(keysAndValues []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
