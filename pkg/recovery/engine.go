package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/dunning/pkg/archive"
	"github.com/platinummonkey/dunning/pkg/async"
	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/hierarchy"
	"github.com/platinummonkey/dunning/pkg/invoicing"
	"github.com/platinummonkey/dunning/pkg/lifecycle"
	"github.com/platinummonkey/dunning/pkg/locks"
	"github.com/platinummonkey/dunning/pkg/notify"
	"github.com/platinummonkey/dunning/pkg/observability"
	"github.com/platinummonkey/dunning/pkg/payments"
	"github.com/platinummonkey/dunning/pkg/retry"
	"github.com/platinummonkey/dunning/pkg/storage"
)

const (
	defaultWorkers        = 8
	defaultTaskTimeout    = 2 * time.Minute
	defaultTickInterval   = time.Minute
	defaultCycleSchedule  = "*/15 * * * *"
	defaultDueDays        = 15
	defaultGatewayTimeout = 30 * time.Second
	archiveTimeout        = 30 * time.Second
)

// Archiver keeps a copy of invoices that reached a final state.
type Archiver interface {
	Put(ctx context.Context, rec archive.Record) error
}

// Engine is the single entry point of the dunning system. It wires the hierarchy
// resolver, payment processor, retry scheduler and lifecycle manager together and runs
// the background loops that drive them.
type Engine struct {
	store     storage.Store
	resolver  *hierarchy.Resolver
	processor *payments.Processor
	scheduler *retry.Scheduler
	lifecycle *lifecycle.Manager
	notifier  notify.Notifier
	archiver  Archiver
	clock     clockwork.Clock
	metrics   *observability.Metrics
	otel      *observability.GatewayInstruments
	logger    *observability.Logger

	policy         *retry.PolicyStore
	workers        int
	taskTimeout    time.Duration
	tickInterval   time.Duration
	cycleSchedule  string
	dueDays        int
	gatewayTimeout time.Duration
	warningRatio   float64
	manualWindow   time.Duration

	mu      sync.Mutex
	running *runner
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the clock of every component.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithMetrics enables Prometheus metrics on every component.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithGatewayInstruments exports gateway metrics through OpenTelemetry.
func WithGatewayInstruments(g *observability.GatewayInstruments) Option {
	return func(e *Engine) { e.otel = g }
}

// WithNotifier sets where lifecycle and escalation events are sent.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithArchive copies paid, failed and voided invoices to a.
func WithArchive(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithPolicy sets the retry policy store. Keep a reference to hot-swap the policy.
func WithPolicy(p *retry.PolicyStore) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

// WithWorkers sets background concurrency and the per-task timeout.
func WithWorkers(workers int, taskTimeout time.Duration) Option {
	return func(e *Engine) {
		if workers > 0 {
			e.workers = workers
		}
		if taskTimeout > 0 {
			e.taskTimeout = taskTimeout
		}
	}
}

// WithTickInterval sets how often due retries are polled.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tickInterval = d
		}
	}
}

// WithCycleSchedule sets the cron spec that checks for ended billing periods.
func WithCycleSchedule(spec string) Option {
	return func(e *Engine) {
		if spec != "" {
			e.cycleSchedule = spec
		}
	}
}

// WithDueDays sets the payment terms of generated invoices.
func WithDueDays(days int) Option {
	return func(e *Engine) {
		if days > 0 {
			e.dueDays = days
		}
	}
}

// WithGatewayTimeout bounds a single gateway call.
func WithGatewayTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.gatewayTimeout = d
		}
	}
}

// WithWarningRatio sets the usage ratio at which subscriptions show a warning.
func WithWarningRatio(ratio float64) Option {
	return func(e *Engine) { e.warningRatio = ratio }
}

// WithManualRetryWindow sets how long a manual retry result is replayed to duplicates.
func WithManualRetryWindow(d time.Duration) Option {
	return func(e *Engine) { e.manualWindow = d }
}

// New assembles an engine over the given store and gateway.
func New(store storage.Store, gateway payments.Gateway, locker locks.Locker, logger *observability.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		notifier:       notify.Nop(),
		clock:          clockwork.NewRealClock(),
		logger:         logger,
		policy:         retry.NewPolicyStore(retry.DefaultPolicy()),
		workers:        defaultWorkers,
		taskTimeout:    defaultTaskTimeout,
		tickInterval:   defaultTickInterval,
		cycleSchedule:  defaultCycleSchedule,
		dueDays:        defaultDueDays,
		gatewayTimeout: defaultGatewayTimeout,
		warningRatio:   billing.DefaultWarningRatio,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.resolver = hierarchy.NewResolver(store, locker, logger.WithField("component", "hierarchy"),
		hierarchy.WithClock(e.clock))
	e.processor = payments.NewProcessor(store, gateway, e.resolver, logger.WithField("component", "payments"),
		payments.WithClock(e.clock),
		payments.WithTimeout(e.gatewayTimeout),
		payments.WithMetrics(e.metrics),
		payments.WithInstruments(e.otel))

	generator := invoicing.NewGenerator(store, invoicing.Options{DueDays: e.dueDays}, e.clock)
	e.lifecycle = lifecycle.NewManager(store, generator, locker, logger.WithField("component", "lifecycle"),
		lifecycle.WithClock(e.clock),
		lifecycle.WithMetrics(e.metrics),
		lifecycle.WithNotifier(e.notifier),
		lifecycle.WithWarningRatio(e.warningRatio))

	schedOpts := []retry.Option{
		retry.WithClock(e.clock),
		retry.WithMetrics(e.metrics),
		retry.WithWorkers(e.workers, e.taskTimeout),
		retry.WithOutcomeHook(e.onOutcome),
	}
	if e.manualWindow > 0 {
		schedOpts = append(schedOpts, retry.WithManualRetryWindow(e.manualWindow))
	}
	e.scheduler = retry.NewScheduler(store, e.resolver, e.processor, locker, e.policy,
		logger.WithField("component", "retry"), schedOpts...)
	return e
}

// Policy returns the live retry policy store.
func (e *Engine) Policy() *retry.PolicyStore {
	return e.policy
}

// onOutcome feeds every scheduler step back into the lifecycle of the subscriptions the
// invoice bills.
func (e *Engine) onOutcome(ctx context.Context, res *retry.Result) {
	for _, id := range res.Invoice.SubscriptionIDs {
		if _, err := e.lifecycle.RecordPaymentOutcome(ctx, id, res.Attempt); err != nil {
			e.logger.WithError(err).WithFields(map[string]interface{}{
				"subscription_id": id,
				"invoice_id":      res.Invoice.ID,
			}).Error("Failed to apply payment outcome")
		}
	}
	if res.Invoice.State == billing.InvoicePaid {
		e.archive(ctx, res.Invoice)
	}
	if res.Action == retry.ActionEscalate && res.Issue != nil {
		e.notifier.Notify(ctx, notify.Event{
			Type:         notify.EventIssueEscalated,
			SubscriberID: res.Invoice.SubscriberID,
			InvoiceID:    res.Invoice.ID,
			Timestamp:    e.clock.Now(),
			Data: map[string]interface{}{
				"issue_id":    res.Issue.ID,
				"kind":        string(res.Issue.Kind),
				"reason":      res.Issue.Reason,
				"retry_count": res.Issue.RetryCount,
			},
		})
	}
}

// collect makes the first charge on a new invoice. A collection error does not undo the
// invoice; the scheduler will pick it up again through RetryNow.
func (e *Engine) collect(ctx context.Context, inv *billing.Invoice) *billing.Invoice {
	res, err := e.scheduler.Collect(ctx, inv.ID)
	if err != nil {
		e.logger.WithError(err).WithField("invoice_id", inv.ID).Warn("Initial collection failed")
		return inv
	}
	return res.Invoice
}

// archive uploads a settled invoice with its attempts in the background. Failures are
// logged; the store stays the source of truth.
func (e *Engine) archive(ctx context.Context, inv *billing.Invoice) {
	if e.archiver == nil || !inv.State.Final() {
		return
	}
	inv = inv.Clone()
	ctx = observability.WithLogger(context.WithoutCancel(ctx), e.logger)
	async.Go(ctx, archiveTimeout, "invoice archive", func(ctx context.Context) error {
		attempts, err := e.store.ListAttempts(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("list attempts of %s: %w", inv.ID, err)
		}
		return e.archiver.Put(ctx, archive.Record{
			Invoice:    inv,
			Attempts:   attempts,
			ArchivedAt: e.clock.Now(),
		})
	})
}

func (e *Engine) refresh(ctx context.Context, sub *billing.Subscription) *billing.Subscription {
	fresh, err := e.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		return sub
	}
	return fresh
}

func wrap(op, id string, err error) error {
	return fmt.Errorf("%s %s: %w", op, id, err)
}

// startWorkers builds the background pool used by Start.
func (e *Engine) startWorkers(ctx context.Context) *async.WorkerPool {
	return async.NewWorkerPool(observability.WithLogger(ctx, e.logger), async.PoolConfig{
		Workers:     e.workers,
		TaskTimeout: e.taskTimeout,
	})
}

func newCron(e *Engine) *cron.Cron {
	return cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger{e.logger})))
}
