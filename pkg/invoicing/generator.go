// Package invoicing turns a subscription and a billing period into a pending invoice.
//
// Build is pure: it computes the prorated amount, issue date and due date. Generator
// adds an id and a yearly sequential number ("INV-2024-0007") on top of it.
package invoicing

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/dunning/pkg/billing"
)

// DefaultDueDays is the number of days between issue date and due date.
const DefaultDueDays = 15

// Period is a half-open billing interval [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the whole number of days in the period.
func (p Period) Days() int {
	return daysBetween(p.Start, p.End)
}

// Options control invoice terms.
type Options struct {
	DueDays int
}

// Build computes a pending invoice for one subscription. The result has no id or number.
func Build(sub *billing.Subscription, period Period, opts Options) (*billing.Invoice, error) {
	return BuildConsolidated([]*billing.Subscription{sub}, period, opts)
}

// BuildConsolidated bills several subscriptions of one subscriber and currency in a
// single invoice, one line item each.
func BuildConsolidated(subs []*billing.Subscription, period Period, opts Options) (*billing.Invoice, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("no subscriptions to invoice: %w", billing.ErrInvalidState)
	}
	if !period.End.After(period.Start) {
		return nil, fmt.Errorf("empty billing period %s - %s: %w",
			period.Start.Format(time.DateOnly), period.End.Format(time.DateOnly), billing.ErrInvalidState)
	}
	dueDays := opts.DueDays
	if dueDays <= 0 {
		dueDays = DefaultDueDays
	}

	first := subs[0]
	inv := &billing.Invoice{
		SubscriberID: first.SubscriberID,
		Currency:     first.Price.Currency,
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		IssueDate:    period.Start,
		DueDate:      period.Start.AddDate(0, 0, dueDays),
		State:        billing.InvoicePending,
	}

	for _, sub := range subs {
		if sub.State == billing.SubscriptionCancelled {
			return nil, fmt.Errorf("subscription %s is cancelled: %w", sub.ID, billing.ErrInvalidState)
		}
		if sub.SubscriberID != inv.SubscriberID || sub.Price.Currency != inv.Currency {
			return nil, fmt.Errorf("subscription %s cannot share invoice with %s: %w", sub.ID, first.ID, billing.ErrInvalidState)
		}
		amount := Prorate(sub.Price.Amount, period)
		inv.SubscriptionIDs = append(inv.SubscriptionIDs, sub.ID)
		inv.LineItems = append(inv.LineItems, billing.LineItem{
			SubscriptionID: sub.ID,
			Module:         sub.Module,
			Amount:         amount,
		})
		inv.Amount += amount
	}
	return inv, nil
}

// Prorate scales a full-cycle price by days(period) / days(cycle starting at period start),
// rounding half up to the minor unit. Periods at least one cycle long bill the full price.
func Prorate(price int64, period Period) int64 {
	cycleDays := daysBetween(period.Start, AddMonths(period.Start, 1))
	days := period.Days()
	if days >= cycleDays || cycleDays == 0 {
		return price
	}
	if days <= 0 {
		return 0
	}
	return (price*int64(days)*2 + int64(cycleDays)) / (int64(cycleDays) * 2)
}

// NextPeriod returns the cycle that follows the given period end, computed from the
// billing anchor so month-end anchors do not drift (Jan 31, Feb 29, Mar 31).
func NextPeriod(anchor, periodEnd time.Time) Period {
	n := monthsBetween(anchor, periodEnd)
	start := AddMonths(anchor, n)
	for start.Before(periodEnd) {
		n++
		start = AddMonths(anchor, n)
	}
	return Period{Start: start, End: AddMonths(anchor, n+1)}
}

// FirstPeriod returns the cycle that starts at the anchor.
func FirstPeriod(anchor time.Time) Period {
	return Period{Start: anchor, End: AddMonths(anchor, 1)}
}

// AddMonths adds n calendar months, clamping the day to the end of the target month.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := time.Date(target.Year(), target.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func monthsBetween(from, to time.Time) int {
	n := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	if n < 0 {
		return 0
	}
	return n
}

func daysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}

// Sequencer hands out per-year invoice numbers.
type Sequencer interface {
	NextInvoiceSequence(ctx context.Context, year int) (int, error)
}

// Generator materializes numbered invoices
type Generator struct {
	seq   Sequencer
	opts  Options
	clock clockwork.Clock
}

// NewGenerator creates a generator. A zero DueDays uses DefaultDueDays.
func NewGenerator(seq Sequencer, opts Options, clock clockwork.Clock) *Generator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.DueDays <= 0 {
		opts.DueDays = DefaultDueDays
	}
	return &Generator{seq: seq, opts: opts, clock: clock}
}

// Generate builds, identifies and numbers the invoice for one subscription.
func (g *Generator) Generate(ctx context.Context, sub *billing.Subscription, period Period) (*billing.Invoice, error) {
	return g.GenerateConsolidated(ctx, []*billing.Subscription{sub}, period)
}

// GenerateConsolidated builds, identifies and numbers one invoice for several subscriptions.
func (g *Generator) GenerateConsolidated(ctx context.Context, subs []*billing.Subscription, period Period) (*billing.Invoice, error) {
	inv, err := BuildConsolidated(subs, period, g.opts)
	if err != nil {
		return nil, err
	}

	year := inv.IssueDate.Year()
	n, err := g.seq.NextInvoiceSequence(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("failed to generate invoice number: %w", err)
	}

	now := g.clock.Now()
	inv.ID = billing.NewID("inv")
	inv.Number = fmt.Sprintf("INV-%04d-%04d", year, n)
	inv.CreatedAt = now
	inv.UpdatedAt = now
	return inv, nil
}
