package invoicing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/storage"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testSubscription(id string, amount int64) *billing.Subscription {
	return &billing.Subscription{
		ID:           id,
		SubscriberID: "cust_1",
		Module:       billing.Module{ID: "mod_" + id, Name: "Module " + id},
		Price:        billing.Money{Amount: amount, Currency: "USD"},
		State:        billing.SubscriptionActive,
	}
}

func TestProrate(t *testing.T) {
	tests := []struct {
		name   string
		price  int64
		period Period
		want   int64
	}{
		{"full cycle", 29900, Period{date(2024, 1, 1), date(2024, 2, 1)}, 29900},
		{"half of april", 3000, Period{date(2024, 4, 1), date(2024, 4, 16)}, 1500},
		{"ten of thirty one days", 1000, Period{date(2024, 1, 1), date(2024, 1, 11)}, 323}, // 322.58
		{"rounds half up", 1, Period{date(2024, 4, 1), date(2024, 4, 16)}, 1},              // 0.5
		{"longer than cycle", 5000, Period{date(2024, 1, 1), date(2024, 3, 1)}, 5000},
		{"february leap year", 2900, Period{date(2024, 2, 1), date(2024, 3, 1)}, 2900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Prorate(tt.price, tt.period))
		})
	}
}

func TestBuild(t *testing.T) {
	sub := testSubscription("sub_1", 29900)
	period := Period{Start: date(2024, 1, 1), End: date(2024, 2, 1)}

	inv, err := Build(sub, period, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(29900), inv.Amount)
	assert.Equal(t, "USD", inv.Currency)
	assert.Equal(t, billing.InvoicePending, inv.State)
	assert.Equal(t, date(2024, 1, 1), inv.IssueDate)
	assert.Equal(t, date(2024, 1, 16), inv.DueDate)
	assert.Equal(t, []string{"sub_1"}, inv.SubscriptionIDs)
	require.Len(t, inv.LineItems, 1)
	assert.Equal(t, "mod_sub_1", inv.LineItems[0].Module.ID)

	custom, err := Build(sub, period, Options{DueDays: 30})
	require.NoError(t, err)
	assert.Equal(t, date(2024, 1, 31), custom.DueDate)
}

func TestBuild_Rejects(t *testing.T) {
	period := Period{Start: date(2024, 1, 1), End: date(2024, 2, 1)}

	_, err := Build(testSubscription("sub_1", 100), Period{Start: date(2024, 1, 1), End: date(2024, 1, 1)}, Options{})
	assert.ErrorIs(t, err, billing.ErrInvalidState)

	cancelled := testSubscription("sub_2", 100)
	cancelled.State = billing.SubscriptionCancelled
	_, err = Build(cancelled, period, Options{})
	assert.ErrorIs(t, err, billing.ErrInvalidState)

	eur := testSubscription("sub_3", 100)
	eur.Price.Currency = "EUR"
	_, err = BuildConsolidated([]*billing.Subscription{testSubscription("sub_1", 100), eur}, period, Options{})
	assert.ErrorIs(t, err, billing.ErrInvalidState)

	_, err = BuildConsolidated(nil, period, Options{})
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

func TestBuildConsolidated(t *testing.T) {
	subs := []*billing.Subscription{
		testSubscription("siem", 29900),
		testSubscription("edr", 19900),
		testSubscription("vuln", 14900),
	}
	inv, err := BuildConsolidated(subs, Period{Start: date(2024, 1, 1), End: date(2024, 2, 1)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(64700), inv.Amount)
	assert.Len(t, inv.LineItems, 3)
	assert.True(t, inv.Covers("edr"))
}

func TestNextPeriod(t *testing.T) {
	anchor := date(2024, 1, 31)

	first := FirstPeriod(anchor)
	assert.Equal(t, date(2024, 2, 29), first.End)

	second := NextPeriod(anchor, first.End)
	assert.Equal(t, date(2024, 2, 29), second.Start)
	assert.Equal(t, date(2024, 3, 31), second.End)

	third := NextPeriod(anchor, second.End)
	assert.Equal(t, date(2024, 3, 31), third.Start)
	assert.Equal(t, date(2024, 4, 30), third.End)

	mid := NextPeriod(date(2024, 1, 15), date(2024, 6, 15))
	assert.Equal(t, Period{Start: date(2024, 6, 15), End: date(2024, 7, 15)}, mid)
}

func TestAddMonths(t *testing.T) {
	assert.Equal(t, date(2023, 2, 28), AddMonths(date(2023, 1, 31), 1))
	assert.Equal(t, date(2025, 1, 31), AddMonths(date(2024, 12, 31), 1))
	assert.Equal(t, date(2024, 12, 15), AddMonths(date(2024, 1, 15), 11))
}

func TestGenerator_NumbersInvoices(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(date(2024, 1, 1))
	gen := NewGenerator(storage.NewMemoryStore(), Options{}, clock)
	period := Period{Start: date(2024, 1, 1), End: date(2024, 2, 1)}

	a, err := gen.Generate(ctx, testSubscription("sub_1", 100), period)
	require.NoError(t, err)
	b, err := gen.Generate(ctx, testSubscription("sub_2", 100), period)
	require.NoError(t, err)

	assert.Equal(t, "INV-2024-0001", a.Number)
	assert.Equal(t, "INV-2024-0002", b.Number)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, date(2024, 1, 1), a.CreatedAt)
}

type failingSequencer struct{}

func (failingSequencer) NextInvoiceSequence(ctx context.Context, year int) (int, error) {
	return 0, errors.New("sequence table locked")
}

func TestGenerator_SequenceError(t *testing.T) {
	gen := NewGenerator(failingSequencer{}, Options{}, nil)
	_, err := gen.Generate(context.Background(), testSubscription("sub_1", 100),
		Period{Start: date(2024, 1, 1), End: date(2024, 2, 1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to generate invoice number")
}
