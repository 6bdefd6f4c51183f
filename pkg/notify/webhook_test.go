package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dunning/pkg/observability"
)

type receiver struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	failures int32
	server   *httptest.Server
}

// newReceiver answers 500 to the first failures requests and 200 afterwards.
func newReceiver(t *testing.T, failures int32) *receiver {
	r := &receiver{failures: failures}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()
		if atomic.AddInt32(&r.failures, -1) >= 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *receiver) snapshot() ([][]byte, []http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.bodies...), append([]http.Header(nil), r.headers...)
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func TestWebhookNotifier_DeliversSignedEvent(t *testing.T) {
	recv := newReceiver(t, 0)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	n, err := NewWebhookNotifier([]Endpoint{{ID: "billing", URL: recv.server.URL, Secret: "s3cret"}},
		observability.NopLogger(), WithMetrics(metrics))
	require.NoError(t, err)

	n.Notify(context.Background(), Event{
		Type:         EventIssueEscalated,
		SubscriberID: "cust_1",
		InvoiceID:    "inv_1",
		Data:         map[string]interface{}{"reason": "grace period ended without payment"},
	})
	n.Wait()

	bodies, headers := recv.snapshot()
	require.Len(t, bodies, 1)
	body, hdr := bodies[0], headers[0]
	assert.Equal(t, "issue.escalated", hdr.Get("X-Dunning-Event"))
	assert.Equal(t, "application/json", hdr.Get("Content-Type"))
	assert.True(t, VerifySignature(body, hdr.Get("X-Dunning-Signature"), "s3cret"))
	assert.False(t, VerifySignature(body, hdr.Get("X-Dunning-Signature"), "other"))

	var got Event
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, hdr.Get("X-Dunning-Event-ID"), got.ID)
	assert.Equal(t, "inv_1", got.InvoiceID)

	logs := n.Deliveries().ByEndpoint("billing", 0)
	require.Len(t, logs, 1)
	assert.Equal(t, DeliveryStatusSuccess, logs[0].Status)
	assert.Equal(t, http.StatusNoContent, logs[0].StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("issue.escalated", "sent")))
}

func TestWebhookNotifier_FiltersByEventType(t *testing.T) {
	all := newReceiver(t, 0)
	escalations := newReceiver(t, 0)
	n, err := NewWebhookNotifier([]Endpoint{
		{URL: all.server.URL},
		{URL: escalations.server.URL, Events: []EventType{EventIssueEscalated}},
	}, observability.NopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	n.Notify(ctx, Event{Type: EventInvoiceGenerated})
	n.Notify(ctx, Event{Type: EventIssueEscalated})
	n.Wait()

	assert.Equal(t, 2, all.count())
	assert.Equal(t, 1, escalations.count())
	assert.Len(t, n.Deliveries().ByEndpoint("endpoint-0", 0), 2)
}

func TestWebhookNotifier_RedeliversWithBackoff(t *testing.T) {
	recv := newReceiver(t, 2)
	clock := clockwork.NewFakeClockAt(base)
	n, err := NewWebhookNotifier([]Endpoint{{ID: "ops", URL: recv.server.URL}}, observability.NopLogger(),
		WithClock(clock),
		WithRetryConfig(RetryConfig{MaxAttempts: 5, InitialDelay: time.Minute, MaxDelay: time.Hour, BackoffMultiplier: 2}))
	require.NoError(t, err)
	ctx := context.Background()

	n.Notify(ctx, Event{Type: EventPaymentFailed})
	n.Wait()

	logs := n.Deliveries().ByEndpoint("ops", 0)
	require.Len(t, logs, 1)
	assert.Equal(t, DeliveryStatusRetrying, logs[0].Status)
	assert.Equal(t, base.Add(time.Minute), *logs[0].NextRetryAt)

	assert.Zero(t, n.RetryPending(ctx), "backoff has not elapsed")

	clock.Advance(time.Minute)
	assert.Equal(t, 1, n.RetryPending(ctx))
	log, _ := n.Deliveries().Get(logs[0].ID)
	assert.Equal(t, 2, log.Attempts)
	assert.Equal(t, base.Add(3*time.Minute), *log.NextRetryAt, "second backoff doubles")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, n.RetryPending(ctx))
	log, _ = n.Deliveries().Get(logs[0].ID)
	assert.Equal(t, DeliveryStatusSuccess, log.Status)
	assert.Equal(t, 3, log.Attempts)
	assert.Nil(t, log.NextRetryAt)
	assert.Equal(t, 3, recv.count())

	bodies, _ := recv.snapshot()
	var first, last Event
	require.NoError(t, json.Unmarshal(bodies[0], &first))
	require.NoError(t, json.Unmarshal(bodies[2], &last))
	assert.Equal(t, first, last, "redelivery resends the original payload")
}

func TestWebhookNotifier_GivesUpAfterMaxAttempts(t *testing.T) {
	recv := newReceiver(t, 100)
	clock := clockwork.NewFakeClockAt(base)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	n, err := NewWebhookNotifier([]Endpoint{{ID: "ops", URL: recv.server.URL}}, observability.NopLogger(),
		WithClock(clock), WithMetrics(metrics),
		WithRetryConfig(RetryConfig{MaxAttempts: 2, InitialDelay: time.Second}))
	require.NoError(t, err)
	ctx := context.Background()

	n.Notify(ctx, Event{Type: EventPaymentFailed})
	n.Wait()
	clock.Advance(time.Second)
	require.Equal(t, 1, n.RetryPending(ctx))

	logs := n.Deliveries().ByEndpoint("ops", 0)
	require.Len(t, logs, 1)
	assert.Equal(t, DeliveryStatusFailed, logs[0].Status)
	assert.Contains(t, logs[0].ErrorMessage, "500")
	assert.NotNil(t, logs[0].CompletedAt)

	clock.Advance(time.Hour)
	assert.Zero(t, n.RetryPending(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("payment.failed", "failed")))
}

func TestWebhookNotifier_RateLimitsPerEndpoint(t *testing.T) {
	recv := newReceiver(t, 0)
	n, err := NewWebhookNotifier([]Endpoint{{ID: "ops", URL: recv.server.URL}}, observability.NopLogger(), WithRateLimit(1))
	require.NoError(t, err)

	ctx := context.Background()
	n.Notify(ctx, Event{Type: EventUsageOverLimit})
	n.Notify(ctx, Event{Type: EventUsageOverLimit})
	n.Wait()

	assert.Equal(t, 1, recv.count())
	stats := n.Deliveries().Stats("ops")
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 1, stats.Retrying)
}

func TestWebhookNotifier_NotifyDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	n, err := NewWebhookNotifier([]Endpoint{{URL: server.URL}}, observability.NopLogger())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		n.Notify(context.Background(), Event{Type: EventPaymentRecovered})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on delivery")
	}
	close(release)
	n.Wait()
}

func TestNewWebhookNotifier_RequiresURL(t *testing.T) {
	_, err := NewWebhookNotifier([]Endpoint{{ID: "x"}}, observability.NopLogger())
	assert.Error(t, err)
}
