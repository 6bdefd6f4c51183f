package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/dunning/pkg/async"
	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/observability"
)

const (
	headerEvent     = "X-Dunning-Event"
	headerEventID   = "X-Dunning-Event-ID"
	headerDelivery  = "X-Dunning-Delivery"
	headerSignature = "X-Dunning-Signature"

	deliveryTimeout = 10 * time.Second
)

// Endpoint is a webhook receiver. An empty Events list subscribes to every event.
type Endpoint struct {
	ID     string      `json:"id" yaml:"id"`
	URL    string      `json:"url" yaml:"url"`
	Secret string      `json:"-" yaml:"secret"`
	Events []EventType `json:"events,omitempty" yaml:"events"`
}

func (e Endpoint) wants(t EventType) bool {
	return len(e.Events) == 0 || slices.Contains(e.Events, t)
}

// WebhookNotifier POSTs events as signed JSON to a fixed set of endpoints.
type WebhookNotifier struct {
	endpoints  []Endpoint
	client     *http.Client
	policy     *RetryPolicy
	deliveries *DeliveryLogStore
	clock      clockwork.Clock
	metrics    *observability.Metrics
	logger     *observability.Logger

	limitMu   sync.Mutex
	limiters  map[string]*rate.Limiter
	limit     rate.Limit
	burst     int
	inflight  sync.WaitGroup
	stopOnce  sync.Once
	stopRetry chan struct{}
}

// WebhookOption customizes a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) { n.client = c }
}

// WithRetryConfig sets the redelivery backoff.
func WithRetryConfig(cfg RetryConfig) WebhookOption {
	return func(n *WebhookNotifier) { n.policy = NewRetryPolicy(cfg) }
}

// WithClock overrides the clock used for redelivery scheduling.
func WithClock(clock clockwork.Clock) WebhookOption {
	return func(n *WebhookNotifier) { n.clock = clock }
}

// WithMetrics counts sent and failed deliveries.
func WithMetrics(m *observability.Metrics) WebhookOption {
	return func(n *WebhookNotifier) { n.metrics = m }
}

// WithRateLimit caps deliveries per endpoint to perMinute requests.
func WithRateLimit(perMinute int) WebhookOption {
	return func(n *WebhookNotifier) {
		if perMinute > 0 {
			n.limit = rate.Limit(float64(perMinute) / 60.0)
			n.burst = perMinute
		}
	}
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(endpoints []Endpoint, logger *observability.Logger, opts ...WebhookOption) (*WebhookNotifier, error) {
	for i, ep := range endpoints {
		if ep.URL == "" {
			return nil, fmt.Errorf("webhook endpoint %d: url is required", i)
		}
		if ep.ID == "" {
			endpoints[i].ID = fmt.Sprintf("endpoint-%d", i)
		}
	}
	n := &WebhookNotifier{
		endpoints:  endpoints,
		client:     &http.Client{Timeout: deliveryTimeout},
		policy:     NewRetryPolicy(DefaultRetryConfig()),
		deliveries: NewDeliveryLogStore(1000),
		clock:      clockwork.NewRealClock(),
		logger:     logger,
		limiters:   make(map[string]*rate.Limiter),
		limit:      rate.Limit(100.0 / 60.0),
		burst:      100,
		stopRetry:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Deliveries exposes the delivery log.
func (n *WebhookNotifier) Deliveries() *DeliveryLogStore {
	return n.deliveries
}

// Notify queues the event for every endpoint subscribed to its type and returns
// immediately.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) {
	event.stamp(n.clock.Now())
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.WithError(err).WithField("event_type", string(event.Type)).Error("Failed to encode notification")
		return
	}

	// deliveries outlive the request that triggered them
	ctx = observability.WithLogger(context.WithoutCancel(ctx), n.logger)
	for _, ep := range n.endpoints {
		if !ep.wants(event.Type) {
			continue
		}
		log := &DeliveryLog{
			ID:         billing.NewID("dlv"),
			EndpointID: ep.ID,
			EventID:    event.ID,
			EventType:  event.Type,
			URL:        ep.URL,
			Status:     DeliveryStatusPending,
			CreatedAt:  n.clock.Now(),
			payload:    payload,
		}
		n.deliveries.Add(log)

		ep, job := ep, *log
		n.inflight.Add(1)
		async.Go(ctx, deliveryTimeout+time.Second, "webhook delivery", func(ctx context.Context) error {
			defer n.inflight.Done()
			n.attempt(ctx, ep, &job)
			return nil
		})
	}
}

// Wait blocks until every queued delivery attempt has finished.
func (n *WebhookNotifier) Wait() {
	n.inflight.Wait()
}

// RetryPending redelivers every failed delivery whose backoff has elapsed and returns
// how many it attempted.
func (n *WebhookNotifier) RetryPending(ctx context.Context) int {
	due := n.deliveries.pendingRetries(n.clock.Now())
	for _, log := range due {
		ep, ok := n.endpoint(log.EndpointID)
		if !ok {
			n.finish(log, DeliveryStatusFailed, "endpoint no longer configured")
			continue
		}
		n.attempt(ctx, ep, log)
	}
	return len(due)
}

// StartRetries runs RetryPending every interval until ctx ends or StopRetries is called.
func (n *WebhookNotifier) StartRetries(ctx context.Context, interval time.Duration) {
	ticker := n.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer observability.RecoverPanic(n.logger, "webhook redelivery")
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.stopRetry:
				return
			case <-ticker.Chan():
				n.RetryPending(ctx)
			}
		}
	}()
}

// StopRetries stops the redelivery loop.
func (n *WebhookNotifier) StopRetries() {
	n.stopOnce.Do(func() { close(n.stopRetry) })
}

func (n *WebhookNotifier) attempt(ctx context.Context, ep Endpoint, log *DeliveryLog) {
	log.Attempts++
	start := time.Now()
	err := n.send(ctx, ep, log)
	log.Duration = time.Since(start)

	entry := n.logger.WithFields(map[string]interface{}{
		"endpoint_id": ep.ID,
		"event_id":    log.EventID,
		"event_type":  string(log.EventType),
		"attempts":    log.Attempts,
	})
	switch {
	case err == nil:
		n.metrics.RecordNotification(string(log.EventType), "sent")
		n.finish(log, DeliveryStatusSuccess, "")
	case n.policy.ShouldRetry(log.Attempts, err):
		next := n.clock.Now().Add(n.policy.NextRetryDelay(log.Attempts))
		log.Status = DeliveryStatusRetrying
		log.NextRetryAt = &next
		log.ErrorMessage = err.Error()
		n.deliveries.Update(log)
		entry.WithError(err).Warn("Webhook delivery failed, will retry")
	default:
		n.metrics.RecordNotification(string(log.EventType), "failed")
		n.finish(log, DeliveryStatusFailed, err.Error())
		entry.WithError(err).Error("Webhook delivery failed")
	}
}

func (n *WebhookNotifier) finish(log *DeliveryLog, status DeliveryStatus, msg string) {
	now := n.clock.Now()
	log.Status = status
	log.ErrorMessage = msg
	log.NextRetryAt = nil
	log.CompletedAt = &now
	n.deliveries.Update(log)
}

func (n *WebhookNotifier) send(ctx context.Context, ep Endpoint, log *DeliveryLog) error {
	if !n.limiter(ep.ID).Allow() {
		return fmt.Errorf("rate limit exceeded for endpoint %s", ep.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(log.payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, string(log.EventType))
	req.Header.Set(headerEventID, log.EventID)
	req.Header.Set(headerDelivery, log.ID)
	if ep.Secret != "" {
		req.Header.Set(headerSignature, generateSignature(log.payload, ep.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	log.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) endpoint(id string) (Endpoint, bool) {
	for _, ep := range n.endpoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return Endpoint{}, false
}

func (n *WebhookNotifier) limiter(endpointID string) *rate.Limiter {
	n.limitMu.Lock()
	defer n.limitMu.Unlock()
	l, ok := n.limiters[endpointID]
	if !ok {
		l = rate.NewLimiter(n.limit, n.burst)
		n.limiters[endpointID] = l
	}
	return l
}

// VerifySignature checks an X-Dunning-Signature header value against the payload.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
