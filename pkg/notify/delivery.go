package notify

import (
	"slices"
	"sync"
	"time"
)

// DeliveryStatus is the state of one webhook delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
)

// DeliveryLog tracks the delivery of one event to one endpoint.
type DeliveryLog struct {
	ID           string         `json:"id"`
	EndpointID   string         `json:"endpoint_id"`
	EventID      string         `json:"event_id"`
	EventType    EventType      `json:"event_type"`
	URL          string         `json:"url"`
	Status       DeliveryStatus `json:"status"`
	StatusCode   int            `json:"status_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attempts     int            `json:"attempts"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Duration     time.Duration  `json:"duration,omitempty"`

	payload []byte
}

// DeliveryLogStore keeps the most recent delivery logs in memory.
type DeliveryLogStore struct {
	mu      sync.RWMutex
	logs    map[string]*DeliveryLog
	maxLogs int
}

// NewDeliveryLogStore creates a store holding at most maxLogs entries.
func NewDeliveryLogStore(maxLogs int) *DeliveryLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &DeliveryLogStore{
		logs:    make(map[string]*DeliveryLog),
		maxLogs: maxLogs,
	}
}

// Add stores a log, evicting the oldest tenth when full.
func (s *DeliveryLogStore) Add(log *DeliveryLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) >= s.maxLogs {
		s.evictOldest()
	}
	s.logs[log.ID] = log
}

// Update replaces a stored log.
func (s *DeliveryLogStore) Update(log *DeliveryLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[log.ID] = log
}

// Get returns a copy of a log.
func (s *DeliveryLogStore) Get(id string) (DeliveryLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[id]
	if !ok {
		return DeliveryLog{}, false
	}
	return *log, true
}

// ByEndpoint returns copies of an endpoint's logs, newest first.
func (s *DeliveryLogStore) ByEndpoint(endpointID string, limit int) []DeliveryLog {
	return s.collect(func(l *DeliveryLog) bool { return l.EndpointID == endpointID }, limit)
}

// ByEvent returns copies of the logs for one event, newest first.
func (s *DeliveryLogStore) ByEvent(eventID string) []DeliveryLog {
	return s.collect(func(l *DeliveryLog) bool { return l.EventID == eventID }, 0)
}

func (s *DeliveryLogStore) collect(match func(*DeliveryLog) bool, limit int) []DeliveryLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DeliveryLog
	for _, l := range s.logs {
		if match(l) {
			out = append(out, *l)
		}
	}
	slices.SortFunc(out, func(a, b DeliveryLog) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// pendingRetries returns the logs due for redelivery at now. The returned pointers are
// owned by the caller until passed back through Update.
func (s *DeliveryLogStore) pendingRetries(now time.Time) []*DeliveryLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DeliveryLog
	for _, l := range s.logs {
		if l.Status == DeliveryStatusRetrying && l.NextRetryAt != nil && !l.NextRetryAt.After(now) {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out
}

func (s *DeliveryLogStore) evictOldest() {
	logs := make([]*DeliveryLog, 0, len(s.logs))
	for _, l := range s.logs {
		logs = append(logs, l)
	}
	slices.SortFunc(logs, func(a, b *DeliveryLog) int { return a.CreatedAt.Compare(b.CreatedAt) })
	n := max(len(logs)/10, 1)
	for _, l := range logs[:n] {
		delete(s.logs, l.ID)
	}
}

// DeliveryStats summarizes an endpoint's deliveries.
type DeliveryStats struct {
	EndpointID      string        `json:"endpoint_id"`
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Retrying        int           `json:"retrying"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}

// Stats returns delivery statistics for an endpoint.
func (s *DeliveryLogStore) Stats(endpointID string) DeliveryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := DeliveryStats{EndpointID: endpointID}
	var total time.Duration
	for _, l := range s.logs {
		if l.EndpointID != endpointID {
			continue
		}
		stats.Total++
		switch l.Status {
		case DeliveryStatusSuccess:
			stats.Successful++
			total += l.Duration
		case DeliveryStatusFailed:
			stats.Failed++
		case DeliveryStatusRetrying:
			stats.Retrying++
		}
	}
	if stats.Successful > 0 {
		stats.AverageDuration = total / time.Duration(stats.Successful)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats
}
