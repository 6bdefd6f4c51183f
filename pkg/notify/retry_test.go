package notify

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRetryPolicy_Defaults(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: -1, BackoffMultiplier: 0.5})
	assert.Equal(t, DefaultRetryConfig(), p.config)

	p = NewRetryPolicy(RetryConfig{MaxAttempts: 3, InitialDelay: 2 * time.Second, MaxDelay: time.Minute, BackoffMultiplier: 1.5})
	assert.Equal(t, 3, p.config.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.config.InitialDelay)
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 3})
	failure := errors.New("connection refused")

	assert.False(t, p.ShouldRetry(1, nil))
	assert.True(t, p.ShouldRetry(1, failure))
	assert.True(t, p.ShouldRetry(2, failure))
	assert.False(t, p.ShouldRetry(3, failure))
}

func TestRetryPolicy_NextRetryDelay(t *testing.T) {
	p := NewRetryPolicy(DefaultRetryConfig())
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{12, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.NextRetryDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}
