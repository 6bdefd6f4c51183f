package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsStepsInOrder(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"engine", "webhooks", "store"} {
		name := name
		sm.Register(name, func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"engine", "webhooks", "store"}, order)

	// a second call does not run the steps again
	require.NoError(t, sm.Shutdown())
	assert.Len(t, order, 3)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	boom := errors.New("boom")
	ran := false
	sm.Register("engine", func(context.Context) error { return boom })
	sm.Register("store", func(context.Context) error { ran = true; return nil })

	err := sm.Shutdown()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "engine")
	assert.True(t, ran, "a failing step does not stop the rest")
}

func TestShutdownManager_Timeout(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), 20*time.Millisecond)
	sm.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	skipped := true
	sm.Register("never", func(context.Context) error { skipped = false; return nil })

	err := sm.Shutdown()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, skipped)
}

func TestShutdownManager_StopsServers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Addr: ln.Addr().String(), Handler: http.NotFoundHandler()}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	sm := NewShutdownManager(NopLogger(), time.Second, srv)
	require.NoError(t, sm.Shutdown())
	assert.ErrorIs(t, <-served, http.ErrServerClosed)
}

func TestShutdownManager_WaitForShutdownOnContext(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	done := false
	sm.Register("engine", func(context.Context) error { done = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.WaitForShutdown(ctx))
	assert.True(t, done)
}

func TestRecoverPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		defer RecoverPanic(NopLogger(), "charge")
		panic("gateway exploded")
	})

	called := false
	assert.NotPanics(t, func() {
		defer RecoverPanicWithCallback(NopLogger(), "webhook", func() { called = true })
		panic("bad payload")
	})
	assert.True(t, called)

	assert.EqualError(t, MustRecover("boom"), "panic: boom")
	assert.NoError(t, MustRecover(nil))
}
