package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type shutdownStep struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager stops a process in order: HTTP servers first so no new commands
// arrive, then the registered steps in registration order, all under one deadline.
type ShutdownManager struct {
	logger          *Logger
	servers         []*http.Server
	steps           []shutdownStep
	shutdownTimeout time.Duration
	mu              sync.Mutex
	once            sync.Once
	err             error
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration, servers ...*http.Server) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          logger,
		servers:         servers,
		shutdownTimeout: timeout,
	}
}

// Register adds a named step, e.g. stopping the recovery engine or flushing webhooks.
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, shutdownStep{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT, SIGTERM or ctx is done, then shuts down.
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		sm.logger.Infof("Received signal %s, starting graceful shutdown", sig)
	case <-ctx.Done():
		sm.logger.Info("Context done, starting graceful shutdown")
	}
	return sm.Shutdown()
}

// Shutdown runs the shutdown sequence once; later calls return the first result.
func (sm *ShutdownManager) Shutdown() error {
	sm.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
		defer cancel()
		sm.err = sm.run(ctx)
	})
	return sm.err
}

func (sm *ShutdownManager) run(ctx context.Context) error {
	var errs []error

	for _, srv := range sm.servers {
		sm.logger.WithField("addr", srv.Addr).Info("Shutting down HTTP server")
		if err := srv.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server shutdown error")
			errs = append(errs, fmt.Errorf("http server %s: %w", srv.Addr, err))
		}
	}

	sm.mu.Lock()
	steps := append([]shutdownStep(nil), sm.steps...)
	sm.mu.Unlock()

	for _, step := range steps {
		if ctx.Err() != nil {
			sm.logger.Warn("Shutdown timeout reached, skipping remaining steps")
			errs = append(errs, fmt.Errorf("shutdown timeout reached before %s", step.name))
			break
		}
		if err := step.fn(ctx); err != nil {
			sm.logger.WithError(err).Errorf("Shutdown step %s failed", step.name)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		sm.logger.Infof("Shutdown step %s complete", step.name)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}
