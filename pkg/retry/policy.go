package retry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/dunning/pkg/observability"
)

// Policy holds the recovery timing knobs.
type Policy struct {
	// ImmediateDelay separates stage-1 retries.
	ImmediateDelay time.Duration `yaml:"immediate_delay"`
	// Stage1MaxPerMethod caps stage-1 tries per payment method.
	Stage1MaxPerMethod int `yaml:"stage1_max_per_method"`
	// GraceInterval separates grace-period retries.
	GraceInterval time.Duration `yaml:"grace_interval"`
	// GraceDuration is how long the grace period lasts before escalation.
	GraceDuration time.Duration `yaml:"grace_duration"`
}

// DefaultPolicy returns the standard schedule: three hourly tries per method, then a
// week of daily retries.
func DefaultPolicy() Policy {
	return Policy{
		ImmediateDelay:     time.Hour,
		Stage1MaxPerMethod: 3,
		GraceInterval:      24 * time.Hour,
		GraceDuration:      7 * 24 * time.Hour,
	}
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.ImmediateDelay <= 0 {
		return fmt.Errorf("immediate_delay must be positive, got %v", p.ImmediateDelay)
	}
	if p.Stage1MaxPerMethod < 1 {
		return fmt.Errorf("stage1_max_per_method must be at least 1, got %d", p.Stage1MaxPerMethod)
	}
	if p.GraceInterval <= 0 {
		return fmt.Errorf("grace_interval must be positive, got %v", p.GraceInterval)
	}
	if p.GraceDuration < p.GraceInterval {
		return fmt.Errorf("grace_duration (%v) must be at least grace_interval (%v)", p.GraceDuration, p.GraceInterval)
	}
	return nil
}

// LoadPolicy reads a YAML policy file. Fields missing from the file keep their defaults.
//
//	immediate_delay: 1h
//	stage1_max_per_method: 3
//	grace_interval: 24h
//	grace_duration: 168h
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read retry policy: %w", err)
	}
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse retry policy %s: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid retry policy %s: %w", path, err)
	}
	return policy, nil
}

// PolicyStore hands out the current policy and lets it be swapped at runtime.
type PolicyStore struct {
	current atomic.Pointer[Policy]
}

// NewPolicyStore creates a store holding p.
func NewPolicyStore(p Policy) *PolicyStore {
	s := &PolicyStore{}
	s.current.Store(&p)
	return s
}

// Current returns the policy in effect.
func (s *PolicyStore) Current() Policy {
	return *s.current.Load()
}

// Set replaces the policy after validating it.
func (s *PolicyStore) Set(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.current.Store(&p)
	return nil
}

// Watch reloads the policy whenever the file at path is written or replaced, until ctx
// is cancelled. Invalid files are logged and ignored; the previous policy stays in effect.
// The containing directory is watched so editors that rename over the file still trigger
// a reload.
func (s *PolicyStore) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	logger = logger.WithField("policy_file", path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				policy, err := LoadPolicy(path)
				if err != nil {
					logger.WithError(err).Warn("Ignoring retry policy update")
					continue
				}
				if err := s.Set(policy); err != nil {
					logger.WithError(err).Warn("Ignoring retry policy update")
					continue
				}
				logger.WithFields(map[string]interface{}{
					"immediate_delay":       policy.ImmediateDelay.String(),
					"stage1_max_per_method": policy.Stage1MaxPerMethod,
					"grace_interval":        policy.GraceInterval.String(),
					"grace_duration":        policy.GraceDuration.String(),
				}).Info("Retry policy reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, context.Canceled) {
					logger.WithError(err).Warn("Policy watcher error")
				}
			}
		}
	}()
	return nil
}
