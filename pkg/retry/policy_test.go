package retry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dunning/pkg/observability"
)

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"zero immediate delay", func(p *Policy) { p.ImmediateDelay = 0 }},
		{"no stage 1 tries", func(p *Policy) { p.Stage1MaxPerMethod = 0 }},
		{"zero grace interval", func(p *Policy) { p.GraceInterval = 0 }},
		{"grace shorter than interval", func(p *Policy) { p.GraceDuration = time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func writePolicy(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// replacePolicy swaps the file in one rename so the watcher never sees a half-written file.
func replacePolicy(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry.yaml")
	writePolicy(t, path, "immediate_delay: 30m\nstage1_max_per_method: 2\n")

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, p.ImmediateDelay)
	assert.Equal(t, 2, p.Stage1MaxPerMethod)
	assert.Equal(t, 24*time.Hour, p.GraceInterval, "missing fields keep defaults")
	assert.Equal(t, 168*time.Hour, p.GraceDuration)

	writePolicy(t, path, "grace_interval: 48h\ngrace_duration: 24h\n")
	_, err = LoadPolicy(path)
	assert.Error(t, err)

	writePolicy(t, path, "immediate_delay: [not, a, duration]\n")
	_, err = LoadPolicy(path)
	assert.Error(t, err)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPolicyStore_Set(t *testing.T) {
	store := NewPolicyStore(DefaultPolicy())
	bad := DefaultPolicy()
	bad.Stage1MaxPerMethod = 0
	assert.Error(t, store.Set(bad))
	assert.Equal(t, 3, store.Current().Stage1MaxPerMethod)

	good := DefaultPolicy()
	good.Stage1MaxPerMethod = 5
	require.NoError(t, store.Set(good))
	assert.Equal(t, 5, store.Current().Stage1MaxPerMethod)
}

func TestPolicyStore_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "retry.yaml")
	writePolicy(t, path, "stage1_max_per_method: 3\n")
	store := NewPolicyStore(DefaultPolicy())
	require.NoError(t, store.Watch(ctx, path, observability.NopLogger()))

	replacePolicy(t, path, "stage1_max_per_method: 4\ngrace_duration: 72h\n")
	require.Eventually(t, func() bool {
		return store.Current().Stage1MaxPerMethod == 4
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 72*time.Hour, store.Current().GraceDuration)

	// a broken file leaves the last good policy in place
	replacePolicy(t, path, "stage1_max_per_method: 0\n")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 4, store.Current().Stage1MaxPerMethod)
}
