package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridstream/gridstream/pkg/gridstream/config"
)

func TestDottedLookup(t *testing.T) {
	cfg := config.New(map[string]any{
		"outbox": map[string]any{
			"poll-interval": "2s",
			"max-retries":   7,
		},
		"flat.key": "direct",
	})

	assert.Equal(t, 2*time.Second, cfg.Duration("outbox.poll-interval", time.Second))
	assert.Equal(t, 7, cfg.Int("outbox.max-retries", 5))
	assert.Equal(t, "direct", cfg.String("flat.key", ""))
	assert.False(t, cfg.Has("outbox.missing"))
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want time.Duration
	}{
		{"string form", map[string]any{"d": "500ms"}, 500 * time.Millisecond},
		{"int seconds", map[string]any{"d": 3}, 3 * time.Second},
		{"float seconds", map[string]any{"d": 1.5}, 1500 * time.Millisecond},
		{"missing", map[string]any{}, time.Minute},
		{"garbage", map[string]any{"d": "not-a-duration"}, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(tt.data)
			assert.Equal(t, tt.want, cfg.Duration("d", time.Minute))
		})
	}
}

func TestSub(t *testing.T) {
	cfg := config.New(map[string]any{
		"resilience": map[string]any{
			"instances": map[string]any{
				"payment-gateway": map[string]any{
					"maxAttempts": 5,
				},
			},
		},
	})

	instances := cfg.Sub("resilience.instances")
	require.Contains(t, instances.Raw(), "payment-gateway")
	assert.Equal(t, 5, instances.Sub("payment-gateway").Int("maxAttempts", 3))

	empty := cfg.Sub("no.such.section")
	assert.Empty(t, empty.Raw())
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
pipeline:
  parallelism: 4
dlq:
  enabled: false
`))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Int("pipeline.parallelism", 16))
	assert.False(t, cfg.Bool("dlq.enabled", true))

	_, err = config.FromYAML([]byte("\t- not yaml"))
	assert.Error(t, err)
}

func TestFromJSON(t *testing.T) {
	cfg, err := config.FromJSON([]byte(`{"outbox": {"batch-size": 50}}`))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Int("outbox.batch-size", 100))

	_, err = config.FromJSON([]byte("{broken"))
	assert.Error(t, err)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yml := filepath.Join(dir, "service.yaml")
	require.NoError(t, os.WriteFile(yml, []byte("pipeline:\n  parallelism: 2\n"), 0o644))
	cfg, err := config.FromFile(yml)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Int("pipeline.parallelism", 16))

	jsn := filepath.Join(dir, "service.json")
	require.NoError(t, os.WriteFile(jsn, []byte(`{"dlq": {"enabled": false}}`), 0o644))
	cfg, err = config.FromFile(jsn)
	require.NoError(t, err)
	assert.False(t, cfg.Bool("dlq.enabled", true))

	ini := filepath.Join(dir, "service.ini")
	require.NoError(t, os.WriteFile(ini, []byte("x=1"), 0o644))
	_, err = config.FromFile(ini)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".ini")

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestMergeLayersOverlayOnBase(t *testing.T) {
	base := config.New(map[string]any{
		"outbox": map[string]any{
			"poll-interval": "5s",
			"batch-size":    100,
		},
		"dlq": map[string]any{"enabled": true},
	})
	overlay := config.New(map[string]any{
		"outbox": map[string]any{
			"poll-interval": "500ms",
		},
		"pipeline": map[string]any{"parallelism": 4},
	})

	merged := config.Merge(base, overlay)
	assert.Equal(t, 500*time.Millisecond, merged.Duration("outbox.poll-interval", 0),
		"overlay wins on conflict")
	assert.Equal(t, 100, merged.Int("outbox.batch-size", 0), "untouched base keys survive")
	assert.True(t, merged.Bool("dlq.enabled", false))
	assert.Equal(t, 4, merged.Int("pipeline.parallelism", 0))

	// Neither input is mutated by the merge.
	assert.Equal(t, 5*time.Second, base.Duration("outbox.poll-interval", 0))
	assert.False(t, overlay.Has("dlq.enabled"))
}
