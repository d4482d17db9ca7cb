package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"viewport-engine/src/config"
	engerrors "viewport-engine/src/internal/errors"
)

func quickOptions() SimulateOptions {
	return SimulateOptions{
		Items:        300,
		Steps:        10,
		StepDistance: 80,
		Interval:     time.Millisecond,
		SettleTicks:  30,
		Format:       FormatJSON,
		Seed:         7,
	}
}

func TestRunSimulationWritesSnapshot(t *testing.T) {
	opts := quickOptions()
	opts.Jumps = []string{"M"}

	var out bytes.Buffer
	require.NoError(t, RunSimulation(context.Background(), config.GetDefaultConfig(), opts, &out))

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap))
	assert.EqualValues(t, 300, snap["items"])
	assert.Equal(t, "M", snap["section"])
	assert.Equal(t, "closed", snap["circuit"])
	assert.NotEmpty(t, snap["generation"])
	assert.Greater(t, snap["held"], float64(0))
}

func TestRunSimulationYAML(t *testing.T) {
	opts := quickOptions()
	opts.Format = FormatYAML
	opts.FailureRate = 1
	opts.SettleTicks = 60

	var out bytes.Buffer
	require.NoError(t, RunSimulation(context.Background(), nil, opts, &out))

	var snap map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &snap))
	assert.Equal(t, 300, snap["items"])
	assert.Greater(t, snap["placeholders"], 0)
}

func TestRunSimulationUnknownJump(t *testing.T) {
	opts := quickOptions()
	opts.Jumps = []string{"Ω"}

	err := RunSimulation(context.Background(), nil, opts, &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, engerrors.ErrUnknownSection)
}

func TestRunSimulationCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunSimulation(ctx, nil, quickOptions(), &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulateOptionsValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SimulateOptions)
		errMsg string
	}{
		{"no items", func(o *SimulateOptions) { o.Items = 0 }, "--items"},
		{"negative steps", func(o *SimulateOptions) { o.Steps = -1 }, "--steps"},
		{"failure rate above one", func(o *SimulateOptions) { o.FailureRate = 1.5 }, "--failure-rate"},
		{"unknown format", func(o *SimulateOptions) { o.Format = "toml" }, "unsupported --format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := quickOptions()
			tt.mutate(&opts)
			err := opts.normalize()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	opts := quickOptions()
	opts.Interval = 0
	opts.Format = ""
	require.NoError(t, opts.normalize())
	assert.Equal(t, defaultInterval, opts.Interval)
	assert.Equal(t, FormatYAML, opts.Format)
}

func TestGenerateContactsDeterministic(t *testing.T) {
	a := generateContacts(50, 0.3, 42)
	b := generateContacts(50, 0.3, 42)
	assert.Equal(t, a, b)

	failing := 0
	for _, it := range generateContacts(1000, 0.3, 1) {
		if it.(contact).fail {
			failing++
		}
	}
	assert.InDelta(t, 300, failing, 60)
	assert.Empty(t, generateContacts(0, 0, 1))
}

func TestInitAndShowConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, InitConfig(path, false))
	_, err := os.Stat(path)
	require.NoError(t, err)

	err = InitConfig(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	require.NoError(t, InitConfig(path, true))

	var out bytes.Buffer
	require.NoError(t, ShowConfig(path, &out))
	assert.Contains(t, out.String(), "engine:")
	assert.Contains(t, out.String(), "max_batch_size:")
}

func TestLoadConfigWithFallback(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("engine: ["), 0644))
	assert.Equal(t, config.GetDefaultConfig(), LoadConfigWithFallback(bad))

	custom := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(custom, []byte("logging:\n  level: debug\n"), 0644))
	cfg := LoadConfigWithFallback(custom)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, config.GetDefaultConfig().Engine, cfg.Engine)
}
