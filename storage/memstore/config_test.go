package memstore

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsToNoSweep(t *testing.T) {
	os.Unsetenv("RATEKEEP_MEMSTORE_SWEEP_INTERVAL")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.SweepInterval)
}

func TestLoadConfig_ReadsEnvOverride(t *testing.T) {
	t.Setenv("RATEKEEP_MEMSTORE_SWEEP_INTERVAL", "30s")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
}

func TestWithConfig_AppliesSweepInterval(t *testing.T) {
	s := New(WithConfig(Config{SweepInterval: time.Minute}))
	defer s.Close()
	assert.Equal(t, time.Minute, s.sweepInterval)
}
