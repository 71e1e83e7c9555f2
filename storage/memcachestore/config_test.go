package memcachestore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsToTen(t *testing.T) {
	os.Unsetenv("RATEKEEP_MEMCACHED_MAX_CAS_RETRIES")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxCASRetries)
}

func TestLoadConfig_ReadsEnvOverride(t *testing.T) {
	t.Setenv("RATEKEEP_MEMCACHED_MAX_CAS_RETRIES", "3")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxCASRetries)
}

func TestWithConfig_AppliesMaxCASRetries(t *testing.T) {
	s := New(nil, WithConfig(Config{MaxCASRetries: 2}))
	assert.Equal(t, 2, s.maxCASRetries)
}

func TestWithMaxCASRetries_Overrides(t *testing.T) {
	s := New(nil, WithMaxCASRetries(7))
	assert.Equal(t, 7, s.maxCASRetries)
}
