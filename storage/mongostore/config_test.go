package mongostore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsToFive(t *testing.T) {
	os.Unsetenv("RATEKEEP_MONGO_MAX_WRITE_CONFLICT_RETRIES")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxWriteConflictRetries)
}

func TestLoadConfig_ReadsEnvOverride(t *testing.T) {
	t.Setenv("RATEKEEP_MONGO_MAX_WRITE_CONFLICT_RETRIES", "2")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxWriteConflictRetries)
}
