package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCoordinator(t *testing.T) {
	cfg := DefaultCoordinator()
	assert.Equal(t, 5*time.Minute, cfg.DefaultTrialDuration)
	assert.Equal(t, 30*time.Second, cfg.VoteTimeout)
	assert.Equal(t, 10*time.Minute, cfg.PaymentWatchdog)
	assert.Equal(t, 30*time.Second, cfg.ReturnGrace)
	assert.Equal(t, 90*time.Second, cfg.ArrivalGrace)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("COURTROOM_VOTE_TIMEOUT", "45s")
	t.Setenv("COURTROOM_TRIAL_DURATION", "10m")
	t.Setenv("PORT", "9090")

	cfg := FromEnv()
	assert.Equal(t, 45*time.Second, cfg.Coordinator.VoteTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Coordinator.DefaultTrialDuration)
	assert.Equal(t, "9090", cfg.Gateway.Port)
}

func TestFromEnvIgnoresInvalidDuration(t *testing.T) {
	t.Setenv("COURTROOM_VOTE_TIMEOUT", "soon")

	cfg := FromEnv()
	assert.Equal(t, 30*time.Second, cfg.Coordinator.VoteTimeout)
}

func TestLoadCoordinatorFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courtroom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vote_timeout: 1m\nreturn_grace: 15s\n"), 0o600))

	cfg := DefaultCoordinator()
	require.NoError(t, LoadCoordinatorFile(path, &cfg))

	assert.Equal(t, time.Minute, cfg.VoteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ReturnGrace)
	// Untouched knobs keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.DefaultTrialDuration)
}

func TestLoadCoordinatorFileMissing(t *testing.T) {
	cfg := DefaultCoordinator()
	assert.Error(t, LoadCoordinatorFile("/does/not/exist.yaml", &cfg))
}
