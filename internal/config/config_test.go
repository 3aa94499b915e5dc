package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 10, cfg.PollConcurrency)
	assert.Equal(t, 60*time.Second, cfg.ScheduleInterval)
	assert.Equal(t, 5*time.Minute, cfg.DedupWindow)
	assert.Equal(t, 30*time.Second, cfg.BackfillInterval)
	assert.Equal(t, 5, cfg.BackfillMaxRuns)
	assert.Equal(t, 10, cfg.BackfillMaxSegments)
	assert.Equal(t, 10*time.Minute, cfg.TokenMinValidity)
	assert.Equal(t, 600*time.Second, cfg.TokenSweepInterval)
	assert.Equal(t, 3, cfg.SyncMaxAttempts)
	assert.Equal(t, time.Minute, cfg.SyncBackoffBase)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "5s")
	t.Setenv("POLL_CONCURRENCY", "3")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("GATEWAY_RPS", "2.5")

	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.PollConcurrency)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 2.5, cfg.GatewayRPS)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Load()
	cfg.PollConcurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.ScheduleInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.StoreDriver = "sqlite"
	assert.Error(t, cfg.Validate())
}
