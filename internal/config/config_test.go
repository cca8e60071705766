package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "trigger_events", cfg.RabbitMQ.Queue)
	assert.Equal(t, 10, cfg.RabbitMQ.PrefetchCount)
	assert.Equal(t, 30*time.Second, cfg.OpenAI.Timeout())
	assert.Equal(t, 300, cfg.Context.WindowSeconds)
	assert.Equal(t, 100, cfg.Context.MaxEvents)
	assert.Equal(t, 3, cfg.Notification.MaxRetry)
	assert.Equal(t, 60, cfg.Notification.DefaultCooldown)
	assert.Equal(t, time.Second, cfg.Notification.RetryBaseDelay)
	assert.Equal(t, time.Minute, cfg.Notification.RetryMaxDelay)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "*/5 * * * * *", cfg.Scheduler.TickSchedule)
}

func TestCoreEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")
	t.Setenv("OPENAI_TIMEOUT", "45")
	t.Setenv("NOTIFICATION_DEFAULT_COOLDOWN", "120")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	assert.Equal(t, 45*time.Second, cfg.OpenAI.Timeout())
	assert.Equal(t, 120, cfg.Notification.DefaultCooldown)
}
