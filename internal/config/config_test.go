package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("PROJECT_ID", "test-project")
	t.Setenv("PROCESSED_BUCKET", "processed")
	t.Setenv("QUARANTINE_BUCKET", "quarantine")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendFirestore, cfg.CoordinationBackend)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL)
	assert.Equal(t, time.Minute, cfg.HeartbeatInterval)
	assert.Equal(t, 2, cfg.MalformedOutputRetries)
	assert.Equal(t, 5, cfg.RateLimitedRetries)
	assert.Equal(t, 3, cfg.TransientServerRetries)
	assert.Zero(t, cfg.ValidationRetries)
	assert.Equal(t, 0.85, cfg.ConfidenceThreshold)
	assert.Equal(t, []string{"engineering_drawing", "handwritten", "scanned_form"}, cfg.FragileDocumentTypes)
	assert.Equal(t, "Australia/Sydney", cfg.Location().String())

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("COORDINATION_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOCK_TTL", "90s")
	t.Setenv("HEARTBEAT_INTERVAL", "20s")
	t.Setenv("FRAGILE_DOCUMENT_TYPES", "handwritten")
	t.Setenv("DAILY_ESCALATION_LIMIT", "0")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.CoordinationBackend)
	assert.Equal(t, 90*time.Second, cfg.LockTTL)
	assert.Equal(t, []string{"handwritten"}, cfg.FragileDocumentTypes)
	assert.Zero(t, cfg.DailyEscalationLimit)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing project", env: map[string]string{"PROJECT_ID": ""}},
		{name: "missing quarantine bucket", env: map[string]string{"QUARANTINE_BUCKET": ""}},
		{name: "unknown backend", env: map[string]string{"COORDINATION_BACKEND": "etcd"}},
		{name: "redis without url", env: map[string]string{"COORDINATION_BACKEND": "redis"}},
		{name: "heartbeat not shorter than ttl", env: map[string]string{"LOCK_TTL": "1m", "HEARTBEAT_INTERVAL": "1m"}},
		{name: "margin exceeds timeout", env: map[string]string{"EXECUTION_TIMEOUT": "30s", "SAFETY_MARGIN": "30s"}},
		{name: "bad timezone", env: map[string]string{"BUDGET_TIMEZONE": "Mars/Olympus"}},
		{name: "negative cap", env: map[string]string{"RATE_LIMITED_RETRIES": "-1"}},
		{name: "negative limit", env: map[string]string{"MONTHLY_ESCALATION_LIMIT": "-1"}},
		{name: "threshold out of range", env: map[string]string{"CONFIDENCE_THRESHOLD": "1.5"}},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "verbose"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
