package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, BackendMemory, cfg.Backends.DocStore)
	assert.Equal(t, BackendMemory, cfg.Backends.Stream)
	assert.Equal(t, 15, cfg.Tracking.Steps)
	assert.Equal(t, 60*time.Millisecond, cfg.Tracking.StepInterval)
	assert.Equal(t, 30*time.Second, cfg.Tracking.StaleAfter)
	assert.Equal(t, time.Minute, cfg.Tracking.EndGrace)
	assert.Equal(t, 5, cfg.Pool.JoinAttempts)
	assert.False(t, cfg.Notification.ToastBacklog)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CAMPUSRIDE_DOCSTORE", BackendFirestore)
	t.Setenv("CAMPUSRIDE_TRACK_STEPS", "30")
	t.Setenv("CAMPUSRIDE_TRACK_STALE_AFTER", "45s")
	t.Setenv("CAMPUSRIDE_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("CAMPUSRIDE_TOAST_BACKLOG", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendFirestore, cfg.Backends.DocStore)
	assert.Equal(t, 30, cfg.Tracking.Steps)
	assert.Equal(t, 45*time.Second, cfg.Tracking.StaleAfter)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Notification.ToastBacklog)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("CAMPUSRIDE_TRACK_STEPS", "-3")
	t.Setenv("CAMPUSRIDE_TRACK_STEP_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Tracking.Steps)
	assert.Equal(t, 60*time.Millisecond, cfg.Tracking.StepInterval)
}
