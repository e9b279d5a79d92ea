package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, TransportLocal, cfg.Transport)
	assert.Equal(t, "collab:", cfg.RedisPrefix)
	assert.Equal(t, 30*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Session.ActivityThrottle)
	assert.Equal(t, 50*time.Millisecond, cfg.Session.CursorThrottle)
	assert.Equal(t, 100*time.Millisecond, cfg.Session.SelectionThrottle)
	assert.Equal(t, 2*time.Second, cfg.Session.TypingTimeout)
	assert.Equal(t, 10*time.Second, cfg.Session.CursorStaleAfter)
	assert.Equal(t, 5*time.Second, cfg.Session.CursorSweepInterval)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("TRANSPORT", "Redis")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("CURSOR_THROTTLE", "not-a-duration")
	t.Setenv("TYPING_TIMEOUT", "-1s")
	t.Setenv("ENV", "production")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, TransportRedis, cfg.Transport)
	assert.Equal(t, 10*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Session.CursorThrottle)
	assert.Equal(t, 2*time.Second, cfg.Session.TypingTimeout)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_MissingSecretPanics(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	assert.Panics(t, func() { _, _ = Load() })
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{LogLevel: "debug", LogFormat: "json"}

	log := cfg.NewLogger()

	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	cfg := &Config{LogLevel: "loud", LogFormat: "text"}

	log := cfg.NewLogger()

	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}
