package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Presence.RecencyWindow)
	assert.Equal(t, 5*time.Second, cfg.Presence.TypingIndicatorTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Presence.TypingThrottle)
	assert.Equal(t, 5*time.Second, cfg.Presence.ResolverPollInterval)
	assert.Equal(t, "*", cfg.GetCORSOrigins())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadConfig_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := []byte("port: \"9000\"\nenvironment: production\nallowed_origins: [\"https://shop.example\"]\npresence:\n  typing_indicator_timeout: 3s\n")
	require.NoError(t, os.WriteFile(path, yamlBody, 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	t.Setenv("AGENT_INACTIVITY_TIMEOUT", "90s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "https://shop.example", cfg.GetCORSOrigins())
	assert.Equal(t, 3*time.Second, cfg.Presence.TypingIndicatorTimeout)
	assert.Equal(t, 90*time.Second, cfg.Presence.AgentInactivityTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestLoadConfig_BadDurationKeepsDefault(t *testing.T) {
	t.Setenv("TYPING_THROTTLE", "soon")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Presence.TypingThrottle)
}

func TestLoadConfig_FeedBroker(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.SharedFeed())

	t.Setenv("FEED_BROKER", "Memory")
	t.Setenv("LOGIN_RATE_LIMIT_ATTEMPTS", "3")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.SharedFeed())
	assert.Equal(t, 3, cfg.RateLimit.LoginAttempts)

	t.Setenv("FEED_BROKER", "nats")
	_, err = LoadConfig()
	assert.Error(t, err)
}
