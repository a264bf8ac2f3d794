package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port             string   `yaml:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	Environment      string   `yaml:"environment"`
	LogLevel         string   `yaml:"log_level"`

	DatabaseURL   string `yaml:"database_url"`
	RedisHost     string `yaml:"redis_host"`
	RedisPort     string `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaGroupID string   `yaml:"kafka_group_id"`

	// FeedBroker is "redis" when every node shares one change feed, or
	// "memory" when each node keeps its own and Kafka carries changes between them.
	FeedBroker string `yaml:"feed_broker"`
	// NodeID tells this node's events apart from its siblings'. Generated when empty.
	NodeID string `yaml:"node_id"`

	Presence  PresenceConfig  `yaml:"presence"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// PresenceConfig holds every timing knob of the presence/typing/assignment layer.
type PresenceConfig struct {
	RecencyWindow          time.Duration `yaml:"recency_window"`
	ChannelTTL             time.Duration `yaml:"channel_ttl"`
	TypingIndicatorTimeout time.Duration `yaml:"typing_indicator_timeout"`
	TypingThrottle         time.Duration `yaml:"typing_throttle"`
	ResolverPollInterval   time.Duration `yaml:"resolver_poll_interval"`
	AgentInactivityTimeout time.Duration `yaml:"agent_inactivity_timeout"`
	AwayGracePeriod        time.Duration `yaml:"away_grace_period"`
	SweepSchedule          string        `yaml:"sweep_schedule"`
}

type RateLimitConfig struct {
	LoginAttempts int           `yaml:"login_attempts"`
	LoginWindow   time.Duration `yaml:"login_window"`
}

func defaults() *Config {
	return &Config{
		Port:           "8082",
		AllowedOrigins: []string{"*"},
		Environment:    "development",
		LogLevel:       "info",
		RedisHost:      "localhost",
		RedisPort:      "6379",
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaGroupID:   "livechat-presence-group",
		FeedBroker:     "redis",
		Presence: PresenceConfig{
			RecencyWindow:          5 * time.Minute,
			ChannelTTL:             30 * time.Second,
			TypingIndicatorTimeout: 5 * time.Second,
			TypingThrottle:         500 * time.Millisecond,
			ResolverPollInterval:   5 * time.Second,
			AgentInactivityTimeout: 5 * time.Minute,
			AwayGracePeriod:        2 * time.Minute,
			SweepSchedule:          "@every 1m",
		},
		RateLimit: RateLimitConfig{
			LoginAttempts: 5,
			LoginWindow:   15 * time.Minute,
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and finally environment variables.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.AllowCredentials = getEnv("ALLOW_CREDENTIALS", boolString(cfg.AllowCredentials)) == "true"
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisHost = getEnv("REDIS_HOST", cfg.RedisHost)
	cfg.RedisPort = getEnv("REDIS_PORT", cfg.RedisPort)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.KafkaGroupID = getEnv("KAFKA_GROUP_ID", cfg.KafkaGroupID)
	cfg.FeedBroker = strings.ToLower(getEnv("FEED_BROKER", cfg.FeedBroker))
	cfg.NodeID = getEnv("NODE_ID", cfg.NodeID)

	p := &cfg.Presence
	p.RecencyWindow = getDuration("PRESENCE_RECENCY_WINDOW", p.RecencyWindow)
	p.ChannelTTL = getDuration("PRESENCE_CHANNEL_TTL", p.ChannelTTL)
	p.TypingIndicatorTimeout = getDuration("TYPING_INDICATOR_TIMEOUT", p.TypingIndicatorTimeout)
	p.TypingThrottle = getDuration("TYPING_THROTTLE", p.TypingThrottle)
	p.ResolverPollInterval = getDuration("RESOLVER_POLL_INTERVAL", p.ResolverPollInterval)
	p.AgentInactivityTimeout = getDuration("AGENT_INACTIVITY_TIMEOUT", p.AgentInactivityTimeout)
	p.AwayGracePeriod = getDuration("AWAY_GRACE_PERIOD", p.AwayGracePeriod)
	p.SweepSchedule = getEnv("PRESENCE_SWEEP_SCHEDULE", p.SweepSchedule)

	cfg.RateLimit.LoginWindow = getDuration("LOGIN_RATE_LIMIT_WINDOW", cfg.RateLimit.LoginWindow)
	if n, err := strconv.Atoi(os.Getenv("LOGIN_RATE_LIMIT_ATTEMPTS")); err == nil && n > 0 {
		cfg.RateLimit.LoginAttempts = n
	}

	if cfg.FeedBroker != "redis" && cfg.FeedBroker != "memory" {
		return nil, fmt.Errorf("FEED_BROKER must be redis or memory, got %q", cfg.FeedBroker)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(raw string) []string {
	items := strings.Split(raw, ",")
	for i, item := range items {
		items[i] = strings.TrimSpace(item)
	}
	return items
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// GetCORSOrigins returns CORS origins as a comma-separated string
func (c *Config) GetCORSOrigins() string {
	if c.Environment == "production" && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

// SharedFeed reports whether all nodes publish change events to one broker.
func (c *Config) SharedFeed() bool {
	return c.FeedBroker == "redis"
}

// IsDevelopment returns true if environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
