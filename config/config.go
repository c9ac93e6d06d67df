package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	Server      ServerConfig
	Redis       RedisConfig
	Presence    PresenceConfig
	Participant ParticipantConfig
	Log         LogConfig
	Kafka       KafkaConfig
}

type ServerConfig struct {
	GRpcPort    int
	MetricsPort int
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

type PresenceConfig struct {
	ChannelPrefix     string
	MaxAge            time.Duration
	RecheckDelays     []time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	SweepInterval     time.Duration
	CloseTimeout      time.Duration
	UniqueSessionKeys bool
	SingleActive      bool
	EditMarkerTTL     time.Duration
	CommitHistorySize int
}

type ParticipantConfig struct {
	Name string
}

type KafkaConfig struct {
	Brokers              []string
	ProducerRetryMax     int
	ProducerRequiredAcks int
	Enabled              bool
	ConsumerGroupID      string
	TopicActCommitted    string
}

type LogConfig struct {
	Level    string
	Mode     string
	Encoding string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("ENV", "development"),
		Server: ServerConfig{
			GRpcPort:    getEnvAsInt("SERVER_GRPC_PORT", 50057),
			MetricsPort: getEnvAsInt("SERVER_METRICS_PORT", 9107),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			MaxRetries:   getEnvAsInt("REDIS_MAX_RETRIES", 3),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 2),
		},
		Presence: DefaultPresenceConfig(),
		Participant: ParticipantConfig{
			Name: getEnv("PARTICIPANT_NAME", defaultParticipantName()),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Mode:     getEnv("LOG_MODE", "development"),
			Encoding: getEnv("LOG_ENCODING", "console"),
		},
		Kafka: KafkaConfig{
			Brokers:              getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			ProducerRetryMax:     getEnvAsInt("KAFKA_PRODUCER_RETRY_MAX", 3),
			ProducerRequiredAcks: getEnvAsInt("KAFKA_PRODUCER_REQUIRED_ACKS", 1),
			Enabled:              getEnvAsBool("KAFKA_ENABLED", false),
			ConsumerGroupID:      getEnv("KAFKA_CONSUMER_GROUP_ID", "actpresence-history"),
			TopicActCommitted:    getEnv("KAFKA_TOPIC_ACT_COMMITTED", "act.committed"),
		},
	}

	p := &cfg.Presence
	p.ChannelPrefix = getEnv("PRESENCE_CHANNEL_PREFIX", p.ChannelPrefix)
	p.MaxAge = getEnvAsDuration("PRESENCE_MAX_AGE", p.MaxAge)
	p.RecheckDelays = getEnvAsDurationSlice("PRESENCE_RECHECK_DELAYS", p.RecheckDelays)
	p.HeartbeatInterval = getEnvAsDuration("PRESENCE_HEARTBEAT_INTERVAL", p.HeartbeatInterval)
	p.HeartbeatTTL = getEnvAsDuration("PRESENCE_HEARTBEAT_TTL", p.HeartbeatTTL)
	p.SweepInterval = getEnvAsDuration("PRESENCE_SWEEP_INTERVAL", p.SweepInterval)
	p.CloseTimeout = getEnvAsDuration("PRESENCE_CLOSE_TIMEOUT", p.CloseTimeout)
	p.UniqueSessionKeys = getEnvAsBool("PRESENCE_UNIQUE_SESSION_KEYS", p.UniqueSessionKeys)
	p.SingleActive = getEnvAsBool("PRESENCE_SINGLE_ACTIVE", p.SingleActive)
	p.EditMarkerTTL = getEnvAsDuration("PRESENCE_EDIT_MARKER_TTL", p.EditMarkerTTL)
	p.CommitHistorySize = getEnvAsInt("PRESENCE_COMMIT_HISTORY_SIZE", p.CommitHistorySize)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultPresenceConfig returns the presence settings used when no environment
// overrides are present.
func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		ChannelPrefix:     "act",
		MaxAge:            2 * time.Hour,
		RecheckDelays:     []time.Duration{1 * time.Second, 2500 * time.Millisecond},
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTTL:      45 * time.Second,
		SweepInterval:     1 * time.Minute,
		CloseTimeout:      2 * time.Second,
		UniqueSessionKeys: false,
		SingleActive:      true,
		EditMarkerTTL:     10 * time.Second,
		CommitHistorySize: 50,
	}
}

func (c *Config) Validate() error {
	if c.Server.GRpcPort <= 0 || c.Server.GRpcPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.GRpcPort)
	}

	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Participant.Name == "" {
		return fmt.Errorf("participant name is required")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}

	return c.Presence.Validate()
}

func (p PresenceConfig) Validate() error {
	if p.MaxAge <= 0 {
		return fmt.Errorf("presence max age must be positive, got %s", p.MaxAge)
	}

	if len(p.RecheckDelays) < 2 {
		return fmt.Errorf("at least two presence recheck delays are required, got %d", len(p.RecheckDelays))
	}

	for _, d := range p.RecheckDelays {
		if d <= 0 {
			return fmt.Errorf("presence recheck delay must be positive, got %s", d)
		}
	}

	if p.HeartbeatInterval <= 0 || p.HeartbeatTTL <= p.HeartbeatInterval {
		return fmt.Errorf("presence heartbeat ttl (%s) must exceed heartbeat interval (%s)", p.HeartbeatTTL, p.HeartbeatInterval)
	}

	return nil
}

func defaultParticipantName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	// Split by comma
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return defaultValue
	}

	return result
}

// A single malformed entry discards the whole override.
func getEnvAsDurationSlice(key string, defaultValue []time.Duration) []time.Duration {
	parts := getEnvAsSlice(key, nil)
	if len(parts) == 0 {
		return defaultValue
	}

	result := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(p)
		if err != nil {
			return defaultValue
		}
		result = append(result, d)
	}

	return result
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
