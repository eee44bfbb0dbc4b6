package platform

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adred-codev/ws_channels/internal/shared/types"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr           string        `env:"WS_ADDR" envDefault:":3002"`
	MaxConnections int           `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	MaxChannels    int           `env:"WS_MAX_CHANNELS" envDefault:"1000"`
	SendBuffer     int           `env:"WS_SEND_BUFFER" envDefault:"256"`
	WriteTimeout   time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
	ReadTimeout    time.Duration `env:"WS_READ_TIMEOUT" envDefault:"90s"`
	InstanceID     string        `env:"INSTANCE_ID"`

	// Per-connection inbound message limit (rate 0 disables)
	ClientMessageRate  float64 `env:"WS_CLIENT_MSG_RATE" envDefault:"10"`
	ClientMessageBurst int     `env:"WS_CLIENT_MSG_BURST" envDefault:"100"`

	// Heartbeat
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`

	// Authentication
	AuthMode  types.AuthMode `env:"AUTH_MODE" envDefault:"permissive"`
	JWTSecret string         `env:"JWT_SECRET"`

	// Routing policy
	AdminRoles    []string `env:"ADMIN_ROLES" envDefault:"admin,superadmin" envSeparator:","`
	ElevatedRoles []string `env:"ELEVATED_ROLES" envDefault:"manager,supervisor,coordinator,staff" envSeparator:","`
	HashReplicas  int      `env:"HASH_REPLICAS" envDefault:"150"`

	// Channel layout (count per type and nominal capacity per channel)
	ChannelsGeneral  int `env:"CHANNELS_GENERAL" envDefault:"4"`
	ChannelsUsers    int `env:"CHANNELS_USERS" envDefault:"3"`
	ChannelsPriority int `env:"CHANNELS_PRIORITY" envDefault:"2"`
	ChannelsAdmin    int `env:"CHANNELS_ADMIN" envDefault:"1"`
	CapacityGeneral  int `env:"CAPACITY_GENERAL" envDefault:"1000"`
	CapacityUsers    int `env:"CAPACITY_USERS" envDefault:"500"`
	CapacityPriority int `env:"CAPACITY_PRIORITY" envDefault:"200"`
	CapacityAdmin    int `env:"CAPACITY_ADMIN" envDefault:"100"`

	// Cross-process pub/sub
	PubSubDriver  types.PubSubDriver `env:"PUBSUB_DRIVER" envDefault:"memory"`
	PubSubChannel string             `env:"PUBSUB_CHANNEL" envDefault:"realtime:broadcast"`
	NATSURL       string             `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	RedisAddr     string             `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string             `env:"REDIS_PASSWORD"`
	RedisDB       int                `env:"REDIS_DB" envDefault:"0"`

	// Cleanup
	CleanupEnabled      bool          `env:"CLEANUP_ENABLED" envDefault:"true"`
	ConnectionTimeout   time.Duration `env:"CLEANUP_CONNECTION_TIMEOUT" envDefault:"300s"`
	ChannelTimeout      time.Duration `env:"CLEANUP_CHANNEL_TIMEOUT" envDefault:"3600s"`
	BufferTimeout       time.Duration `env:"CLEANUP_BUFFER_TIMEOUT" envDefault:"600s"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"60s"`
	AlertWebhookURL     string        `env:"ALERT_SLACK_WEBHOOK"`
	AlertChannel        string        `env:"ALERT_SLACK_CHANNEL" envDefault:"#realtime-alerts"`

	// Domain-event ingest (empty brokers disables it)
	KafkaBrokers      []string `env:"KAFKA_BROKERS" envSeparator:","`
	ConsumerGroup     string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"realtime-ingest"`
	IngestTopics      []string `env:"INGEST_TOPICS" envDefault:"tasks.events,efectivos.events,notifications.events" envSeparator:","`
	IngestMaxRate     int      `env:"INGEST_MAX_RATE" envDefault:"1000"`
	IngestWorkers     int      `env:"INGEST_WORKERS" envDefault:"4"`
	CPUPauseThreshold float64  `env:"CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Handshake rate limiting
	ConnRateLimitEnabled bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"false"`
	ConnRateIPBurst      int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateIPRate       float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateGlobalBurst  int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalRate   float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Memory limit in bytes (0 = detect from cgroup or host)
	MemoryLimit int64 `env:"WS_MEMORY_LIMIT" envDefault:"0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  types.LogLevel  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat types.LogFormat `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; containers use real env vars.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// normalize fills derived defaults.
func (c *Config) normalize() {
	if c.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "ws"
		}
		c.InstanceID = host + "-" + uuid.NewString()[:8]
	}
	c.AdminRoles = trimAll(c.AdminRoles)
	c.ElevatedRoles = trimAll(c.ElevatedRoles)
	c.KafkaBrokers = trimAll(c.KafkaBrokers)
	c.IngestTopics = trimAll(c.IngestTopics)
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxChannels < 1 {
		return fmt.Errorf("WS_MAX_CHANNELS must be > 0, got %d", c.MaxChannels)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("WS_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.ClientMessageRate < 0 {
		return fmt.Errorf("WS_CLIENT_MSG_RATE must be >= 0, got %.1f", c.ClientMessageRate)
	}
	if c.ClientMessageRate > 0 && c.ClientMessageBurst < 1 {
		return fmt.Errorf("WS_CLIENT_MSG_BURST must be > 0 when WS_CLIENT_MSG_RATE is set, got %d", c.ClientMessageBurst)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.HashReplicas < 1 {
		return fmt.Errorf("HASH_REPLICAS must be > 0, got %d", c.HashReplicas)
	}
	if c.ChannelsGeneral < 1 {
		return fmt.Errorf("CHANNELS_GENERAL must be >= 1 (the default channel is general-0), got %d", c.ChannelsGeneral)
	}
	for name, v := range map[string]int{
		"CHANNELS_USERS":    c.ChannelsUsers,
		"CHANNELS_PRIORITY": c.ChannelsPriority,
		"CHANNELS_ADMIN":    c.ChannelsAdmin,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0, got %d", name, v)
		}
	}
	for name, v := range map[string]int{
		"CAPACITY_GENERAL":  c.CapacityGeneral,
		"CAPACITY_USERS":    c.CapacityUsers,
		"CAPACITY_PRIORITY": c.CapacityPriority,
		"CAPACITY_ADMIN":    c.CapacityAdmin,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be > 0, got %d", name, v)
		}
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.IngestMaxRate < 1 {
		return fmt.Errorf("INGEST_MAX_RATE must be > 0, got %d", c.IngestMaxRate)
	}
	if c.IngestWorkers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be > 0, got %d", c.IngestWorkers)
	}
	if c.CleanupEnabled {
		if c.ConnectionTimeout <= 0 || c.ChannelTimeout <= 0 || c.BufferTimeout <= 0 || c.HealthCheckInterval <= 0 {
			return fmt.Errorf("cleanup timeouts and HEALTH_CHECK_INTERVAL must be > 0")
		}
	}

	// Enum checks
	switch c.AuthMode {
	case types.AuthModeStrict, types.AuthModePermissive:
	default:
		return fmt.Errorf("AUTH_MODE must be one of: strict, permissive (got: %s)", c.AuthMode)
	}

	switch c.PubSubDriver {
	case types.PubSubNATS, types.PubSubRedis, types.PubSubMemory, types.PubSubNone:
	default:
		return fmt.Errorf("PUBSUB_DRIVER must be one of: nats, redis, memory, none (got: %s)", c.PubSubDriver)
	}

	validLogLevels := map[types.LogLevel]bool{
		types.LogLevelDebug: true, types.LogLevelInfo: true, types.LogLevelWarn: true, types.LogLevelError: true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[types.LogFormat]bool{types.LogFormatJSON: true, types.LogFormatPretty: true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	// Logical checks
	if c.AuthMode == types.AuthModeStrict && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when AUTH_MODE=strict")
	}
	if len(c.KafkaBrokers) > 0 && len(c.IngestTopics) == 0 {
		return fmt.Errorf("INGEST_TOPICS must not be empty when KAFKA_BROKERS is set")
	}

	return nil
}

// IngestEnabled reports whether the Kafka ingest should run.
func (c *Config) IngestEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== Server Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Instance:        %s\n", c.InstanceID)
	fmt.Printf("Address:         %s\n", c.Addr)
	fmt.Printf("Auth Mode:       %s\n", c.AuthMode)
	fmt.Println("\n=== Channels ===")
	fmt.Printf("General:         %d x %d\n", c.ChannelsGeneral, c.CapacityGeneral)
	fmt.Printf("Users:           %d x %d\n", c.ChannelsUsers, c.CapacityUsers)
	fmt.Printf("Priority:        %d x %d\n", c.ChannelsPriority, c.CapacityPriority)
	fmt.Printf("Admin:           %d x %d\n", c.ChannelsAdmin, c.CapacityAdmin)
	fmt.Printf("Hash Replicas:   %d\n", c.HashReplicas)
	fmt.Println("\n=== Pub/Sub ===")
	fmt.Printf("Driver:          %s\n", c.PubSubDriver)
	fmt.Printf("Channel:         %s\n", c.PubSubChannel)
	fmt.Println("\n=== Cleanup ===")
	fmt.Printf("Enabled:         %t\n", c.CleanupEnabled)
	fmt.Printf("Conn Timeout:    %s\n", c.ConnectionTimeout)
	fmt.Printf("Channel Timeout: %s\n", c.ChannelTimeout)
	fmt.Printf("Buffer Timeout:  %s\n", c.BufferTimeout)
	fmt.Println("\n=== Ingest ===")
	fmt.Printf("Kafka Brokers:   %s\n", strings.Join(c.KafkaBrokers, ","))
	fmt.Printf("Topics:          %s\n", strings.Join(c.IngestTopics, ","))
	fmt.Printf("Max Rate:        %d/sec\n", c.IngestMaxRate)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("============================")
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("instance_id", c.InstanceID).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("max_channels", c.MaxChannels).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Float64("client_msg_rate", c.ClientMessageRate).
		Int("client_msg_burst", c.ClientMessageBurst).
		Str("auth_mode", string(c.AuthMode)).
		Strs("admin_roles", c.AdminRoles).
		Strs("elevated_roles", c.ElevatedRoles).
		Int("hash_replicas", c.HashReplicas).
		Str("pubsub_driver", string(c.PubSubDriver)).
		Str("pubsub_channel", c.PubSubChannel).
		Bool("cleanup_enabled", c.CleanupEnabled).
		Dur("connection_timeout", c.ConnectionTimeout).
		Dur("channel_timeout", c.ChannelTimeout).
		Dur("buffer_timeout", c.BufferTimeout).
		Strs("kafka_brokers", c.KafkaBrokers).
		Strs("ingest_topics", c.IngestTopics).
		Int("ingest_max_rate", c.IngestMaxRate).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Bool("conn_rate_limit_enabled", c.ConnRateLimitEnabled).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", string(c.LogLevel)).
		Str("log_format", string(c.LogFormat)).
		Msg("Server configuration loaded")
}
