package platform

import (
	"testing"

	"github.com/adred-codev/ws_channels/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, ":3002", cfg.Addr)
	assert.Equal(t, types.AuthModePermissive, cfg.AuthMode)
	assert.Equal(t, types.PubSubMemory, cfg.PubSubDriver)
	assert.Equal(t, 150, cfg.HashReplicas)
	assert.Equal(t, []string{"admin", "superadmin"}, cfg.AdminRoles)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.False(t, cfg.IngestEnabled())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("PUBSUB_DRIVER", "nats")
	t.Setenv("INSTANCE_ID", "node-a")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.IngestEnabled())
	assert.Equal(t, types.PubSubNATS, cfg.PubSubDriver)
	assert.Equal(t, "node-a", cfg.InstanceID)
}

func TestLoadConfig_StrictWithoutSecret(t *testing.T) {
	t.Setenv("AUTH_MODE", "strict")

	_, err := LoadConfig(nil)
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig(nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"no general channel", func(c *Config) { c.ChannelsGeneral = 0 }, "CHANNELS_GENERAL"},
		{"bad capacity", func(c *Config) { c.CapacityAdmin = 0 }, "CAPACITY_ADMIN"},
		{"bad driver", func(c *Config) { c.PubSubDriver = "kafka" }, "PUBSUB_DRIVER"},
		{"bad auth mode", func(c *Config) { c.AuthMode = "open" }, "AUTH_MODE"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"bad cpu threshold", func(c *Config) { c.CPUPauseThreshold = 120 }, "CPU_PAUSE_THRESHOLD"},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, "HEARTBEAT_INTERVAL"},
		{"brokers without topics", func(c *Config) {
			c.KafkaBrokers = []string{"k:9092"}
			c.IngestTopics = nil
		}, "INGEST_TOPICS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}
