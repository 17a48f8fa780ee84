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

	assert.Equal(t, "tileflow", cfg.Kafka.Exchange)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, uint(3), cfg.Kafka.HandlerAttempts)
	assert.Equal(t, 30*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, 30*time.Minute, cfg.Processing.ConvertTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Processing.StaleAfter)
	assert.Zero(t, cfg.Kafka.RetryMaxElapsed)
	assert.Empty(t, cfg.TileServer.ConfigPath)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KAFKA_CHANNELS_PER_QUEUE", "4")
	t.Setenv("REALTIME_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("TILESERVER_CONFIG_PATH", "/etc/martin/config.yaml")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 4, cfg.Kafka.ChannelsPerQueue)
	assert.Equal(t, 5*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, "/etc/martin/config.yaml", cfg.TileServer.ConfigPath)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("PROCESSING_CONVERT_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
}
