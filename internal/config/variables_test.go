package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"DIRECTORY_URL", "SERVICE_USERNAME", "SERVICE_PASSWORD",
	"MQTT_SERVICE", "MQTT_URL", "MQTT_CLIENT_ID", "MQTT_FILTERS", "MQTT_QOS",
	"MQTT_KEEPALIVE_S", "MQTT_CONNECT_TIMEOUT_MS", "MQTT_TLS_INSECURE",
	"RECONNECT_INITIAL_MS", "RECONNECT_MAX_MS", "RECONNECT_MAX_ATTEMPTS",
	"ALIAS_STALE_AFTER_MS", "EVENT_BUFFER", "OVERFLOW_POLICY",
	"RESOLVER_CACHE", "RESOLVER_CACHE_TTL_MS", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"KAFKA_BROKERS", "KAFKA_REPLICATION_FACTOR", "KAFKA_COMPRESSION", "KAFKA_REQUIRED_ACKS",
	"INFLUX_URL", "INFLUX_TOKEN", "INFLUX_ORG", "INFLUX_BUCKET",
	"OPS_ADDR", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func setMinimal(t *testing.T) {
	t.Helper()
	clearEnv(t)
	t.Setenv("DIRECTORY_URL", "https://directory.factory.local")
	t.Setenv("SERVICE_USERNAME", "sv1collector")
	t.Setenv("SERVICE_PASSWORD", "hunter2")
}

func TestLoadConfigDefaults(t *testing.T) {
	setMinimal(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "mqtt", cfg.MQTTService)
	assert.Equal(t, []string{"spBv1.0/#"}, cfg.MQTTFilters)
	assert.Equal(t, byte(0), cfg.MQTTQoS)
	assert.Equal(t, 20*time.Second, cfg.MQTTKeepAlive)
	assert.Equal(t, 30*time.Second, cfg.MQTTConnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.ReconnectInitial)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
	assert.Zero(t, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.AliasStaleAfter)
	assert.Equal(t, "drop-oldest", cfg.OverflowPolicy)
	assert.Equal(t, "none", cfg.ResolverCache)
	assert.False(t, cfg.KafkaEnabled())
	assert.False(t, cfg.InfluxEnabled())
	assert.Equal(t, ":9102", cfg.OpsAddr)
}

func TestLoadConfigOverrides(t *testing.T) {
	setMinimal(t)
	t.Setenv("MQTT_FILTERS", "spBv1.0/A/#, spBv1.0/STATE/+ ,")
	t.Setenv("MQTT_QOS", "1")
	t.Setenv("MQTT_KEEPALIVE_S", "5")
	t.Setenv("MQTT_TLS_INSECURE", "true")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "4")
	t.Setenv("OVERFLOW_POLICY", "BLOCK")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KAFKA_REPLICATION_FACTOR", "2")
	t.Setenv("INFLUX_URL", "http://influx:8086")
	t.Setenv("INFLUX_TOKEN", "tok")
	t.Setenv("INFLUX_ORG", "acme")
	t.Setenv("INFLUX_BUCKET", "plant")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"spBv1.0/A/#", "spBv1.0/STATE/+"}, cfg.MQTTFilters)
	assert.Equal(t, byte(1), cfg.MQTTQoS)
	assert.Equal(t, 5*time.Second, cfg.MQTTKeepAlive)
	assert.True(t, cfg.MQTTTLSInsecure)
	assert.Equal(t, 4, cfg.ReconnectMaxAttempts)
	assert.Equal(t, "block", cfg.OverflowPolicy)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.True(t, cfg.InfluxEnabled())
}

func TestLoadConfigReportsEveryProblem(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_QOS", "3")
	t.Setenv("EVENT_BUFFER", "many")
	t.Setenv("RESOLVER_CACHE", "redis")
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("KAFKA_REPLICATION_FACTOR", "3")
	t.Setenv("KAFKA_COMPRESSION", "brotli")

	_, err := LoadConfig()
	require.Error(t, err)
	msg := err.Error()
	for _, key := range []string{
		"DIRECTORY_URL", "SERVICE_USERNAME", "SERVICE_PASSWORD", "MQTT_QOS",
		"EVENT_BUFFER", "REDIS_ADDR", "KAFKA_REPLICATION_FACTOR", "KAFKA_COMPRESSION",
	} {
		assert.Contains(t, msg, key)
	}
}

func TestDirectURLMakesDirectoryOptional(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_URL", "mqtts://broker.factory.local")
	t.Setenv("SERVICE_USERNAME", "u")
	t.Setenv("SERVICE_PASSWORD", "p")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.DirectoryURL)
}

func TestInfluxNeedsCredentials(t *testing.T) {
	setMinimal(t)
	t.Setenv("INFLUX_URL", "http://influx:8086")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INFLUX_TOKEN")
}

func TestStringMasksSecrets(t *testing.T) {
	setMinimal(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)

	out := cfg.String()
	assert.Contains(t, out, "sv1collector")
	assert.NotContains(t, out, "hunter2")
}
