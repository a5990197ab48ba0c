package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Directory
	DirectoryURL    string
	ServiceUsername string
	ServicePassword string

	// MQTT
	MQTTService        string
	MQTTURL            string // opcional, ignora o directory
	MQTTClientID       string
	MQTTFilters        []string
	MQTTQoS            byte
	MQTTKeepAlive      time.Duration
	MQTTConnectTimeout time.Duration
	MQTTTLSInsecure    bool

	// Reconexão / sessão
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int
	AliasStaleAfter      time.Duration
	EventBuffer          int
	OverflowPolicy       string

	// Cache do resolver
	ResolverCache    string // none, memory, redis
	ResolverCacheTTL time.Duration
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisNamespace   string
	RedisChannel     string

	// Kafka (desligado se KAFKA_BROKERS vazio)
	KafkaBrokers           []string
	KafkaTopic             string
	KafkaDLQTopic          string
	KafkaTopicPartitions   int
	KafkaDLQPartitions     int
	KafkaReplicationFactor int
	KafkaBatchSize         int
	KafkaBatchBytes        int64
	KafkaBatchTimeoutMs    int
	KafkaCompression       string
	KafkaRequiredAcks      string
	KafkaMaxAttempts       int
	KafkaRetentionMs       int64
	KafkaEnsureTopics      bool
	DispatcherCapacity     int
	DispatcherMaxBatch     int
	DispatcherTickMs       int

	// InfluxDB (desligado se INFLUX_URL vazio)
	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
	InfluxMeasurement string

	OpsAddr  string
	LogLevel string
}

func (c *Config) KafkaEnabled() bool  { return len(c.KafkaBrokers) > 0 }
func (c *Config) InfluxEnabled() bool { return c.InfluxURL != "" }

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}

func (c *Config) String() string {
	return fmt.Sprintf(`
Directory:
  URL:           %s
  Username:      %s
  Password:      %s

MQTT:
  Service:        %s
  URL:            %s
  ClientID:       %s
  Filters:        %v
  QoS:            %d
  KeepAlive:      %s
  ConnectTimeout: %s
  TLSInsecure:    %v

Session:
  ReconnectInitial:     %s
  ReconnectMax:         %s
  ReconnectMaxAttempts: %d
  AliasStaleAfter:      %s
  EventBuffer:          %d
  OverflowPolicy:       %s

Resolver:
  Cache:     %s
  CacheTTL:  %s
  RedisAddr: %s
  RedisDB:   %d

Kafka:
  Brokers:           %v
  Topic:             %s
  DLQTopic:          %s
  Partitions:        %d
  DLQPartitions:     %d
  ReplicationFactor: %d
  BatchSize:         %d
  BatchBytes:        %d
  BatchTimeoutMs:    %d
  Compression:       %s
  RequiredAcks:      %s
  MaxAttempts:       %d
  RetentionMs:       %d

Dispatcher:
  Capacity:          %d
  MaxBatch:          %d
  TickMs:            %d

Influx:
  URL:         %s
  Org:         %s
  Bucket:      %s
  Measurement: %s
  Token:       %s

Ops:
  Addr:     %s
  LogLevel: %s
`, c.DirectoryURL, c.ServiceUsername, mask(c.ServicePassword),
		c.MQTTService, c.MQTTURL, c.MQTTClientID, c.MQTTFilters, c.MQTTQoS, c.MQTTKeepAlive, c.MQTTConnectTimeout, c.MQTTTLSInsecure,
		c.ReconnectInitial, c.ReconnectMax, c.ReconnectMaxAttempts, c.AliasStaleAfter, c.EventBuffer, c.OverflowPolicy,
		c.ResolverCache, c.ResolverCacheTTL, c.RedisAddr, c.RedisDB,
		c.KafkaBrokers, c.KafkaTopic, c.KafkaDLQTopic, c.KafkaTopicPartitions, c.KafkaDLQPartitions, c.KafkaReplicationFactor,
		c.KafkaBatchSize, c.KafkaBatchBytes, c.KafkaBatchTimeoutMs, c.KafkaCompression, c.KafkaRequiredAcks, c.KafkaMaxAttempts,
		c.KafkaRetentionMs, c.DispatcherCapacity, c.DispatcherMaxBatch, c.DispatcherTickMs,
		c.InfluxURL, c.InfluxOrg, c.InfluxBucket, c.InfluxMeasurement, mask(c.InfluxToken),
		c.OpsAddr, c.LogLevel)
}

type errList []string

func (e *errList) addf(format string, a ...any) {
	*e = append(*e, fmt.Sprintf(format, a...))
}
func (e *errList) add(msg string) { *e = append(*e, msg) }
func (e *errList) has() bool      { return len(*e) > 0 }

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getRequired(key string, errs *errList) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		errs.addf("faltando %s", key)
	}
	return v
}

func getenvInt(key string, fallback int, errs *errList) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		errs.addf("%s inválido (esperado int): %q", key, v)
		return fallback
	}
	return n
}

func getenvInt64(key string, fallback int64, errs *errList) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		errs.addf("%s inválido (esperado int64): %q", key, v)
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool, errs *errList) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		errs.addf("%s inválido (esperado bool): %q", key, v)
		return fallback
	}
	return b
}

// getenvDuration reads a whole number of units.
func getenvDuration(key string, fallback time.Duration, unit time.Duration, errs *errList) time.Duration {
	n := getenvInt64(key, -1, errs)
	if n < 0 {
		return fallback
	}
	return time.Duration(n) * unit
}

func getenvQoS(key string, fallback byte, errs *errList) byte {
	n := getenvInt(key, int(fallback), errs)
	if n < 0 || n > 2 {
		errs.addf("%s inválido (0..2): %d", key, n)
		return fallback
	}
	return byte(n)
}

func ensureOneOf(key, val string, allowed []string, errs *errList) {
	for _, a := range allowed {
		if val == a {
			return
		}
	}
	errs.addf("%s inválido (permitidos: %s): %q", key, strings.Join(allowed, ", "), val)
}

func splitList(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func loadDirectory(c *Config, errs *errList) {
	c.MQTTURL = getenv("MQTT_URL", "")
	if c.MQTTURL == "" {
		c.DirectoryURL = getRequired("DIRECTORY_URL", errs)
	} else {
		c.DirectoryURL = getenv("DIRECTORY_URL", "")
	}
	c.ServiceUsername = getRequired("SERVICE_USERNAME", errs)
	c.ServicePassword = getRequired("SERVICE_PASSWORD", errs)
}

func loadMQTT(c *Config, errs *errList) {
	c.MQTTService = getenv("MQTT_SERVICE", "mqtt")
	c.MQTTClientID = getenv("MQTT_CLIENT_ID", "")
	c.MQTTFilters = splitList(getenv("MQTT_FILTERS", "spBv1.0/#"))
	c.MQTTQoS = getenvQoS("MQTT_QOS", 0, errs)
	c.MQTTKeepAlive = getenvDuration("MQTT_KEEPALIVE_S", 20*time.Second, time.Second, errs)
	c.MQTTConnectTimeout = getenvDuration("MQTT_CONNECT_TIMEOUT_MS", 30*time.Second, time.Millisecond, errs)
	c.MQTTTLSInsecure = getenvBool("MQTT_TLS_INSECURE", false, errs)
}

func loadSession(c *Config, errs *errList) {
	c.ReconnectInitial = getenvDuration("RECONNECT_INITIAL_MS", 2*time.Second, time.Millisecond, errs)
	c.ReconnectMax = getenvDuration("RECONNECT_MAX_MS", 30*time.Second, time.Millisecond, errs)
	c.ReconnectMaxAttempts = getenvInt("RECONNECT_MAX_ATTEMPTS", 0, errs)
	c.AliasStaleAfter = getenvDuration("ALIAS_STALE_AFTER_MS", 30*time.Second, time.Millisecond, errs)
	c.EventBuffer = getenvInt("EVENT_BUFFER", 1024, errs)
	c.OverflowPolicy = strings.ToLower(getenv("OVERFLOW_POLICY", "drop-oldest"))
	ensureOneOf("OVERFLOW_POLICY", c.OverflowPolicy, []string{"drop-oldest", "drop-newest", "block"}, errs)
}

func loadResolver(c *Config, errs *errList) {
	c.ResolverCache = strings.ToLower(getenv("RESOLVER_CACHE", "none"))
	ensureOneOf("RESOLVER_CACHE", c.ResolverCache, []string{"none", "memory", "redis"}, errs)
	c.ResolverCacheTTL = getenvDuration("RESOLVER_CACHE_TTL_MS", 5*time.Minute, time.Millisecond, errs)

	if c.ResolverCache == "redis" {
		c.RedisAddr = getRequired("REDIS_ADDR", errs)
	} else {
		c.RedisAddr = getenv("REDIS_ADDR", "")
	}
	c.RedisPassword = getenv("REDIS_PASSWORD", "")
	c.RedisDB = getenvInt("REDIS_DB", 0, errs)
	c.RedisNamespace = getenv("REDIS_NAMESPACE", "fplus:service")
	c.RedisChannel = getenv("REDIS_CHANNEL", "fplus:service:invalidate")
}

func loadKafka(c *Config, errs *errList) {
	c.KafkaBrokers = splitList(getenv("KAFKA_BROKERS", ""))
	c.KafkaTopic = getenv("KAFKA_TOPIC", "fplus-events")
	c.KafkaDLQTopic = getenv("KAFKA_DLQ_TOPIC", "fplus-events-dlq")
	c.KafkaTopicPartitions = getenvInt("KAFKA_TOPIC_PARTITIONS", 3, errs)
	c.KafkaDLQPartitions = getenvInt("KAFKA_DLQ_PARTITIONS", 1, errs)
	c.KafkaReplicationFactor = getenvInt("KAFKA_REPLICATION_FACTOR", 1, errs)
	c.KafkaBatchSize = getenvInt("KAFKA_BATCH_SIZE", 1000, errs)
	c.KafkaBatchBytes = getenvInt64("KAFKA_BATCH_BYTES", 1<<20, errs) // 1MB
	c.KafkaBatchTimeoutMs = getenvInt("KAFKA_BATCH_TIMEOUT_MS", 5, errs)
	c.KafkaCompression = strings.ToLower(getenv("KAFKA_COMPRESSION", "snappy"))
	c.KafkaRequiredAcks = strings.ToLower(getenv("KAFKA_REQUIRED_ACKS", "one"))
	c.KafkaMaxAttempts = getenvInt("KAFKA_MAX_ATTEMPTS", 10, errs)
	c.KafkaRetentionMs = getenvInt64("KAFKA_RETENTION_MS", 7*24*60*60*1000, errs)
	c.KafkaEnsureTopics = getenvBool("KAFKA_ENSURE_TOPICS", true, errs)
	c.DispatcherCapacity = getenvInt("DISPATCHER_CAPACITY", 10000, errs)
	c.DispatcherMaxBatch = getenvInt("DISPATCHER_MAX_BATCH", 2000, errs)
	c.DispatcherTickMs = getenvInt("DISPATCHER_TICK_MS", 5, errs)

	ensureOneOf("KAFKA_COMPRESSION", c.KafkaCompression, []string{"none", "gzip", "snappy", "lz4", "zstd"}, errs)
	ensureOneOf("KAFKA_REQUIRED_ACKS", c.KafkaRequiredAcks, []string{"none", "one", "all"}, errs)
}

func loadInflux(c *Config, errs *errList) {
	c.InfluxURL = getenv("INFLUX_URL", "")
	if c.InfluxURL != "" {
		c.InfluxToken = getRequired("INFLUX_TOKEN", errs)
		c.InfluxOrg = getRequired("INFLUX_ORG", errs)
		c.InfluxBucket = getRequired("INFLUX_BUCKET", errs)
	}
	c.InfluxMeasurement = getenv("INFLUX_MEASUREMENT", "sparkplug")
}

func validateSanity(c *Config, errs *errList) {
	if len(c.MQTTFilters) == 0 {
		errs.add("MQTT_FILTERS inválido (lista vazia)")
	}
	if c.MQTTConnectTimeout <= 0 {
		errs.add("MQTT_CONNECT_TIMEOUT_MS deve ser > 0")
	}
	if c.ReconnectInitial <= 0 {
		errs.add("RECONNECT_INITIAL_MS deve ser > 0")
	}
	if c.ReconnectMax < c.ReconnectInitial {
		errs.add("RECONNECT_MAX_MS não pode ser menor que RECONNECT_INITIAL_MS")
	}
	if c.ReconnectMaxAttempts < 0 {
		errs.add("RECONNECT_MAX_ATTEMPTS deve ser >= 0 (0 = sem limite)")
	}
	if c.EventBuffer <= 0 {
		errs.add("EVENT_BUFFER deve ser > 0")
	}
	if !c.KafkaEnabled() {
		return
	}
	if c.KafkaTopicPartitions <= 0 {
		errs.add("KAFKA_TOPIC_PARTITIONS deve ser > 0")
	}
	if c.KafkaDLQPartitions <= 0 {
		errs.add("KAFKA_DLQ_PARTITIONS deve ser > 0")
	}
	if c.KafkaReplicationFactor <= 0 {
		errs.add("KAFKA_REPLICATION_FACTOR deve ser > 0")
	}
	if c.KafkaReplicationFactor > len(c.KafkaBrokers) {
		errs.add("KAFKA_REPLICATION_FACTOR não pode ser maior que o número de brokers em KAFKA_BROKERS")
	}
	if c.KafkaBatchSize <= 0 {
		errs.add("KAFKA_BATCH_SIZE deve ser > 0")
	}
	if c.KafkaMaxAttempts <= 0 {
		errs.add("KAFKA_MAX_ATTEMPTS deve ser > 0")
	}
	if c.DispatcherCapacity <= 0 || c.DispatcherMaxBatch <= 0 || c.DispatcherTickMs <= 0 {
		errs.add("DISPATCHER_CAPACITY, DISPATCHER_MAX_BATCH e DISPATCHER_TICK_MS devem ser > 0")
	}
}

// LoadConfig reads the environment and reports every missing or invalid
// variable at once.
func LoadConfig() (*Config, error) {
	var errs errList
	c := &Config{}

	loadDirectory(c, &errs)
	loadMQTT(c, &errs)
	loadSession(c, &errs)
	loadResolver(c, &errs)
	loadKafka(c, &errs)
	loadInflux(c, &errs)
	c.OpsAddr = getenv("OPS_ADDR", ":9102")
	c.LogLevel = getenv("LOG_LEVEL", "info")

	validateSanity(c, &errs)

	if errs.has() {
		return nil, errors.New("variáveis de ambiente faltando/inválidas: " + strings.Join(errs, "; "))
	}
	return c, nil
}
