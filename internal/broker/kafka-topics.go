package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/lucaslui/hems/factoryplus/internal/config"
)

// topicCompression maps the producer codec name to the broker's
// compression.type. An empty name leaves compression to the producer.
func topicCompression(codec string) (string, error) {
	switch c := strings.ToLower(strings.TrimSpace(codec)); c {
	case "", "producer":
		return "producer", nil
	case "none", "uncompressed":
		return "uncompressed", nil
	case "gzip", "snappy", "lz4", "zstd":
		return c, nil
	default:
		return "", fmt.Errorf("kafka compression %q is not a topic compression.type", codec)
	}
}

// topicSpecs lists the topics the collector writes to.
func topicSpecs(cfg *config.Config) ([]kafka.TopicConfig, error) {
	compression, err := topicCompression(cfg.KafkaCompression)
	if err != nil {
		return nil, err
	}
	entries := []kafka.ConfigEntry{
		{ConfigName: "compression.type", ConfigValue: compression},
		{ConfigName: "retention.ms", ConfigValue: fmt.Sprintf("%d", cfg.KafkaRetentionMs)},
	}
	return []kafka.TopicConfig{
		{Topic: cfg.KafkaTopic, NumPartitions: cfg.KafkaTopicPartitions, ReplicationFactor: cfg.KafkaReplicationFactor, ConfigEntries: entries},
		{Topic: cfg.KafkaDLQTopic, NumPartitions: cfg.KafkaDLQPartitions, ReplicationFactor: cfg.KafkaReplicationFactor, ConfigEntries: entries},
	}, nil
}

// EnsureKafkaTopics creates the main and DLQ topics on the controller when
// they are missing.
func EnsureKafkaTopics(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	specs, err := topicSpecs(cfg)
	if err != nil {
		return err
	}
	bootstrap := cfg.KafkaBrokers[0]
	logger.Info("kafka ensuring topics", "bootstrap", bootstrap)

	conn, err := kafka.DialContext(ctx, "tcp", bootstrap)
	if err != nil {
		return fmt.Errorf("kafka dial %s: %w", bootstrap, err)
	}
	defer conn.Close()

	exists := func(topic string) bool {
		parts, err := conn.ReadPartitions(topic)
		return err == nil && len(parts) > 0
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller: %w", err)
	}
	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := kafka.DialContext(ctx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("kafka dial controller %s: %w", ctrlAddr, err)
	}
	defer ctrlConn.Close()

	for _, spec := range specs {
		if exists(spec.Topic) {
			logger.Info("kafka topic already exists", "topic", spec.Topic)
			continue
		}
		logger.Info("kafka creating topic", "topic", spec.Topic, "partitions", spec.NumPartitions, "rf", spec.ReplicationFactor)
		if err := ctrlConn.CreateTopics(spec); err != nil {
			return fmt.Errorf("kafka create topic %s: %w", spec.Topic, err)
		}
	}
	return nil
}
