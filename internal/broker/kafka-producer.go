// Package broker forwards session events to Kafka: a main topic for decoded
// events and a dead-letter topic for messages that could not be read.
package broker

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lucaslui/hems/factoryplus/internal/config"
)

type KafkaProducer struct {
	main *kafka.Writer
	dlq  *kafka.Writer
}

func NewKafkaProducer(cfg *config.Config) *KafkaProducer {
	return &KafkaProducer{
		main: newWriter(cfg, cfg.KafkaTopic, cfg.KafkaBatchSize, cfg.KafkaBatchBytes),
		// dead letters are rare, smaller batches
		dlq: newWriter(cfg, cfg.KafkaDLQTopic, 200, 512<<10),
	}
}

func newWriter(cfg *config.Config, topic string, batchSize int, batchBytes int64) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},

		BatchSize:    batchSize,
		BatchBytes:   batchBytes,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeoutMs) * time.Millisecond,

		RequiredAcks: parseAcks(cfg.KafkaRequiredAcks),
		MaxAttempts:  cfg.KafkaMaxAttempts,
		Async:        true,
		Compression:  parseCompression(cfg.KafkaCompression),
	}
}

// Main exposes the main topic writer. Decoded events reach it only through
// the dispatcher.
func (p *KafkaProducer) Main() *kafka.Writer { return p.main }

func (p *KafkaProducer) Close() error {
	err := p.main.Close()
	if dlqErr := p.dlq.Close(); err == nil {
		err = dlqErr
	}
	return err
}

func (p *KafkaProducer) SendDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return p.dlq.WriteMessages(ctx, kafka.Message{
		Key:     key,
		Value:   value,
		Headers: headers,
	})
}

func parseCompression(s string) kafka.Compression {
	switch strings.ToLower(s) {
	case "", "none", "no", "off", "0":
		return kafka.Compression(0)
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Snappy
	}
}

func parseAcks(s string) kafka.RequiredAcks {
	switch strings.ToLower(s) {
	case "none":
		return kafka.RequireNone
	case "all":
		return kafka.RequireAll
	default:
		return kafka.RequireOne
	}
}
