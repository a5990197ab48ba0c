// Package database writes resolved Sparkplug metrics to InfluxDB.
package database

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/lucaslui/hems/factoryplus/internal/config"
	"github.com/lucaslui/hems/factoryplus/internal/sparkplug"
)

type InfluxDB struct {
	Client      influxdb2.Client
	WriteAPI    api.WriteAPIBlocking
	Measurement string
}

func NewInfluxDB(cfg *config.Config) *InfluxDB {
	client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	return &InfluxDB{
		Client:      client,
		WriteAPI:    client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
		Measurement: cfg.InfluxMeasurement,
	}
}

func (db *InfluxDB) Close() {
	if db != nil && db.Client != nil {
		db.Client.Close()
	}
}

// WriteMetrics stores one point per payload. Messages with no storable
// metric (deaths, empty data) are skipped.
func (db *InfluxDB) WriteMetrics(ctx context.Context, topic sparkplug.Topic, ts time.Time, metrics []sparkplug.Metric) error {
	point := buildPoint(db.Measurement, topic, ts, metrics)
	if point == nil {
		return nil
	}
	if err := db.WriteAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("influx write %s: %w", topic, err)
	}
	return nil
}

func buildPoint(measurement string, topic sparkplug.Topic, ts time.Time, metrics []sparkplug.Metric) *write.Point {
	fields := make(map[string]interface{}, len(metrics))
	for _, m := range metrics {
		if m.Historical {
			continue
		}
		if fv, ok := normalizeFieldValue(m.Value); ok {
			fields[sanitizeFieldKey(m.Name)] = fv
		}
	}
	if len(fields) == 0 {
		return nil
	}

	tags := map[string]string{
		"group":   topic.Group,
		"node":    topic.Node,
		"msgType": string(topic.Kind),
	}
	if topic.Device != "" {
		tags["device"] = topic.Device
	}
	return write.NewPoint(measurement, tags, fields, ts)
}

func normalizeFieldValue(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case bool:
		return x, true
	case string:
		return x, true
	default:
		// nil, bytes and files have no field representation
		return nil, false
	}
}

var fieldKeyRe = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func sanitizeFieldKey(k string) string {
	k = strings.TrimSpace(k)
	k = strings.ReplaceAll(k, " ", "_")
	k = fieldKeyRe.ReplaceAllString(k, "_")
	k = strings.Trim(k, "_")
	if k == "" {
		return "field"
	}
	return k
}
