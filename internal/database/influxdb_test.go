package database

import (
	"context"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucaslui/hems/factoryplus/internal/sparkplug"
)

func fieldMap(p *write.Point) map[string]any {
	out := map[string]any{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func tagMap(p *write.Point) map[string]string {
	out := map[string]string{}
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func TestBuildPoint(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	topic := sparkplug.Topic{Group: "Plant1", Kind: sparkplug.DData, Node: "Edge", Device: "Press"}
	p := buildPoint("sparkplug", topic, ts, []sparkplug.Metric{
		{Name: "Motor/Speed rpm", Type: sparkplug.TypeFloat, Value: float32(1500)},
		{Name: "Running", Type: sparkplug.TypeBoolean, Value: true},
		{Name: "Count", Type: sparkplug.TypeUInt16, Value: uint16(7)},
		{Name: "Blob", Type: sparkplug.TypeBytes, Value: []byte{1}},
		{Name: "Old", Type: sparkplug.TypeDouble, Value: 1.0, Historical: true},
	})
	require.NotNil(t, p)

	assert.Equal(t, "sparkplug", p.Name())
	assert.Equal(t, ts, p.Time())
	assert.Equal(t, map[string]string{"group": "Plant1", "node": "Edge", "device": "Press", "msgType": "DDATA"}, tagMap(p))
	assert.Equal(t, map[string]any{
		"Motor_Speed_rpm": float64(1500),
		"Running":         true,
		"Count":           uint64(7),
	}, fieldMap(p))
}

func TestBuildPointSkipsEmpty(t *testing.T) {
	topic := sparkplug.Topic{Group: "G", Kind: sparkplug.NDeath, Node: "N"}
	assert.Nil(t, buildPoint("m", topic, time.Now(), nil))
}

func TestWriteMetricsSkipsWithoutPoint(t *testing.T) {
	db := &InfluxDB{Measurement: "m"}
	err := db.WriteMetrics(context.Background(), sparkplug.Topic{Kind: sparkplug.NDeath}, time.Now(), nil)
	assert.NoError(t, err)
}

func TestSanitizeFieldKey(t *testing.T) {
	assert.Equal(t, "Device_Control_Rebirth", sanitizeFieldKey("Device Control/Rebirth"))
	assert.Equal(t, "field", sanitizeFieldKey("///"))
}
