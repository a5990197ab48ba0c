package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucaslui/hems/factoryplus/internal/metrics"
	"github.com/lucaslui/hems/factoryplus/internal/model"
	"github.com/lucaslui/hems/factoryplus/internal/session"
	"github.com/lucaslui/hems/factoryplus/internal/sparkplug"
	"github.com/lucaslui/hems/factoryplus/internal/tracker"
)

type fakeDispatcher struct {
	msgs []kafka.Message
	err  error
}

func (d *fakeDispatcher) Enqueue(_ context.Context, m kafka.Message) error {
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, m)
	return nil
}

type fakeDLQ struct {
	keys   []string
	values [][]byte
}

func (d *fakeDLQ) SendDLQ(_ context.Context, key, value []byte, _ ...kafka.Header) error {
	d.keys = append(d.keys, string(key))
	d.values = append(d.values, value)
	return nil
}

type fakeInflux struct {
	topics []sparkplug.Topic
	times  []time.Time
	err    error
}

func (f *fakeInflux) WriteMetrics(_ context.Context, topic sparkplug.Topic, ts time.Time, _ []sparkplug.Metric) error {
	f.topics = append(f.topics, topic)
	f.times = append(f.times, ts)
	return f.err
}

type fakeRebirther struct {
	mu    sync.Mutex
	addrs []sparkplug.Address
}

func (r *fakeRebirther) Rebirth(_ context.Context, addr sparkplug.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs = append(r.addrs, addr)
	return nil
}

func (r *fakeRebirther) calls() []sparkplug.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sparkplug.Address(nil), r.addrs...)
}

var received = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func dataMessage() session.Message {
	return session.Message{
		Topic: sparkplug.Topic{Group: "Plant1", Kind: sparkplug.DData, Node: "Edge", Device: "Press"},
		Payload: sparkplug.Data{Timestamp: 1714564800500, Seq: 4, Metrics: []sparkplug.Metric{
			{Name: "temp", Alias: 7, HasAlias: true, Type: sparkplug.TypeDouble, Value: 21.5},
		}},
		Received: received,
	}
}

func TestMessageIsForwarded(t *testing.T) {
	d := &fakeDispatcher{}
	influx := &fakeInflux{}
	m := metrics.New(prometheus.NewRegistry())
	h := New(WithKafka(d, &fakeDLQ{}), WithInflux(influx), WithMetrics(m))
	h.newID = func() string { return "evt-1" }

	require.NoError(t, h.Handle(context.Background(), dataMessage()))

	require.Len(t, d.msgs, 1)
	assert.Equal(t, "Plant1/Edge", string(d.msgs[0].Key))

	var out model.OutboundEvent
	require.NoError(t, json.Unmarshal(d.msgs[0].Value, &out))
	assert.Equal(t, "evt-1", out.EventID)
	assert.Equal(t, "spBv1.0/Plant1/DDATA/Edge/Press", out.Topic)
	assert.Equal(t, "DDATA", out.Type)
	assert.Equal(t, "Press", out.Device)
	require.NotNil(t, out.Seq)
	assert.Equal(t, uint8(4), *out.Seq)
	require.NotNil(t, out.Timestamp)
	assert.True(t, out.Timestamp.Equal(time.UnixMilli(1714564800500)))
	require.Len(t, out.Metrics, 1)
	assert.Equal(t, "temp", out.Metrics[0].Name)
	assert.Equal(t, "Double", out.Metrics[0].Type)
	assert.Equal(t, 21.5, out.Metrics[0].Value)
	require.NotNil(t, out.Metrics[0].Alias)
	assert.Equal(t, uint64(7), *out.Metrics[0].Alias)

	require.Len(t, influx.topics, 1)
	assert.Equal(t, time.UnixMilli(1714564800500).UTC(), influx.times[0])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Forwarded.WithLabelValues("kafka", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Forwarded.WithLabelValues("influx", "ok")))
}

func TestSinkFailuresAreCounted(t *testing.T) {
	m := metrics.New(nil)
	h := New(
		WithKafka(&fakeDispatcher{err: errors.New("buffer full")}, nil),
		WithInflux(&fakeInflux{err: errors.New("unauthorized")}),
		WithMetrics(m),
	)

	require.NoError(t, h.Handle(context.Background(), dataMessage()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Forwarded.WithLabelValues("kafka", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Forwarded.WithLabelValues("influx", "error")))
}

func TestHostStateIsForwarded(t *testing.T) {
	d := &fakeDispatcher{}
	h := New(WithKafka(d, nil))

	require.NoError(t, h.Handle(context.Background(), session.HostState{Host: "scada", Online: false, Timestamp: 1, Received: received}))
	require.Len(t, d.msgs, 1)
	assert.Equal(t, "STATE/scada", string(d.msgs[0].Key))

	var out model.OutboundEvent
	require.NoError(t, json.Unmarshal(d.msgs[0].Value, &out))
	assert.Equal(t, "spBv1.0/STATE/scada", out.Topic)
	require.NotNil(t, out.Online)
	assert.False(t, *out.Online)
}

func TestMessageErrorGoesToDLQAndRequestsRebirth(t *testing.T) {
	dlq := &fakeDLQ{}
	r := &fakeRebirther{}
	h := New(WithKafka(&fakeDispatcher{}, dlq), WithRebirth(r, time.Minute))

	scope := sparkplug.Address{Group: "G", Node: "N", Device: "D"}
	ev := session.MessageError{
		Topic:    "spBv1.0/G/DDATA/N/D",
		Payload:  []byte{1, 2, 3},
		Err:      &tracker.UnknownAliasError{Scope: scope, Alias: 9},
		Received: received,
	}
	require.NoError(t, h.Handle(context.Background(), ev))
	require.NoError(t, h.Handle(context.Background(), ev))

	require.Len(t, dlq.values, 2)
	assert.Equal(t, "spBv1.0/G/DDATA/N/D", dlq.keys[0])
	var dl model.DeadLetter
	require.NoError(t, json.Unmarshal(dlq.values[0], &dl))
	assert.Equal(t, []byte{1, 2, 3}, dl.Original)
	assert.Contains(t, dl.Error, "unknown alias 9")

	h.wg.Wait()
	assert.Equal(t, []sparkplug.Address{scope}, r.calls())
}

func TestSeveralUnknownAliasesRequestOneRebirth(t *testing.T) {
	dlq := &fakeDLQ{}
	r := &fakeRebirther{}
	h := New(WithKafka(&fakeDispatcher{}, dlq), WithRebirth(r, time.Minute))

	node := sparkplug.Address{Group: "G", Node: "N"}
	ev := session.MessageError{
		Topic: "spBv1.0/G/NDEATH/N",
		Err: errors.Join(
			&tracker.UnknownAliasError{Scope: node, Alias: 4},
			&tracker.UnknownAliasError{Scope: node, Alias: 5},
		),
		Received: received,
	}
	require.NoError(t, h.Handle(context.Background(), ev))

	var dl model.DeadLetter
	require.Len(t, dlq.values, 1)
	require.NoError(t, json.Unmarshal(dlq.values[0], &dl))
	assert.Contains(t, dl.Error, "unknown alias 4")
	assert.Contains(t, dl.Error, "unknown alias 5")

	h.wg.Wait()
	assert.Equal(t, []sparkplug.Address{node}, r.calls())
}

func TestSequenceGapRequestsNodeRebirth(t *testing.T) {
	r := &fakeRebirther{}
	h := New(WithRebirth(r, time.Minute))

	node := sparkplug.Address{Group: "G", Node: "N"}
	gap := session.SequenceGap{Gap: tracker.SequenceGap{Node: node, Expected: 3, Got: 5}}
	require.NoError(t, h.Handle(context.Background(), gap))
	h.wg.Wait()
	assert.Equal(t, []sparkplug.Address{node}, r.calls())
}

func TestRunStopsWhenSessionGivesUp(t *testing.T) {
	events := make(chan session.Event, 3)
	events <- session.Reconnecting{Attempt: 1}
	events <- session.GaveUp{Attempts: 3, Err: errors.New("refused")}
	events <- session.Reconnected{}

	err := New().Run(context.Background(), events)
	assert.ErrorIs(t, err, ErrGaveUp)
}

func TestRunEndsWithChannel(t *testing.T) {
	events := make(chan session.Event, 1)
	events <- session.SubscriptionFailed{Filter: "spBv1.0/#"}
	close(events)

	assert.NoError(t, New().Run(context.Background(), events))
}
