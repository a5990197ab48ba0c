package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucaslui/hems/factoryplus/internal/backoff"
	"github.com/lucaslui/hems/factoryplus/internal/directory"
	"github.com/lucaslui/hems/factoryplus/internal/sparkplug"
)

var errFakeDown = errors.New("broker unreachable")

type published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// fakeTransport is an in-memory broker connection. Tests push inbound
// messages with deliver and break the connection with drop.
type fakeTransport struct {
	mu         sync.Mutex
	cfg        DialConfig
	connected  bool
	connects   int
	connectErr []error
	gate       chan struct{}
	onConnect  func()
	subLog     []string
	active     map[string]byte
	rejected   map[string]bool
	blockOn    string
	onSub      func(filter string)
	published  []published
	calls      []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{rejected: map[string]bool{}}
}

func (f *fakeTransport) dial(cfg DialConfig) (Transport, error) {
	f.cfg = cfg
	return f, nil
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	f.calls = append(f.calls, "connect")
	gate := f.gate
	hook := f.onConnect
	var err error
	if len(f.connectErr) > 0 {
		err = f.connectErr[0]
		f.connectErr = f.connectErr[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.connected = true
	f.active = map[string]byte{}
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, filter string, qos byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return errors.New("not connected")
	}
	f.subLog = append(f.subLog, filter)
	if f.rejected[filter] {
		f.mu.Unlock()
		return ErrSubscriptionRejected
	}
	block := f.blockOn == filter
	hook := f.onSub
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	f.active[filter] = qos
	f.mu.Unlock()
	if hook != nil {
		hook(filter)
	}
	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, filter)
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("not connected")
	}
	f.published = append(f.published, published{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "disconnect")
	f.connected = false
	f.active = nil
}

func (f *fakeTransport) deliver(topic string, payload []byte) {
	f.cfg.OnMessage(topic, payload)
}

func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.connected = false
	f.active = nil
	f.mu.Unlock()
	f.cfg.OnConnectionLost(err)
}

func (f *fakeTransport) activeFilters() map[string]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]byte, len(f.active))
	for k, v := range f.active {
		out[k] = v
	}
	return out
}

func (f *fakeTransport) subscribeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subLog...)
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var testEndpoint = directory.Endpoint{Scheme: "tcp", Host: "broker.test", Port: 1883}

func credsForTest() directory.Credentials {
	return directory.Credentials{Principal: "collector@FACTORY", Secret: "s3cret"}
}

func fastBackoff(maxAttempts int) backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: maxAttempts}
}

func newTestSession(t *testing.T, f *fakeTransport, opts ...Option) *Session {
	t.Helper()
	base := []Option{WithDialer(f.dial), WithBackoff(fastBackoff(0)), WithConnectTimeout(2 * time.Second)}
	s, err := New(testEndpoint, credsForTest(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func nextMessage(t *testing.T, s *Session) Message {
	t.Helper()
	ev := nextEvent(t, s)
	m, ok := ev.(Message)
	require.True(t, ok, "expected Message, got %T: %+v", ev, ev)
	return m
}

func encode(t *testing.T, p sparkplug.Payload) []byte {
	t.Helper()
	b, err := sparkplug.Encode(p)
	require.NoError(t, err)
	return b
}

func birthPayload(t *testing.T, seq uint8) []byte {
	return encode(t, sparkplug.Birth{Timestamp: 1, Seq: seq, Metrics: []sparkplug.Metric{
		{Name: "temp", Alias: 7, HasAlias: true, Type: sparkplug.TypeDouble, Value: 20.5},
	}})
}

func dataPayload(t *testing.T, seq uint8, alias uint64, v float64) []byte {
	return encode(t, sparkplug.Data{Timestamp: 2, Seq: seq, Metrics: []sparkplug.Metric{
		{Alias: alias, HasAlias: true, Type: sparkplug.TypeDouble, Value: v},
	}})
}
