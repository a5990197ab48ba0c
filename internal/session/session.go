// Package session manages one MQTT connection to a Factory+ broker: it keeps
// the subscription set, reconnects with backoff, decodes Sparkplug payloads,
// resolves aliases, and hands the results to the application as a channel
// of events.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucaslui/hems/factoryplus/internal/backoff"
	"github.com/lucaslui/hems/factoryplus/internal/directory"
	"github.com/lucaslui/hems/factoryplus/internal/sparkplug"
	"github.com/lucaslui/hems/factoryplus/internal/tracker"
)

var errConnectionLost = errors.New("connection lost during subscription replay")

// Subscription is a filter the session keeps subscribed across reconnects.
type Subscription struct {
	Filter string
	QoS    byte
	s      *Session
}

func (sub *Subscription) Unsubscribe(ctx context.Context) error {
	return sub.s.Unsubscribe(ctx, sub.Filter)
}

type Stats struct {
	State         State
	Subscriptions int
	Received      uint64
	Delivered     uint64
	Dropped       uint64
	Errors        uint64
	Gaps          uint64
	Reconnects    uint64
}

type frame struct {
	topic    string
	payload  []byte
	received time.Time
}

type Session struct {
	opts      options
	endpoint  directory.Endpoint
	transport Transport
	log       *slog.Logger

	state atomic.Int32

	// subMu serialises changes to subs with the replay after (re)connect.
	subMu sync.Mutex
	subs  []*Subscription

	// procMu guards the read path: decoding, alias tracking and enqueueing.
	procMu     sync.Mutex
	tracker    *tracker.Tracker
	delivering bool
	held       []frame

	events   *queue
	lost     chan error
	connLost atomic.Bool

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	superviseOnce sync.Once
	closeOnce     sync.Once

	received   atomic.Uint64
	failed     atomic.Uint64
	gaps       atomic.Uint64
	reconnects atomic.Uint64
}

// New builds a disconnected session for endpoint. Subscriptions can be
// queued once Connect is in progress.
func New(endpoint directory.Endpoint, creds directory.Credentials, opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:     o,
		endpoint: endpoint,
		log:      o.log.With("endpoint", endpoint.URL()),
		tracker:  tracker.New(),
		lost:     make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.events = newQueue(o.bufferSize, o.overflow, o.metrics.Dropped)

	t, err := o.dialer(DialConfig{
		Endpoint:         endpoint,
		Credentials:      creds,
		ClientID:         o.clientID,
		KeepAlive:        o.keepAlive,
		ConnectTimeout:   o.connectTimeout,
		TLSInsecure:      o.tlsInsecure,
		OnMessage:        s.onMessage,
		OnConnectionLost: s.onConnectionLost,
	})
	if err != nil {
		cancel()
		return nil, &ConnectError{Kind: TransportFailure, Endpoint: endpoint.URL(), Err: err}
	}
	s.transport = t
	s.setState(StateDisconnected)
	return s, nil
}

// Connect builds a session and makes one connection attempt. Failures are
// returned as *ConnectError and are not retried.
func Connect(ctx context.Context, endpoint directory.Endpoint, creds directory.Credentials, opts ...Option) (*Session, error) {
	s, err := New(endpoint, creds, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) State() State { return State(s.state.Load()) }

// setState moves to st unless the session is closed.
func (s *Session) setState(st State) bool {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			s.opts.metrics.State(int(st))
			return true
		}
	}
}

func (s *Session) Events() <-chan Event { return s.events.ch }

func (s *Session) Stats() Stats {
	s.subMu.Lock()
	n := len(s.subs)
	s.subMu.Unlock()
	return Stats{
		State:         s.State(),
		Subscriptions: n,
		Received:      s.received.Load(),
		Delivered:     s.events.delivered.Load(),
		Dropped:       s.events.dropped.Load(),
		Errors:        s.failed.Load(),
		Gaps:          s.gaps.Load(),
		Reconnects:    s.reconnects.Load(),
	}
}

// Connect makes one connection attempt and replays queued subscriptions.
// After it succeeds the session reconnects on its own when the transport
// drops.
func (s *Session) Connect(ctx context.Context) error {
	s.subMu.Lock()
	switch st := s.State(); st {
	case StateDisconnected:
		s.setState(StateConnecting)
	case StateClosed:
		s.subMu.Unlock()
		return &ConnectError{Kind: TransportFailure, Endpoint: s.endpoint.URL(), Err: ErrClosed}
	default:
		s.subMu.Unlock()
		return fmt.Errorf("connect %s: session is %s", s.endpoint.URL(), st)
	}
	s.subMu.Unlock()

	if err := s.establish(ctx, nil); err != nil {
		s.setState(StateDisconnected)
		s.log.Error("connect failed", "err", err)
		return err
	}
	s.superviseOnce.Do(func() {
		s.wg.Add(1)
		go s.supervise()
	})
	return nil
}

func (s *Session) establish(ctx context.Context, onActive func()) error {
	if s.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.connectTimeout)
		defer cancel()
	}

	s.connLost.Store(false)
	select {
	case <-s.lost:
	default:
	}

	if err := s.transport.Connect(ctx); err != nil {
		// paho keeps an abandoned connect running; stop it before the next attempt
		s.transport.Disconnect()
		return classifyConnect(ctx, s.endpoint.URL(), err)
	}
	if err := s.flush(ctx, onActive); err != nil {
		s.transport.Disconnect()
		return err
	}
	return nil
}

// flush replays every subscription in order, then goes active and releases
// the messages that arrived meanwhile. A filter is either fully subscribed
// or not attempted; on cancellation the remaining filters stay queued.
func (s *Session) flush(ctx context.Context, onActive func()) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if !s.setState(StateConnected) {
		return &ConnectError{Kind: TransportFailure, Endpoint: s.endpoint.URL(), Err: ErrClosed}
	}
	s.setState(StateSubscribing)

	kept := make([]*Subscription, 0, len(s.subs))
	for i, sub := range s.subs {
		if err := ctx.Err(); err != nil {
			s.subs = append(kept, s.subs[i:]...)
			return &ConnectError{Kind: Timeout, Endpoint: s.endpoint.URL(), Err: err}
		}
		err := s.transport.Subscribe(ctx, sub.Filter, sub.QoS)
		switch {
		case err == nil:
			kept = append(kept, sub)
		case errors.Is(err, ErrSubscriptionRejected):
			s.log.Warn("subscription rejected", "filter", sub.Filter, "err", err)
			s.emit(SubscriptionFailed{Filter: sub.Filter, Err: err})
		default:
			s.subs = append(kept, s.subs[i:]...)
			return classifyConnect(ctx, s.endpoint.URL(), fmt.Errorf("subscribe %s: %w", sub.Filter, err))
		}
	}
	s.subs = kept

	if s.connLost.Load() {
		return &ConnectError{Kind: TransportFailure, Endpoint: s.endpoint.URL(), Err: errConnectionLost}
	}
	if !s.setState(StateActive) {
		return &ConnectError{Kind: TransportFailure, Endpoint: s.endpoint.URL(), Err: ErrClosed}
	}

	s.procMu.Lock()
	if onActive != nil {
		onActive()
	}
	held := s.held
	s.held = nil
	for _, f := range held {
		s.process(f)
	}
	s.delivering = true
	s.procMu.Unlock()

	s.log.Info("session active", "subscriptions", len(s.subs), "released", len(held))
	return nil
}

func (s *Session) supervise() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-s.lost:
			if s.State() != StateActive {
				continue
			}
			s.reconnect(err)
		}
	}
}

func (s *Session) reconnect(cause error) {
	down := s.opts.now()
	s.log.Warn("connection lost", "err", cause)
	if !s.setState(StateConnecting) {
		return
	}
	s.emit(Reconnecting{Attempt: 1, Err: cause})
	s.opts.metrics.Reconnect("attempt")

	attempts := 0
	onActive := func() {
		downtime := s.opts.now().Sub(down)
		cleared := s.opts.staleAfter > 0 && downtime > s.opts.staleAfter
		if cleared {
			s.tracker.Reset()
		}
		s.reconnects.Add(1)
		s.opts.metrics.Reconnect("success")
		s.log.Info("reconnected", "attempts", attempts, "downtime", downtime, "aliases_cleared", cleared)
		s.emit(Reconnected{Attempts: attempts, Downtime: downtime, AliasesCleared: cleared})
	}

	err := backoff.Retry(s.ctx, s.opts.backoff, func(attempt int) error {
		attempts = attempt
		err := s.establish(s.ctx, onActive)
		if err != nil {
			s.setState(StateConnecting)
		}
		var ce *ConnectError
		if errors.As(err, &ce) && ce.Fatal() {
			return backoff.Permanent(err)
		}
		return err
	}, func(attempt int, delay time.Duration, err error) {
		s.log.Warn("reconnect failed", "attempt", attempt, "retry_in", delay, "err", err)
		s.emit(Reconnecting{Attempt: attempt + 1, Delay: delay, Err: err})
		s.opts.metrics.Reconnect("attempt")
	})
	if err == nil || s.ctx.Err() != nil {
		return
	}

	s.setState(StateDisconnected)
	s.log.Error("giving up on reconnect", "attempts", attempts, "err", err)
	s.opts.metrics.Reconnect("gave_up")
	s.emit(GaveUp{Attempts: attempts, Err: err})
}

func (s *Session) onConnectionLost(err error) {
	s.procMu.Lock()
	s.delivering = false
	s.procMu.Unlock()

	s.connLost.Store(true)
	select {
	case s.lost <- err:
	default:
	}
}

func (s *Session) onMessage(topic string, payload []byte) {
	f := frame{topic: topic, payload: payload, received: s.opts.now()}

	s.procMu.Lock()
	defer s.procMu.Unlock()
	if !s.delivering {
		if len(s.held) >= s.opts.bufferSize {
			s.held = s.held[1:]
			s.events.drop()
		}
		s.held = append(s.held, f)
		return
	}
	s.process(f)
}

// process runs with procMu held.
func (s *Session) process(f frame) {
	s.received.Add(1)

	topic, err := sparkplug.ParseTopic(f.topic)
	if err != nil {
		s.reject(f, "topic", err)
		return
	}
	s.opts.metrics.Received(string(topic.Kind))

	if topic.Kind == sparkplug.State {
		hs, err := parseHostState(topic.Node, f)
		if err != nil {
			s.reject(f, "state", err)
			return
		}
		s.emit(hs)
		return
	}

	kind, _ := topic.Kind.PayloadKind()
	p, err := sparkplug.Decode(kind, f.payload)
	if err != nil {
		s.reject(f, "malformed", err)
		return
	}

	res, gap, err := s.tracker.Observe(topic, p)
	if gap != nil {
		s.gaps.Add(1)
		s.opts.metrics.Gap()
		s.log.Warn("sequence gap", "node", gap.Node.String(), "expected", gap.Expected, "got", gap.Got)
		s.emit(SequenceGap{Topic: topic, Gap: *gap})
	}
	if err != nil {
		s.reject(f, "unknown_alias", err)
		return
	}
	s.emit(Message{Topic: res.Topic, Payload: res.Payload, Received: f.received})
}

func (s *Session) reject(f frame, reason string, err error) {
	s.failed.Add(1)
	s.opts.metrics.MessageError(reason)
	s.log.Debug("message dropped", "topic", f.topic, "reason", reason, "err", err)
	s.emit(MessageError{Topic: f.topic, Payload: f.payload, Err: err, Received: f.received})
}

func parseHostState(host string, f frame) (HostState, error) {
	var body struct {
		Online    *bool  `json:"online"`
		Timestamp uint64 `json:"timestamp"`
	}
	if err := json.Unmarshal(f.payload, &body); err != nil {
		return HostState{}, fmt.Errorf("state payload: %w", err)
	}
	if body.Online == nil {
		return HostState{}, errors.New("state payload: missing online flag")
	}
	return HostState{Host: host, Online: *body.Online, Timestamp: body.Timestamp, Received: f.received}, nil
}

func (s *Session) emit(ev Event) { s.events.push(ev) }

// Subscribe adds filter to the session. While connecting the filter is
// queued and sent during the replay; while active it is sent now.
func (s *Session) Subscribe(ctx context.Context, filter string, qos byte) (*Subscription, error) {
	if err := validFilter(filter, qos); err != nil {
		return nil, &SubscribeError{Kind: InvalidFilter, Filter: filter, Err: err}
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	st := s.State()
	if st == StateDisconnected || st == StateClosed {
		return nil, &SubscribeError{Kind: NotConnected, Filter: filter, Err: fmt.Errorf("session is %s", st)}
	}

	idx := s.indexOf(filter)
	if idx >= 0 && s.subs[idx].QoS == qos {
		return s.subs[idx], nil
	}
	if st == StateActive {
		if err := s.transport.Subscribe(ctx, filter, qos); err != nil {
			return nil, &SubscribeError{Kind: TransportFailure, Filter: filter, Err: err}
		}
	}

	sub := &Subscription{Filter: filter, QoS: qos, s: s}
	if idx >= 0 {
		s.subs[idx] = sub
	} else {
		s.subs = append(s.subs, sub)
	}
	s.log.Debug("subscribed", "filter", filter, "qos", qos, "queued", st != StateActive)
	return sub, nil
}

func (s *Session) Unsubscribe(ctx context.Context, filter string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	idx := s.indexOf(filter)
	if idx < 0 {
		return nil
	}
	if s.State() == StateActive {
		if err := s.transport.Unsubscribe(ctx, filter); err != nil {
			return &SubscribeError{Kind: TransportFailure, Filter: filter, Err: err}
		}
	}
	s.subs = append(s.subs[:idx], s.subs[idx+1:]...)
	return nil
}

// Subscriptions lists the filters in replay order.
func (s *Session) Subscriptions() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]string, len(s.subs))
	for i, sub := range s.subs {
		out[i] = sub.Filter
	}
	return out
}

func (s *Session) indexOf(filter string) int {
	for i, sub := range s.subs {
		if sub.Filter == filter {
			return i
		}
	}
	return -1
}

// Publish sends an already encoded payload.
func (s *Session) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if st := s.State(); st != StateActive {
		return fmt.Errorf("publish %s: %w (session is %s)", topic, ErrNotConnected, st)
	}
	if err := s.transport.Publish(ctx, topic, qos, retained, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishPayload encodes p and publishes it on topic at QoS 0.
func (s *Session) PublishPayload(ctx context.Context, topic sparkplug.Topic, p sparkplug.Payload) error {
	if k, ok := topic.Kind.PayloadKind(); !ok || k != p.Kind() {
		return fmt.Errorf("publish %s: %s payload does not belong on this topic", topic, p.Kind())
	}
	b, err := sparkplug.Encode(p)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return s.Publish(ctx, topic.String(), 0, false, b)
}

// RequestRebirth publishes a rebirth command to a node or device.
func (s *Session) RequestRebirth(ctx context.Context, addr sparkplug.Address) error {
	topic, cmd, err := sparkplug.RebirthCommand(addr, uint64(s.opts.now().UnixMilli()))
	if err != nil {
		return fmt.Errorf("rebirth %s: %w", addr, err)
	}
	return s.PublishPayload(ctx, topic, cmd)
}

// Close disconnects, stops reconnecting and closes the event channel.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.opts.metrics.State(int(StateClosed))
		s.cancel()
		s.events.close()
		s.transport.Disconnect()
		s.wg.Wait()
		s.log.Info("session closed")
	})
	return nil
}
