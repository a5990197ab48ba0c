// Package handler routes session events to the collector's sinks.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/segmentio/kafka-go"

	"github.com/lucaslui/hems/factoryplus/internal/logger"
	"github.com/lucaslui/hems/factoryplus/internal/metrics"
	"github.com/lucaslui/hems/factoryplus/internal/model"
	"github.com/lucaslui/hems/factoryplus/internal/session"
	"github.com/lucaslui/hems/factoryplus/internal/sparkplug"
	"github.com/lucaslui/hems/factoryplus/internal/tracker"
)

// ErrGaveUp is returned by Run when the session stops reconnecting.
var ErrGaveUp = errors.New("session gave up reconnecting")

type Dispatcher interface {
	Enqueue(ctx context.Context, m kafka.Message) error
}

type DeadLetterSender interface {
	SendDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

type MetricWriter interface {
	WriteMetrics(ctx context.Context, topic sparkplug.Topic, ts time.Time, metrics []sparkplug.Metric) error
}

// Rebirther asks an edge node or device to republish its birth.
type Rebirther interface {
	Rebirth(ctx context.Context, addr sparkplug.Address) error
}

type Handler struct {
	dispatcher Dispatcher
	dlq        DeadLetterSender
	influx     MetricWriter

	rebirth        Rebirther
	rebirthTimeout time.Duration
	recent         *expirable.LRU[sparkplug.Address, struct{}]
	wg             sync.WaitGroup

	metrics *metrics.Metrics
	log     *slog.Logger
	newID   func() string
}

type Option func(*Handler)

func WithKafka(d Dispatcher, dlq DeadLetterSender) Option {
	return func(h *Handler) {
		h.dispatcher = d
		h.dlq = dlq
	}
}

func WithInflux(w MetricWriter) Option {
	return func(h *Handler) { h.influx = w }
}

// WithRebirth requests a rebirth when a node skips sequence numbers or
// sends an alias nobody announced. Each address is asked at most once per
// holdoff.
func WithRebirth(r Rebirther, holdoff time.Duration) Option {
	return func(h *Handler) {
		h.rebirth = r
		h.recent = expirable.NewLRU[sparkplug.Address, struct{}](1024, nil, holdoff)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

func New(opts ...Option) *Handler {
	h := &Handler{
		log:            logger.Discard(),
		newID:          uuid.NewString,
		rebirthTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run handles events until the channel closes, ctx ends or the session
// gives up.
func (h *Handler) Run(ctx context.Context, events <-chan session.Event) error {
	defer h.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := h.Handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// Handle forwards one event. Sink failures are logged and counted; only
// GaveUp is returned as an error.
func (h *Handler) Handle(ctx context.Context, ev session.Event) error {
	switch e := ev.(type) {
	case session.Message:
		h.onMessage(ctx, e)
	case session.HostState:
		h.onHostState(ctx, e)
	case session.MessageError:
		h.onMessageError(ctx, e)
	case session.SequenceGap:
		h.log.Warn("sequence gap", "node", e.Gap.Node.String(), "expected", e.Gap.Expected, "got", e.Gap.Got)
		h.requestRebirth(e.Gap.Node)
	case session.Reconnecting:
		h.log.Warn("mqtt reconnecting", "attempt", e.Attempt, "delay", e.Delay, "err", e.Err)
	case session.Reconnected:
		h.log.Info("mqtt reconnected", "attempts", e.Attempts, "downtime", e.Downtime, "aliases_cleared", e.AliasesCleared)
	case session.SubscriptionFailed:
		h.log.Error("subscription refused by broker", "filter", e.Filter, "err", e.Err)
	case session.GaveUp:
		return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, e.Attempts, e.Err)
	}
	return nil
}

func (h *Handler) onMessage(ctx context.Context, m session.Message) {
	if h.dispatcher != nil {
		out := toEvent(m, h.newID())
		err := h.enqueue(ctx, nodeKey(m.Topic), out, m.Received)
		h.metrics.Forward("kafka", err)
		if err != nil {
			h.log.Error("kafka enqueue failed", "topic", m.Topic.String(), "err", err)
		}
	}

	if h.influx != nil {
		ts := m.Received
		if ms := m.Payload.Time(); ms > 0 {
			ts = time.UnixMilli(int64(ms)).UTC()
		}
		err := h.influx.WriteMetrics(ctx, m.Topic, ts, m.Metrics())
		h.metrics.Forward("influx", err)
		if err != nil {
			h.log.Error("influx write failed", "topic", m.Topic.String(), "err", err)
		}
	}
}

func (h *Handler) onHostState(ctx context.Context, s session.HostState) {
	h.log.Info("host state", "host", s.Host, "online", s.Online)
	if h.dispatcher == nil {
		return
	}
	online := s.Online
	out := model.OutboundEvent{
		EventID:    h.newID(),
		Topic:      sparkplug.Topic{Kind: sparkplug.State, Node: s.Host}.String(),
		Type:       string(sparkplug.State),
		Timestamp:  millis(s.Timestamp),
		ReceivedAt: s.Received.UTC(),
		Host:       s.Host,
		Online:     &online,
	}
	err := h.enqueue(ctx, []byte(string(sparkplug.State)+"/"+s.Host), out, s.Received)
	h.metrics.Forward("kafka", err)
	if err != nil {
		h.log.Error("kafka enqueue failed", "host", s.Host, "err", err)
	}
}

func (h *Handler) onMessageError(ctx context.Context, e session.MessageError) {
	unknown := tracker.UnknownAliases(e.Err)
	if len(unknown) == 0 {
		h.log.Warn("message dropped", "topic", e.Topic, "err", e.Err)
	} else {
		aliases := make([]uint64, len(unknown))
		for i, u := range unknown {
			aliases[i] = u.Alias
		}
		h.log.Warn("message dropped, unknown aliases", "topic", e.Topic, "scope", unknown[0].Scope.String(), "aliases", aliases)
		h.requestRebirth(unknown[0].Scope)
	}

	if h.dlq == nil {
		return
	}
	buf, err := json.Marshal(model.DeadLetter{
		Error:      e.Err.Error(),
		Topic:      e.Topic,
		Original:   e.Payload,
		ReceivedAt: e.Received.UTC(),
	})
	if err == nil {
		err = h.dlq.SendDLQ(ctx, []byte(e.Topic), buf, receivedHeader(e.Received))
	}
	h.metrics.Forward("dlq", err)
	if err != nil {
		h.log.Error("kafka write error (dlq)", "topic", e.Topic, "err", err)
	}
}

func (h *Handler) enqueue(ctx context.Context, key []byte, out model.OutboundEvent, received time.Time) error {
	buf, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode %s: %w", out.Topic, err)
	}
	return h.dispatcher.Enqueue(ctx, kafka.Message{
		Key:     key,
		Value:   buf,
		Headers: []kafka.Header{receivedHeader(received), {Key: "type", Value: []byte(out.Type)}},
	})
}

func (h *Handler) requestRebirth(addr sparkplug.Address) {
	if h.rebirth == nil {
		return
	}
	if h.recent.Contains(addr) {
		return
	}
	h.recent.Add(addr, struct{}{})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.rebirthTimeout)
		defer cancel()
		if err := h.rebirth.Rebirth(ctx, addr); err != nil {
			h.log.Error("rebirth request failed", "addr", addr.String(), "err", err)
			return
		}
		h.log.Info("rebirth requested", "addr", addr.String())
	}()
}

func receivedHeader(t time.Time) kafka.Header {
	return kafka.Header{Key: "receivedAt", Value: []byte(t.UTC().Format(time.RFC3339Nano))}
}

// nodeKey keeps every message of one edge node on one partition.
func nodeKey(t sparkplug.Topic) []byte {
	return []byte(t.Group + "/" + t.Node)
}

func millis(ms uint64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(int64(ms)).UTC()
	return &t
}

func toEvent(m session.Message, id string) model.OutboundEvent {
	out := model.OutboundEvent{
		EventID:    id,
		Topic:      m.Topic.String(),
		Type:       string(m.Topic.Kind),
		Group:      m.Topic.Group,
		Node:       m.Topic.Node,
		Device:     m.Topic.Device,
		Timestamp:  millis(m.Payload.Time()),
		ReceivedAt: m.Received.UTC(),
	}
	if seq, ok := sparkplug.Seq(m.Payload); ok {
		out.Seq = &seq
	}
	for _, metric := range m.Metrics() {
		om := model.OutboundMetric{
			Name:       metric.Name,
			Type:       metric.Type.String(),
			Value:      metric.Value,
			Timestamp:  millis(metric.Timestamp),
			Historical: metric.Historical,
			Transient:  metric.Transient,
		}
		if metric.HasAlias {
			alias := metric.Alias
			om.Alias = &alias
		}
		out.Metrics = append(out.Metrics, om)
	}
	return out
}
