package session

import (
	"fmt"
	"time"

	"github.com/lucaslui/hems/factoryplus/internal/sparkplug"
	"github.com/lucaslui/hems/factoryplus/internal/tracker"
)

// Event is one of Message, HostState, MessageError, SequenceGap,
// Reconnecting, Reconnected, GaveUp or SubscriptionFailed.
type Event interface {
	event()
}

// Message is a decoded payload whose metrics all carry names.
type Message struct {
	Topic    sparkplug.Topic
	Payload  sparkplug.Payload
	Received time.Time
}

func (m Message) Metrics() []sparkplug.Metric { return m.Payload.MetricList() }

// HostState is the online flag a primary host application publishes on
// its STATE topic.
type HostState struct {
	Host      string
	Online    bool
	Timestamp uint64
	Received  time.Time
}

// MessageError reports one message that could not be delivered. Err wraps
// a *sparkplug.DecodeError, a *tracker.UnknownAliasError or a topic error.
// The session keeps running.
type MessageError struct {
	Topic    string
	Payload  []byte
	Err      error
	Received time.Time
}

func (e MessageError) Error() string { return fmt.Sprintf("%s: %v", e.Topic, e.Err) }
func (e MessageError) Unwrap() error { return e.Err }

// SequenceGap warns that messages from an edge node may have been lost.
type SequenceGap struct {
	Topic sparkplug.Topic
	Gap   tracker.SequenceGap
}

// Reconnecting is emitted before each reconnect attempt.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// Reconnected is emitted once the session is active again, before any
// message received on the new connection.
type Reconnected struct {
	Attempts       int
	Downtime       time.Duration
	AliasesCleared bool
}

// GaveUp is emitted when the reconnect loop stops. The session stays
// disconnected until Connect is called again.
type GaveUp struct {
	Attempts int
	Err      error
}

// SubscriptionFailed reports a filter the broker refused while the session
// was replaying subscriptions. The filter is dropped from the session.
type SubscriptionFailed struct {
	Filter string
	Err    error
}

func (Message) event()            {}
func (HostState) event()          {}
func (MessageError) event()       {}
func (SequenceGap) event()        {}
func (Reconnecting) event()       {}
func (Reconnected) event()        {}
func (GaveUp) event()             {}
func (SubscriptionFailed) event() {}
