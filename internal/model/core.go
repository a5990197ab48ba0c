package model

import "time"

// OutboundEvent is the JSON document forwarded to Kafka for every decoded
// Sparkplug message or host STATE update.
type OutboundEvent struct {
	EventID    string           `json:"eventId"`
	Topic      string           `json:"topic"`
	Type       string           `json:"type"`
	Group      string           `json:"group,omitempty"`
	Node       string           `json:"node,omitempty"`
	Device     string           `json:"device,omitempty"`
	Seq        *uint8           `json:"seq,omitempty"`
	Timestamp  *time.Time       `json:"timestamp,omitempty"`
	ReceivedAt time.Time        `json:"receivedAt"`
	Metrics    []OutboundMetric `json:"metrics,omitempty"`

	// STATE only
	Host   string `json:"host,omitempty"`
	Online *bool  `json:"online,omitempty"`
}

type OutboundMetric struct {
	Name       string     `json:"name"`
	Alias      *uint64    `json:"alias,omitempty"`
	Type       string     `json:"type"`
	Value      any        `json:"value"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Historical bool       `json:"historical,omitempty"`
	Transient  bool       `json:"transient,omitempty"`
}

// DeadLetter wraps a message that could not be decoded or resolved.
type DeadLetter struct {
	Error      string    `json:"error"`
	Topic      string    `json:"topic"`
	Original   []byte    `json:"original"`
	ReceivedAt time.Time `json:"receivedAt"`
}
