package session

import (
	"context"
	"time"

	"github.com/lucaslui/hems/factoryplus/internal/directory"
)

// Transport is the raw publish/subscribe connection a Session drives.
// Implementations deliver inbound messages in arrival order through
// DialConfig.OnMessage and must not reconnect on their own.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, filter string, qos byte) error
	Unsubscribe(ctx context.Context, filter string) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
}

// DialConfig is everything a Dialer needs to build a Transport.
type DialConfig struct {
	Endpoint       directory.Endpoint
	Credentials    directory.Credentials
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	TLSInsecure    bool

	OnMessage        func(topic string, payload []byte)
	OnConnectionLost func(err error)
}

type Dialer func(cfg DialConfig) (Transport, error)
