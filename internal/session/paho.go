package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// subackFailure is the SUBACK return code for a refused filter.
const subackFailure = 0x80

type pahoTransport struct {
	client mqtt.Client
}

// PahoDialer builds the paho client for cfg. Reconnecting is left to the
// session, so paho's own retry loops are off and every message goes through
// the default handler in arrival order.
func PahoDialer(cfg DialConfig) (Transport, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Endpoint.URL()).
		SetClientID(cfg.ClientID).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetKeepAlive(cfg.KeepAlive).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	if cfg.Credentials.Principal != "" {
		opts.SetUsername(cfg.Credentials.Principal)
	}
	if cfg.Credentials.Secret != "" {
		opts.SetPassword(cfg.Credentials.Secret)
	}
	if cfg.Endpoint.Secure() {
		opts.SetTLSConfig(&tls.Config{
			ServerName:         cfg.Endpoint.Host,
			InsecureSkipVerify: cfg.TLSInsecure,
			MinVersion:         tls.VersionTLS12,
		})
	}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		if cfg.OnMessage != nil {
			cfg.OnMessage(m.Topic(), m.Payload())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if cfg.OnConnectionLost != nil {
			cfg.OnConnectionLost(err)
		}
	})

	return &pahoTransport{client: mqtt.NewClient(opts)}, nil
}

func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pahoTransport) Connect(ctx context.Context) error {
	err := wait(ctx, p.client.Connect())
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	return err
}

func (p *pahoTransport) Subscribe(ctx context.Context, filter string, qos byte) error {
	t := p.client.Subscribe(filter, qos, nil)
	if err := wait(ctx, t); err != nil {
		return err
	}
	if st, ok := t.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[filter]; found && code == subackFailure {
			return fmt.Errorf("%w: %s", ErrSubscriptionRejected, filter)
		}
	}
	return nil
}

func (p *pahoTransport) Unsubscribe(ctx context.Context, filter string) error {
	return wait(ctx, p.client.Unsubscribe(filter))
}

func (p *pahoTransport) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	return wait(ctx, p.client.Publish(topic, qos, retained, payload))
}

func (p *pahoTransport) Disconnect() {
	p.client.Disconnect(250)
}
