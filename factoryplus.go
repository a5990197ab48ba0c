// Package factoryplus connects applications to a Factory+ deployment: it
// finds services through the directory and opens Sparkplug sessions on the
// MQTT broker the directory advertises.
package factoryplus

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lucaslui/hems/factoryplus/internal/cmdesc"
	"github.com/lucaslui/hems/factoryplus/internal/directory"
	"github.com/lucaslui/hems/factoryplus/internal/logger"
	"github.com/lucaslui/hems/factoryplus/internal/session"
	"github.com/lucaslui/hems/factoryplus/internal/sparkplug"
)

type (
	Endpoint    = directory.Endpoint
	Credentials = directory.Credentials
	Cache       = directory.Cache

	Session      = session.Session
	Subscription = session.Subscription
	Event        = session.Event
	Message      = session.Message

	Address = sparkplug.Address
	Topic   = sparkplug.Topic
	Metric  = sparkplug.Metric
	Payload = sparkplug.Payload
)

type Client struct {
	resolver    *directory.Resolver
	creds       Credentials
	brokerURL   string
	sessionOpts []session.Option
	cmdesc      *cmdesc.Client
	log         *slog.Logger
}

type options struct {
	resolverOpts []directory.Option
	sessionOpts  []session.Option
	brokerURL    string
	log          *slog.Logger
}

type Option func(*options)

// WithLogger is passed on to the resolver and to every session.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithCache(c Cache) Option {
	return func(o *options) { o.resolverOpts = append(o.resolverOpts, directory.WithCache(c)) }
}

func WithResolverOptions(opts ...directory.Option) Option {
	return func(o *options) { o.resolverOpts = append(o.resolverOpts, opts...) }
}

func WithSessionOptions(opts ...session.Option) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithBrokerURL skips the directory lookup for the MQTT service.
func WithBrokerURL(url string) Option {
	return func(o *options) { o.brokerURL = url }
}

var errNoDirectory = errors.New("no directory configured")

// New builds a client for the directory at directoryURL. directoryURL may
// be empty when WithBrokerURL is given; only the broker is reachable then.
func New(directoryURL string, creds Credentials, opts ...Option) (*Client, error) {
	o := options{log: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		creds:       creds,
		brokerURL:   o.brokerURL,
		sessionOpts: append([]session.Option{session.WithLogger(o.log)}, o.sessionOpts...),
		log:         o.log,
	}
	if directoryURL == "" && o.brokerURL != "" {
		return c, nil
	}

	ropts := append([]directory.Option{directory.WithLogger(o.log)}, o.resolverOpts...)
	r, err := directory.NewResolver(directoryURL, creds, ropts...)
	if err != nil {
		return nil, err
	}
	c.resolver = r
	c.cmdesc = cmdesc.New(r)
	return c, nil
}

// Resolver is nil when the client was built without a directory.
func (c *Client) Resolver() *directory.Resolver { return c.resolver }

// CommandEscalation returns the client for the cmdesc service, or nil
// without a directory.
func (c *Client) CommandEscalation() *cmdesc.Client { return c.cmdesc }

func (c *Client) Resolve(ctx context.Context, service string) (Endpoint, error) {
	if c.resolver == nil {
		return Endpoint{}, &directory.ResolveError{Kind: directory.DirectoryUnavailable, Service: service, Err: errNoDirectory}
	}
	return c.resolver.Resolve(ctx, service)
}

// Connect resolves the MQTT broker, connects and subscribes to filters at
// qos. A transport failure drops the cached broker endpoint so the next
// call looks it up again.
func (c *Client) Connect(ctx context.Context, qos byte, filters ...string) (*Session, error) {
	ep, err := c.brokerEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	s, err := session.New(ep, c.creds, c.sessionOpts...)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		s.Close()
		if c.resolver != nil && (errors.Is(err, session.ErrTransportFailure) || errors.Is(err, session.ErrTimeout)) {
			c.resolver.Invalidate(ctx, "mqtt")
		}
		return nil, err
	}
	for _, f := range filters {
		if _, err := s.Subscribe(ctx, f, qos); err != nil {
			s.Close()
			return nil, err
		}
	}
	c.log.Info("factory+ session ready", "broker", ep.URL(), "filters", len(filters))
	return s, nil
}

func (c *Client) brokerEndpoint(ctx context.Context) (Endpoint, error) {
	if c.brokerURL != "" {
		return directory.ParseEndpoint(c.brokerURL)
	}
	return c.Resolve(ctx, "mqtt")
}
