package session

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lucaslui/hems/factoryplus/internal/backoff"
	"github.com/lucaslui/hems/factoryplus/internal/metrics"
)

const (
	DefaultKeepAlive      = 20 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultStaleAfter     = 30 * time.Second
	DefaultBufferSize     = 1024
)

type options struct {
	log            *slog.Logger
	dialer         Dialer
	backoff        backoff.Policy
	staleAfter     time.Duration
	bufferSize     int
	overflow       OverflowPolicy
	metrics        *metrics.Metrics
	clientID       string
	keepAlive      time.Duration
	connectTimeout time.Duration
	tlsInsecure    bool
	now            func() time.Time
}

type Option func(*options)

func defaultOptions() options {
	return options{
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		dialer:         PahoDialer,
		backoff:        backoff.Default(),
		staleAfter:     DefaultStaleAfter,
		bufferSize:     DefaultBufferSize,
		overflow:       DropOldest,
		clientID:       "fplus-" + uuid.NewString()[:8],
		keepAlive:      DefaultKeepAlive,
		connectTimeout: DefaultConnectTimeout,
		now:            time.Now,
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithDialer replaces the paho transport.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithBackoff sets the reconnect schedule. MaxAttempts of zero reconnects
// until the session is closed.
func WithBackoff(p backoff.Policy) Option {
	return func(o *options) { o.backoff = p }
}

// WithStaleAfter sets how long a connection may be down before alias
// tables are discarded on reconnect. Zero keeps them forever.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) { o.staleAfter = d }
}

// WithBuffer sets the event channel capacity and what to do when it is
// full.
func WithBuffer(size int, policy OverflowPolicy) Option {
	return func(o *options) {
		o.bufferSize = size
		o.overflow = policy
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithClientID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.clientID = id
		}
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.keepAlive = d }
}

// WithConnectTimeout bounds each connection attempt, including the
// subscription replay.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithTLSInsecure skips broker certificate verification.
func WithTLSInsecure(skip bool) Option {
	return func(o *options) { o.tlsInsecure = skip }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
