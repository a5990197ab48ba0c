package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrAuthRejected     = errors.New("authentication rejected")
	ErrTransportFailure = errors.New("transport failure")
	ErrTimeout          = errors.New("timed out")
	ErrNotConnected     = errors.New("not connected")
	ErrClosed           = errors.New("session closed")
	ErrInvalidFilter    = errors.New("invalid topic filter")

	// ErrSubscriptionRejected is returned by a Transport when the broker
	// refuses a filter.
	ErrSubscriptionRejected = errors.New("subscription rejected by broker")
)

// Kind classifies connect and subscribe failures.
type Kind int

const (
	AuthRejected Kind = iota + 1
	TransportFailure
	Timeout
	NotConnected
	InvalidFilter
)

func (k Kind) String() string {
	switch k {
	case AuthRejected:
		return "auth rejected"
	case TransportFailure:
		return "transport failure"
	case Timeout:
		return "timeout"
	case NotConnected:
		return "not connected"
	case InvalidFilter:
		return "invalid filter"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) sentinel() error {
	switch k {
	case AuthRejected:
		return ErrAuthRejected
	case TransportFailure:
		return ErrTransportFailure
	case Timeout:
		return ErrTimeout
	case NotConnected:
		return ErrNotConnected
	case InvalidFilter:
		return ErrInvalidFilter
	}
	return nil
}

// ConnectError is returned when a connection attempt fails. TLS failures
// are reported as TransportFailure with TLS set.
type ConnectError struct {
	Kind     Kind
	TLS      bool
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	what := e.Kind.String()
	if e.TLS {
		what = "tls failure"
	}
	return fmt.Sprintf("connect %s: %s: %v", e.Endpoint, what, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Fatal reports whether retrying cannot help: the broker refused the
// credentials or the TLS handshake failed.
func (e *ConnectError) Fatal() bool {
	return e.Kind == AuthRejected || e.TLS
}

type SubscribeError struct {
	Kind   Kind
	Filter string
	Err    error
}

func (e *SubscribeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("subscribe %s: %s", e.Filter, e.Kind)
	}
	return fmt.Sprintf("subscribe %s: %s: %v", e.Filter, e.Kind, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

func (e *SubscribeError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// validFilter applies the MQTT wildcard rules: '+' fills a whole level and
// '#' is the last level.
func validFilter(filter string, qos byte) error {
	if filter == "" {
		return errors.New("empty filter")
	}
	if qos > 2 {
		return fmt.Errorf("qos %d out of range", qos)
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		switch {
		case l == "#" && i != len(levels)-1:
			return errors.New("'#' must be the last level")
		case l != "#" && l != "+" && strings.ContainsAny(l, "#+"):
			return fmt.Errorf("wildcard inside level %q", l)
		}
	}
	return nil
}

func classifyConnect(ctx context.Context, endpoint string, err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	e := &ConnectError{Kind: TransportFailure, Endpoint: endpoint, Err: err}
	var netErr net.Error
	switch {
	case errors.Is(err, ErrAuthRejected):
		e.Kind = AuthRejected
	case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
		e.Kind = Timeout
	case isTLS(err):
		e.TLS = true
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Kind = Timeout
	}
	return e
}

func isTLS(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verify           *tls.CertificateVerificationError
		record           tls.RecordHeaderError
		alert            tls.AlertError
	)
	switch {
	case errors.As(err, &unknownAuthority), errors.As(err, &hostname), errors.As(err, &invalid),
		errors.As(err, &verify), errors.As(err, &record), errors.As(err, &alert):
		return true
	}
	// paho flattens some dial errors into strings
	msg := err.Error()
	return strings.Contains(msg, "x509:") || strings.Contains(msg, "tls:")
}
