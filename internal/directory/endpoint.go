package directory

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var ErrInvalidEndpoint = errors.New("invalid endpoint")

var defaultPorts = map[string]int{
	"tcp":   1883,
	"mqtt":  1883,
	"ssl":   8883,
	"tls":   8883,
	"mqtts": 8883,
	"ws":    80,
	"wss":   443,
	"http":  80,
	"https": 443,
}

// Endpoint is where a service can be reached.
type Endpoint struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// ParseEndpoint parses a service URL as advertised in the directory. A
// missing port is filled in from the scheme.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	scheme := strings.ToLower(u.Scheme)
	port, ok := defaultPorts[scheme]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: no host in %q", ErrInvalidEndpoint, raw)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Endpoint{}, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, p)
		}
		port = n
	}
	return Endpoint{Scheme: scheme, Host: host, Port: port}, nil
}

// URL renders scheme://host:port.
func (e Endpoint) URL() string {
	return e.Scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.URL() }

func (e Endpoint) Secure() bool {
	switch e.Scheme {
	case "ssl", "tls", "mqtts", "wss", "https":
		return true
	}
	return false
}

// Credentials authenticate this client to Factory+ services. The secret is
// never printed or logged.
type Credentials struct {
	Principal string
	Secret    string
}

func (c Credentials) String() string {
	if c.Secret == "" {
		return c.Principal
	}
	return c.Principal + ":******"
}

func (c Credentials) GoString() string { return "directory.Credentials{" + c.String() + "}" }

func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("principal", c.Principal))
}
