// Package directory resolves Factory+ service names to endpoints through the
// Directory service.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const providersSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "device": {"type": ["string", "null"]},
      "url": {"type": ["string", "null"]}
    }
  }
}`

// Provider is one registration of a service class.
type Provider struct {
	Device string `json:"device"`
	URL    string `json:"url"`
}

type Resolver struct {
	directoryURL string
	client       *Client
	cache        Cache
	log          *slog.Logger
	schema       *jsonschema.Schema
	httpClient   *http.Client
}

type Option func(*Resolver)

func WithHTTPClient(hc *http.Client) Option {
	return func(r *Resolver) { r.httpClient = hc }
}

// WithCache keeps resolved endpoints in c. Without it every Resolve is a
// directory round trip.
func WithCache(c Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

func NewResolver(directoryURL string, creds Credentials, opts ...Option) (*Resolver, error) {
	base := strings.TrimRight(strings.TrimSpace(directoryURL), "/")
	if _, err := ParseEndpoint(base); err != nil {
		return nil, fmt.Errorf("directory url: %w", err)
	}
	schema, err := compileSchema("providers.json", providersSchema)
	if err != nil {
		return nil, fmt.Errorf("compile providers schema: %w", err)
	}

	r := &Resolver{
		directoryURL: base,
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		schema:       schema,
	}
	for _, o := range opts {
		o(r)
	}
	r.client = NewClient(creds, r.httpClient)
	return r, nil
}

func compileSchema(ref, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(ref, strings.NewReader(schema)); err != nil {
		return nil, err
	}
	return c.Compile(ref)
}

// Client returns the authenticated HTTP client the resolver uses, for
// talking to the services it resolves.
func (r *Resolver) Client() *Client { return r.client }

func (r *Resolver) DirectoryURL() string { return r.directoryURL }

// Resolve returns the endpoint of a service given its well-known name or
// service class UUID.
func (r *Resolver) Resolve(ctx context.Context, service string) (Endpoint, error) {
	id, ok := ServiceUUID(service)
	if !ok {
		return Endpoint{}, notFound(service, fmt.Errorf("unknown service name %q", service))
	}
	if id == ServiceDirectory {
		return ParseEndpoint(r.directoryURL)
	}

	key := id.String()
	if r.cache != nil {
		if ep, ok := r.cache.Get(ctx, key); ok {
			return ep, nil
		}
	}

	providers, err := r.lookup(ctx, service, id)
	if err != nil {
		return Endpoint{}, err
	}
	for _, p := range providers {
		if p.URL == "" {
			continue
		}
		ep, err := ParseEndpoint(p.URL)
		if err != nil {
			return Endpoint{}, unavailable(service, err)
		}
		if r.cache != nil {
			r.cache.Set(ctx, key, ep)
		}
		r.log.Debug("resolved service", "service", service, "endpoint", ep.URL(), "device", p.Device)
		return ep, nil
	}
	return Endpoint{}, notFound(service, errors.New("no provider advertises a url"))
}

// ServiceURLs returns every advertised URL for a service class, in
// directory order.
func (r *Resolver) ServiceURLs(ctx context.Context, id uuid.UUID) ([]string, error) {
	providers, err := r.lookup(ctx, id.String(), id)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, p := range providers {
		if p.URL != "" {
			urls = append(urls, p.URL)
		}
	}
	return urls, nil
}

func (r *Resolver) lookup(ctx context.Context, service string, id uuid.UUID) ([]Provider, error) {
	resp, err := r.client.Do(ctx, http.MethodGet, r.directoryURL, "/v1/service/"+id.String(), nil)
	if err != nil {
		return nil, unavailable(service, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, notFound(service, nil)
	case resp.StatusCode != http.StatusOK:
		return nil, unavailable(service, fmt.Errorf("directory returned %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, unavailable(service, fmt.Errorf("read directory response: %w", err))
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, unavailable(service, fmt.Errorf("decode directory response: %w", err))
	}
	if err := r.schema.Validate(doc); err != nil {
		return nil, unavailable(service, fmt.Errorf("directory response: %w", err))
	}
	var providers []Provider
	if err := json.Unmarshal(raw, &providers); err != nil {
		return nil, unavailable(service, fmt.Errorf("decode directory response: %w", err))
	}
	return providers, nil
}

// Invalidate drops a cached endpoint. The name "ALL" clears the cache.
func (r *Resolver) Invalidate(ctx context.Context, service string) {
	if r.cache == nil {
		return
	}
	if service == InvalidateAll {
		r.cache.Invalidate(ctx, InvalidateAll)
		return
	}
	if id, ok := ServiceUUID(service); ok {
		r.cache.Invalidate(ctx, id.String())
	}
}

// Ping calls {service}/ping and returns the round trip time.
func (r *Resolver) Ping(ctx context.Context, service string) (time.Duration, error) {
	ep, err := r.Resolve(ctx, service)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := r.client.Do(ctx, http.MethodGet, ep.URL(), "/ping", nil)
	if err != nil {
		return 0, fmt.Errorf("ping %s: %w", service, err)
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("ping %s: status %d", service, resp.StatusCode)
	}
	return time.Since(start), nil
}

// Advertise registers url as this client's provider of service class id.
func (r *Resolver) Advertise(ctx context.Context, id uuid.UUID, url string) error {
	body := map[string]string{"url": url}
	resp, err := r.client.Do(ctx, http.MethodPut, r.directoryURL, "/v1/service/"+id.String()+"/advertisement", body)
	if err != nil {
		return fmt.Errorf("advertise %s: %w", id, err)
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("advertise %s: directory returned %d", id, resp.StatusCode)
	}
	return nil
}
