package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	srv       *httptest.Server
	tokens    atomic.Int32
	lookups   atomic.Int32
	services  map[string]string
	rejectOne atomic.Bool
	status    int
	body      string
	adverts   map[string]string
}

func newFakeDirectory(t *testing.T) *fakeDirectory {
	t.Helper()
	d := &fakeDirectory{services: map[string]string{}, adverts: map[string]string{}}

	r := chi.NewRouter()
	r.Post("/token", func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok := req.BasicAuth()
		if !ok || user != "svc" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := d.tokens.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":  "tok-" + string(rune('0'+n)),
			"expiry": time.Now().Add(time.Hour).UnixMilli(),
		})
	})
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/v1/service/{id}", func(w http.ResponseWriter, req *http.Request) {
		d.lookups.Add(1)
		if req.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if d.rejectOne.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if d.status != 0 {
			w.WriteHeader(d.status)
			_, _ = w.Write([]byte(d.body))
			return
		}
		url, ok := d.services[chi.URLParam(req, "id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode([]Provider{{Device: "dev-1", URL: url}})
	})
	r.Put("/v1/service/{id}/advertisement", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		d.adverts[chi.URLParam(req, "id")] = body.URL
		w.WriteHeader(http.StatusNoContent)
	})

	d.srv = httptest.NewServer(r)
	t.Cleanup(d.srv.Close)
	return d
}

func newTestResolver(t *testing.T, d *fakeDirectory, opts ...Option) *Resolver {
	t.Helper()
	r, err := NewResolver(d.srv.URL, Credentials{Principal: "svc", Secret: "secret"}, opts...)
	require.NoError(t, err)
	return r
}

func TestResolveMQTT(t *testing.T) {
	d := newFakeDirectory(t)
	d.services[ServiceMQTT.String()] = "mqtt://broker.factory.local"
	r := newTestResolver(t, d)

	ep, err := r.Resolve(context.Background(), "mqtt")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Scheme: "mqtt", Host: "broker.factory.local", Port: 1883}, ep)

	_, err = r.Resolve(context.Background(), ServiceMQTT.String())
	require.NoError(t, err)
	assert.Equal(t, int32(1), d.tokens.Load(), "token is reused")
	assert.Equal(t, int32(2), d.lookups.Load(), "no cache by default")
}

func TestResolveUnregisteredServiceIsNotFound(t *testing.T) {
	d := newFakeDirectory(t)
	r := newTestResolver(t, d)

	_, err := r.Resolve(context.Background(), "configdb")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.NotErrorIs(t, err, ErrDirectoryUnavailable)

	var re *ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ServiceNotFound, re.Kind)
}

func TestResolveEmptyProviderListIsNotFound(t *testing.T) {
	d := newFakeDirectory(t)
	d.status = http.StatusOK
	d.body = `[{"device":"d","url":null}]`
	r := newTestResolver(t, d)

	_, err := r.Resolve(context.Background(), "git")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestResolveUnknownName(t *testing.T) {
	d := newFakeDirectory(t)
	r := newTestResolver(t, d)

	_, err := r.Resolve(context.Background(), "not-a-service")
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.Equal(t, int32(0), d.lookups.Load())
}

func TestResolveDirectoryUnavailable(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"server error":    {status: http.StatusInternalServerError},
		"not json":        {status: http.StatusOK, body: "<html>"},
		"schema mismatch": {status: http.StatusOK, body: `[{"url": 5}]`},
		"bad url":         {status: http.StatusOK, body: `[{"url": "gopher://x"}]`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			d := newFakeDirectory(t)
			d.status = tc.status
			d.body = tc.body
			r := newTestResolver(t, d)

			_, err := r.Resolve(context.Background(), "mqtt")
			assert.ErrorIs(t, err, ErrDirectoryUnavailable)
		})
	}
}

func TestResolveNetworkFailureIsUnavailable(t *testing.T) {
	d := newFakeDirectory(t)
	r := newTestResolver(t, d)
	d.srv.Close()

	_, err := r.Resolve(context.Background(), "mqtt")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
}

func TestResolveBadCredentialsIsUnavailable(t *testing.T) {
	d := newFakeDirectory(t)
	r, err := NewResolver(d.srv.URL, Credentials{Principal: "svc", Secret: "wrong"})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "mqtt")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.ErrorIs(t, err, ErrTokenRejected)
}

func TestResolveRefreshesTokenOn401(t *testing.T) {
	d := newFakeDirectory(t)
	d.services[ServiceMQTT.String()] = "mqtts://broker:8884"
	r := newTestResolver(t, d)

	_, err := r.Resolve(context.Background(), "mqtt")
	require.NoError(t, err)

	d.rejectOne.Store(true)
	ep, err := r.Resolve(context.Background(), "mqtt")
	require.NoError(t, err)
	assert.Equal(t, 8884, ep.Port)
	assert.Equal(t, int32(2), d.tokens.Load())
}

func TestResolveWithCacheAndInvalidate(t *testing.T) {
	d := newFakeDirectory(t)
	d.services[ServiceCommandEscalation.String()] = "http://cmdesc.local"
	r := newTestResolver(t, d, WithCache(NewMemoryCache(8, time.Minute)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(ctx, "cmdesc")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), d.lookups.Load())

	d.services[ServiceCommandEscalation.String()] = "http://cmdesc2.local"
	r.Invalidate(ctx, "cmdesc")
	ep, err := r.Resolve(ctx, "cmdesc")
	require.NoError(t, err)
	assert.Equal(t, "cmdesc2.local", ep.Host)
	assert.Equal(t, int32(2), d.lookups.Load())

	r.Invalidate(ctx, InvalidateAll)
	_, err = r.Resolve(ctx, "cmdesc")
	require.NoError(t, err)
	assert.Equal(t, int32(3), d.lookups.Load())
}

func TestResolveDirectoryItself(t *testing.T) {
	d := newFakeDirectory(t)
	r := newTestResolver(t, d)

	ep, err := r.Resolve(context.Background(), "directory")
	require.NoError(t, err)
	assert.Equal(t, d.srv.URL, ep.URL())
	assert.Equal(t, int32(0), d.lookups.Load())
}

func TestNewResolverNormalisesDirectoryURL(t *testing.T) {
	r, err := NewResolver("  http://directory.factory.local:8080/ ", Credentials{Principal: "a", Secret: "b"})
	require.NoError(t, err)
	assert.Equal(t, "http://directory.factory.local:8080", r.DirectoryURL())

	_, err = NewResolver("directory without scheme", Credentials{})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestServiceURLsAndPing(t *testing.T) {
	d := newFakeDirectory(t)
	d.services[ServiceConfigDB.String()] = d.srv.URL
	r := newTestResolver(t, d)
	ctx := context.Background()

	urls, err := r.ServiceURLs(ctx, ServiceConfigDB)
	require.NoError(t, err)
	assert.Equal(t, []string{d.srv.URL}, urls)

	_, err = r.Ping(ctx, "configdb")
	assert.NoError(t, err)
}

func TestAdvertise(t *testing.T) {
	d := newFakeDirectory(t)
	r := newTestResolver(t, d)

	err := r.Advertise(context.Background(), ServiceGit, "https://git.factory.local")
	require.NoError(t, err)
	assert.Equal(t, "https://git.factory.local", d.adverts[ServiceGit.String()])
}
