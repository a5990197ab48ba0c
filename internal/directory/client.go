package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const tokenSkew = 10 * time.Second

var ErrTokenRejected = errors.New("token request rejected")

type token struct {
	value  string
	expiry time.Time
}

// Client makes authenticated requests to Factory+ services. Each service
// hands out its own bearer token from {base}/token in exchange for basic
// credentials; tokens are kept until they expire or the service answers 401.
type Client struct {
	http  *http.Client
	creds Credentials
	now   func() time.Time

	mu     sync.Mutex
	tokens map[string]token
}

func NewClient(creds Credentials, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		http:   hc,
		creds:  creds,
		now:    time.Now,
		tokens: make(map[string]token),
	}
}

// Do sends method base+path with a bearer token for base. body, when not
// nil, is sent as JSON. A 401 drops the token and the request is retried
// once with a fresh one.
func (c *Client) Do(ctx context.Context, method, base, path string, body any) (*http.Response, error) {
	base = strings.TrimRight(base, "/")
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		tok, err := c.token(ctx, base)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, base+path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			drain(resp)
			c.forget(base)
			continue
		}
		return resp, nil
	}
}

func (c *Client) token(ctx context.Context, base string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tokens[base]; ok && (t.expiry.IsZero() || c.now().Before(t.expiry)) {
		return t.value, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/token", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.creds.Principal, c.creds.Secret)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token from %s: %w", base, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s/token returned %d", ErrTokenRejected, base, resp.StatusCode)
	}
	var body struct {
		Token  string `json:"token"`
		Expiry int64  `json:"expiry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token from %s: %w", base, err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("%w: %s/token returned an empty token", ErrTokenRejected, base)
	}

	t := token{value: body.Token}
	if body.Expiry > 0 {
		t.expiry = time.UnixMilli(body.Expiry).Add(-tokenSkew)
	}
	c.tokens[base] = t
	return t.value, nil
}

func (c *Client) forget(base string) {
	c.mu.Lock()
	delete(c.tokens, base)
	c.mu.Unlock()
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
