// Package cmdesc talks to the Factory+ Command Escalation service, which
// relays commands to edge nodes and devices on behalf of authorised
// principals.
package cmdesc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/lucaslui/hems/factoryplus/internal/directory"
	"github.com/lucaslui/hems/factoryplus/internal/sparkplug"
)

var ErrRejected = errors.New("command rejected")

// Resolver finds the Command Escalation service.
type Resolver interface {
	Resolve(ctx context.Context, service string) (directory.Endpoint, error)
	Client() *directory.Client
}

type Client struct {
	resolver Resolver
}

func New(r Resolver) *Client {
	return &Client{resolver: r}
}

type request struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// RequestCommand asks the service to set metric name of type typ to value
// on the node or device at addr.
func (c *Client) RequestCommand(ctx context.Context, addr sparkplug.Address, name string, typ sparkplug.DataType, value any) error {
	if !typ.Supported() {
		return fmt.Errorf("command %s on %s: unsupported type %s", name, addr, typ)
	}
	ep, err := c.resolver.Resolve(ctx, "cmdesc")
	if err != nil {
		return err
	}

	body := request{Name: name, Type: typ.String(), Value: value}
	resp, err := c.resolver.Client().Do(ctx, http.MethodPost, ep.URL(), "/v1/address/"+addr.String(), body)
	if err != nil {
		return fmt.Errorf("command %s on %s: %w", name, addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%w: %s on %s: status %d: %s", ErrRejected, name, addr, resp.StatusCode, msg)
	}
	return nil
}

// Rebirth asks a node or device to republish its birth certificate.
func (c *Client) Rebirth(ctx context.Context, addr sparkplug.Address) error {
	return c.RequestCommand(ctx, addr, sparkplug.RebirthMetric(addr), sparkplug.TypeBoolean, true)
}
