package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/daffodil/go-libdaffodil/message"
)

// Asker sends a request over the bus and waits for the reply.
type Asker interface {
	Ask(ctx context.Context, to string, env *message.Envelope) (*message.Envelope, error)
}

// Client reads the wrapper directory over the bus.
type Client struct {
	asker   Asker
	name    string
	timeout time.Duration
}

// NewClient creates a directory client that sends requests using asker.
func NewClient(asker Asker, options ...Option) (*Client, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if asker == nil {
		return nil, fmt.Errorf("nil bus")
	}
	return &Client{
		asker:   asker,
		name:    opts.name,
		timeout: opts.timeout,
	}, nil
}

// ListWrappers requests the list of all wrappers from the directory.
func (c *Client) ListWrappers(ctx context.Context) ([]message.WrapperInfo, error) {
	req, err := message.New(message.KindListWrappers, message.ListWrappers{})
	if err != nil {
		return nil, err
	}
	reply, err := c.ask(ctx, req, message.KindWrapperList)
	if err != nil {
		return nil, err
	}
	var list message.WrapperList
	if err = reply.Decode(&list); err != nil {
		return nil, fmt.Errorf("cannot decode wrapper list: %w", err)
	}
	return list.Wrappers, nil
}

// FetchAll is the same as ListWrappers, and lets a Client be the source of
// a wrapper cache.
func (c *Client) FetchAll(ctx context.Context) ([]message.WrapperInfo, error) {
	return c.ListWrappers(ctx)
}

// Resolve requests the bus address of the named service.
func (c *Client) Resolve(ctx context.Context, service string) (string, error) {
	req, err := message.New(message.KindResolve, message.Resolve{Service: service})
	if err != nil {
		return "", err
	}
	reply, err := c.ask(ctx, req, message.KindResolved)
	if err != nil {
		return "", err
	}
	var resolved message.Resolved
	if err = reply.Decode(&resolved); err != nil {
		return "", fmt.Errorf("cannot decode resolved address: %w", err)
	}
	return resolved.Address, nil
}

func (c *Client) String() string {
	return "bus:" + c.name
}

func (c *Client) ask(ctx context.Context, req *message.Envelope, want message.Kind) (*message.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.asker.Ask(ctx, c.name, req)
	if err != nil {
		return nil, fmt.Errorf("directory request failed: %w", err)
	}
	if err = reply.Expect(want); err != nil {
		return nil, err
	}
	return reply, nil
}
