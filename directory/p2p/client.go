package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/daffodil/go-libdaffodil/mautil"
	"github.com/daffodil/go-libdaffodil/message"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-multiaddr"
)

// Timeout to wait for a reply after a request is sent.
const readMessageTimeout = 10 * time.Second

// ErrReadTimeout is returned when no reply is read within the timeout period.
var ErrReadTimeout = fmt.Errorf("timed out reading reply")

// Client sends directory requests to a single directory peer.
type Client struct {
	host     host.Host
	ownHost  bool
	peerID   peer.ID
	r        msgio.ReadCloser
	w        msgio.WriteCloser
	stream   network.Stream
	sendLock sync.Mutex
}

// New creates a new Client that sends requests to the directory peer. If
// host is nil, then one is created.
func New(p2pHost host.Host, peerID peer.ID) (*Client, error) {
	var ownHost bool
	if p2pHost == nil {
		var err error
		p2pHost, err = libp2p.New()
		if err != nil {
			return nil, err
		}
		ownHost = true
	}
	return &Client{
		host:    p2pHost,
		ownHost: ownHost,
		peerID:  peerID,
	}, nil
}

// Connect connects to the directory peer at the given multiaddr strings.
func (c *Client) Connect(ctx context.Context, addrs ...string) error {
	maddrs, err := mautil.ParseMultiaddrs(addrs)
	if err != nil {
		return fmt.Errorf("bad directory address: %w", err)
	}
	return c.ConnectAddrs(ctx, maddrs...)
}

// ConnectAddrs connects to the directory peer at the given addresses.
func (c *Client) ConnectAddrs(ctx context.Context, maddrs ...multiaddr.Multiaddr) error {
	return c.host.Connect(ctx, peer.AddrInfo{
		ID:    c.peerID,
		Addrs: maddrs,
	})
}

// Close resets the stream if one is open, and closes the host if it was
// created by the client.
func (c *Client) Close() error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	if c.stream != nil {
		c.closeStream()
	}
	if c.ownHost {
		return c.host.Close()
	}
	return nil
}

// FetchAll requests the list of all wrappers from the directory peer.
func (c *Client) FetchAll(ctx context.Context) ([]message.WrapperInfo, error) {
	req, err := message.New(message.KindListWrappers, message.ListWrappers{})
	if err != nil {
		return nil, err
	}
	reply, err := c.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if err = reply.Expect(message.KindWrapperList); err != nil {
		return nil, err
	}
	var list message.WrapperList
	if err = reply.Decode(&list); err != nil {
		return nil, fmt.Errorf("cannot decode wrapper list: %w", err)
	}
	return list.Wrappers, nil
}

// Resolve requests the bus address of the named service.
func (c *Client) Resolve(ctx context.Context, service string) (string, error) {
	req, err := message.New(message.KindResolve, message.Resolve{Service: service})
	if err != nil {
		return "", err
	}
	reply, err := c.SendRequest(ctx, req)
	if err != nil {
		return "", err
	}
	if err = reply.Expect(message.KindResolved); err != nil {
		return "", err
	}
	var resolved message.Resolved
	if err = reply.Decode(&resolved); err != nil {
		return "", fmt.Errorf("cannot decode resolved address: %w", err)
	}
	return resolved.Address, nil
}

func (c *Client) String() string {
	return "p2p:" + c.peerID.String()
}

// SendRequest sends a request and reads the reply.
func (c *Client) SendRequest(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.prepStream(ctx); err != nil {
		return nil, err
	}
	if err := writeMsg(c.w, req); err != nil {
		c.closeStream()
		return nil, fmt.Errorf("cannot send request: %w", err)
	}

	reply, err := c.readReply(ctx)
	if err != nil {
		c.closeStream()
		return nil, err
	}
	return reply, nil
}

func (c *Client) prepStream(ctx context.Context) error {
	if c.stream != nil {
		return nil
	}
	s, err := c.host.NewStream(ctx, c.peerID, ProtocolID)
	if err != nil {
		return err
	}
	c.r = msgio.NewVarintReaderSize(s, network.MessageSizeMax)
	c.w = msgio.NewVarintWriter(s)
	c.stream = s
	return nil
}

func (c *Client) closeStream() {
	_ = c.stream.Reset()
	c.stream = nil
	c.r = nil
	c.w = nil
}

type readResult struct {
	env *message.Envelope
	err error
}

func (c *Client) readReply(ctx context.Context) (*message.Envelope, error) {
	resCh := make(chan readResult, 1)
	go func(r msgio.ReadCloser) {
		data, err := r.ReadMsg()
		if err != nil {
			if data != nil {
				r.ReleaseMsg(data)
			}
			resCh <- readResult{err: err}
			return
		}
		env := new(message.Envelope)
		err = env.UnmarshalBinary(data)
		r.ReleaseMsg(data)
		resCh <- readResult{env: env, err: err}
	}(c.r)

	t := time.NewTimer(readMessageTimeout)
	defer t.Stop()

	select {
	case res := <-resCh:
		return res.env, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, ErrReadTimeout
	}
}
