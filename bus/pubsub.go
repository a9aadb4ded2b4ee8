package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/daffodil/go-libdaffodil/message"
	"github.com/hashicorp/go-multierror"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PubSub is a Bus that delivers envelopes over libp2p pubsub. Each bus name
// is a topic. Every PubSub has its own inbox topic that replies to Ask are
// delivered to.
type PubSub struct {
	ctx    context.Context
	cancel context.CancelFunc

	ps             *pubsub.PubSub
	self           peer.ID
	inbox          string
	handlerTimeout time.Duration
	topicPrefix    string

	mutex   sync.Mutex
	closed  bool
	local   map[string]struct{}
	pending map[string]chan *message.Envelope
	subs    []*pubsub.Subscription
	topics  map[string]*pubsub.Topic

	wg sync.WaitGroup
}

var _ Bus = (*PubSub)(nil)

// NewPubSub creates a bus that uses ps to exchange messages. The self ID is
// the ID of the host that ps runs on, and names the bus inbox.
func NewPubSub(ps *pubsub.PubSub, self peer.ID, options ...Option) (*PubSub, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if ps == nil {
		return nil, fmt.Errorf("nil pubsub")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &PubSub{
		ctx:            ctx,
		cancel:         cancel,
		ps:             ps,
		self:           self,
		inbox:          "inbox/" + self.String(),
		handlerTimeout: opts.handlerTimeout,
		topicPrefix:    opts.topicPrefix,
		local:          make(map[string]struct{}),
		pending:        make(map[string]chan *message.Envelope),
		topics:         make(map[string]*pubsub.Topic),
	}

	b.mutex.Lock()
	sub, err := b.subscribeLocked(b.inbox)
	b.local[b.inbox] = struct{}{}
	b.mutex.Unlock()
	if err != nil {
		cancel()
		return nil, err
	}
	b.wg.Add(1)
	go b.readInbox(sub)

	return b, nil
}

// Inbox returns the name that replies to this bus are sent to.
func (b *PubSub) Inbox() string {
	return b.inbox
}

func (b *PubSub) NewCorrelationID() string {
	return newCorrelationID()
}

// Peers returns the peers subscribed to the topic for name.
func (b *PubSub) Peers(name string) []peer.ID {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	t, err := b.joinLocked(name)
	if err != nil {
		return nil
	}
	return t.ListPeers()
}

func (b *PubSub) Register(name string, h Handler) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, ok := b.local[name]; ok {
		return fmt.Errorf("%w: %s", ErrRegistered, name)
	}
	sub, err := b.subscribeLocked(name)
	if err != nil {
		return err
	}
	b.local[name] = struct{}{}

	b.wg.Add(1)
	go b.serve(name, sub, h)
	return nil
}

func (b *PubSub) Send(ctx context.Context, to string, env *message.Envelope) error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return ErrClosed
	}
	t, err := b.joinLocked(to)
	if err != nil {
		b.mutex.Unlock()
		return err
	}
	_, isLocal := b.local[to]
	b.mutex.Unlock()

	if !isLocal && len(t.ListPeers()) == 0 {
		return fmt.Errorf("%w: %s", ErrNoRoute, to)
	}

	data, err := env.MarshalBinary()
	if err != nil {
		return fmt.Errorf("cannot encode message: %w", err)
	}
	if err = t.Publish(ctx, data); err != nil {
		return fmt.Errorf("cannot publish to %s: %w", to, err)
	}
	return nil
}

func (b *PubSub) Ask(ctx context.Context, to string, env *message.Envelope) (*message.Envelope, error) {
	env = copyEnvelope(env)
	env.ReplyTo = b.inbox
	if env.CorrelationID == "" {
		env.CorrelationID = newCorrelationID()
	}

	replies := make(chan *message.Envelope, 1)
	b.mutex.Lock()
	if _, ok := b.pending[env.CorrelationID]; ok {
		b.mutex.Unlock()
		return nil, fmt.Errorf("request %s already pending", env.CorrelationID)
	}
	b.pending[env.CorrelationID] = replies
	b.mutex.Unlock()

	defer func() {
		b.mutex.Lock()
		delete(b.pending, env.CorrelationID)
		b.mutex.Unlock()
	}()

	if err := b.Send(ctx, to, env); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, askError(ctx)
	case <-b.ctx.Done():
		return nil, ErrClosed
	}
}

// Close cancels all subscriptions and closes all topics joined by this bus.
// The pubsub instance is not closed.
func (b *PubSub) Close() error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mutex.Unlock()

	b.cancel()
	for _, sub := range subs {
		sub.Cancel()
	}
	b.wg.Wait()

	b.mutex.Lock()
	defer b.mutex.Unlock()
	var errs *multierror.Error
	for name, t := range b.topics {
		if err := t.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cannot close topic %s: %w", name, err))
		}
	}
	b.topics = nil
	return errs.ErrorOrNil()
}

func (b *PubSub) subscribeLocked(name string) (*pubsub.Subscription, error) {
	if b.closed {
		return nil, ErrClosed
	}
	t, err := b.joinLocked(name)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("cannot subscribe to %s: %w", name, err)
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *PubSub) joinLocked(name string) (*pubsub.Topic, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t, err := b.ps.Join(b.topicPrefix + name)
	if err != nil {
		return nil, fmt.Errorf("cannot join topic for %s: %w", name, err)
	}
	b.topics[name] = t
	return t, nil
}

func (b *PubSub) readInbox(sub *pubsub.Subscription) {
	defer b.wg.Done()
	for {
		msg, err := sub.Next(b.ctx)
		if err != nil {
			return
		}
		env := new(message.Envelope)
		if err = env.UnmarshalBinary(msg.Data); err != nil {
			log.Warnw("Ignoring invalid reply", "from", msg.ReceivedFrom, "err", err)
			continue
		}
		b.mutex.Lock()
		replies, ok := b.pending[env.CorrelationID]
		b.mutex.Unlock()
		if !ok {
			log.Debugw("Ignoring reply with no pending request", "correlationID", env.CorrelationID, "from", env.From)
			continue
		}
		select {
		case replies <- env:
		default:
			log.Debugw("Ignoring duplicate reply", "correlationID", env.CorrelationID, "from", env.From)
		}
	}
}

func (b *PubSub) serve(name string, sub *pubsub.Subscription, h Handler) {
	defer b.wg.Done()
	for {
		msg, err := sub.Next(b.ctx)
		if err != nil {
			return
		}
		env := new(message.Envelope)
		if err = env.UnmarshalBinary(msg.Data); err != nil {
			log.Warnw("Ignoring invalid message", "name", name, "from", msg.ReceivedFrom, "err", err)
			continue
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ctx, cancel := context.WithTimeout(b.ctx, b.handlerTimeout)
			defer cancel()
			r, err := h(ctx, env)
			reply := makeReply(name, env, r, err)
			if reply == nil {
				return
			}
			if env.ReplyTo == "" {
				log.Debugw("Dropping reply to message without reply address", "from", name, "kind", reply.Kind)
				return
			}
			if err := b.Send(ctx, env.ReplyTo, reply); err != nil {
				log.Errorw("Cannot deliver reply", "to", env.ReplyTo, "err", err)
			}
		}()
	}
}
