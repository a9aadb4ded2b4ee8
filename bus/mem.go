package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/daffodil/go-libdaffodil/message"
)

// Mem is a Bus that delivers envelopes to handlers in the same process.
type Mem struct {
	ctx    context.Context
	cancel context.CancelFunc

	handlerTimeout time.Duration

	mutex    sync.RWMutex
	handlers map[string]Handler
	closed   bool
	wg       sync.WaitGroup
}

var _ Bus = (*Mem)(nil)

// NewMem creates a new in-process bus.
func NewMem(options ...Option) (*Mem, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mem{
		ctx:            ctx,
		cancel:         cancel,
		handlerTimeout: opts.handlerTimeout,
		handlers:       make(map[string]Handler),
	}, nil
}

func (m *Mem) Register(name string, h Handler) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrRegistered, name)
	}
	m.handlers[name] = h
	return nil
}

// Unregister removes the handler for name.
func (m *Mem) Unregister(name string) {
	m.mutex.Lock()
	delete(m.handlers, name)
	m.mutex.Unlock()
}

func (m *Mem) NewCorrelationID() string {
	return newCorrelationID()
}

// handler returns the handler for name and registers a pending delivery with
// the wait group, so that Close waits for it.
func (m *Mem) handler(name string) (Handler, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	h, ok := m.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, name)
	}
	m.wg.Add(1)
	return h, nil
}

func (m *Mem) Send(ctx context.Context, to string, env *message.Envelope) error {
	h, err := m.handler(to)
	if err != nil {
		return err
	}
	env = copyEnvelope(env)
	go func() {
		defer m.wg.Done()
		hctx, cancel := context.WithTimeout(m.ctx, m.handlerTimeout)
		defer cancel()
		r, err := h(hctx, env)
		reply := makeReply(to, env, r, err)
		if reply == nil {
			return
		}
		if env.ReplyTo == "" {
			log.Debugw("Dropping reply to message without reply address", "from", to, "kind", reply.Kind)
			return
		}
		if err := m.Send(m.ctx, env.ReplyTo, reply); err != nil {
			log.Errorw("Cannot deliver reply", "to", env.ReplyTo, "err", err)
		}
	}()
	return nil
}

func (m *Mem) Ask(ctx context.Context, to string, env *message.Envelope) (*message.Envelope, error) {
	h, err := m.handler(to)
	if err != nil {
		return nil, err
	}
	env = copyEnvelope(env)
	env.ReplyTo = ""
	if env.CorrelationID == "" {
		env.CorrelationID = newCorrelationID()
	}

	replies := make(chan *message.Envelope, 1)
	go func() {
		defer m.wg.Done()
		r, err := h(ctx, env)
		reply := makeReply(to, env, r, err)
		if reply == nil {
			reply, _ = message.New(message.KindError, message.Error{Message: "no reply"})
			reply.CorrelationID = env.CorrelationID
		}
		replies <- reply
	}()

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, askError(ctx)
	}
}

// Close stops accepting messages and waits for running handlers to finish.
func (m *Mem) Close() error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true
	m.mutex.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

func askError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrAskTimeout
	}
	return ctx.Err()
}
