// Package bus provides the request/reply and fire-and-forget messaging used
// between the document store, search wrappers, and the wrapper directory.
//
// Two implementations are provided: Mem delivers messages within a process,
// and PubSub delivers them over libp2p pubsub topics, one topic per bus name.
package bus

import (
	"context"
	"errors"

	"github.com/daffodil/go-libdaffodil/message"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("bus")

var (
	// ErrNoRoute is returned when nothing is registered to receive messages
	// sent to a name.
	ErrNoRoute = errors.New("no route to destination")
	// ErrClosed is returned when using a bus that is closed.
	ErrClosed = errors.New("bus closed")
	// ErrAskTimeout is returned by Ask when no reply arrives before the
	// context deadline.
	ErrAskTimeout = errors.New("timed out waiting for reply")
	// ErrRegistered is returned when registering a name that already has a
	// handler.
	ErrRegistered = errors.New("name already registered")
)

// Handler processes an envelope delivered to a registered name. A non-nil
// reply, or an error, is delivered to the request's ReplyTo name with the
// request's correlation ID. A nil reply with nil error sends nothing.
type Handler func(ctx context.Context, env *message.Envelope) (*message.Envelope, error)

// Bus sends envelopes to named destinations.
type Bus interface {
	// Send delivers env to the handler registered for name, without waiting
	// for the handler to run.
	Send(ctx context.Context, to string, env *message.Envelope) error
	// Ask delivers env to the handler registered for name and waits for its
	// reply, until ctx is done.
	Ask(ctx context.Context, to string, env *message.Envelope) (*message.Envelope, error)
	// NewCorrelationID returns an ID unique to this bus that pairs replies
	// with requests.
	NewCorrelationID() string
	// Register makes h the receiver of all envelopes sent to name.
	Register(name string, h Handler) error
	// Close stops delivery to all registered handlers.
	Close() error
}

func newCorrelationID() string {
	return uuid.NewString()
}

// makeReply turns a handler result into the envelope sent back to the
// requester, or nil if nothing is to be sent.
func makeReply(from string, req, reply *message.Envelope, err error) *message.Envelope {
	if err != nil {
		log.Warnw("Handler failed", "name", from, "kind", req.Kind, "err", err)
		reply = message.NewError(err)
	}
	if reply == nil {
		return nil
	}
	reply.CorrelationID = req.CorrelationID
	if reply.From == "" {
		reply.From = from
	}
	return reply
}

func copyEnvelope(env *message.Envelope) *message.Envelope {
	cp := *env
	return &cp
}
