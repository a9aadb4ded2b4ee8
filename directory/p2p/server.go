package p2p

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/daffodil/go-libdaffodil/bus"
	"github.com/daffodil/go-libdaffodil/message"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
)

var log = logging.Logger("directory/p2p")

// ProtocolID is the libp2p protocol that the directory is served on.
const ProtocolID = protocol.ID("/daffodil/directory/1.0.0")

// Time limit for handling one request.
const handleTimeout = 10 * time.Second

// Server answers directory requests that arrive on libp2p streams.
type Server struct {
	host    host.Host
	handler bus.Handler
}

// NewServer registers a stream handler on h that answers each request with
// handler.
func NewServer(h host.Host, handler bus.Handler) *Server {
	s := &Server{
		host:    h,
		handler: handler,
	}
	h.SetStreamHandler(ProtocolID, s.handleStream)
	return s
}

// Close removes the stream handler.
func (s *Server) Close() {
	s.host.RemoveStreamHandler(ProtocolID)
}

func (s *Server) handleStream(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer()

	r := msgio.NewVarintReaderSize(stream, network.MessageSizeMax)
	w := msgio.NewVarintWriter(stream)
	for {
		data, err := r.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugw("Cannot read request", "peer", remote, "err", err)
				_ = stream.Reset()
			}
			return
		}
		req := new(message.Envelope)
		err = req.UnmarshalBinary(data)
		r.ReleaseMsg(data)

		var reply *message.Envelope
		if err != nil {
			reply = message.NewError(err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
			reply, err = s.handler(ctx, req)
			cancel()
			if err != nil {
				reply = message.NewError(err)
			}
			if reply == nil {
				reply = message.NewError(errors.New("no reply"))
			}
			reply.CorrelationID = req.CorrelationID
		}

		if err = writeMsg(w, reply); err != nil {
			log.Infow("Cannot write reply", "peer", remote, "err", err)
			_ = stream.Reset()
			return
		}
	}
}

func writeMsg(w msgio.WriteCloser, env *message.Envelope) error {
	data, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	return w.WriteMsg(data)
}
