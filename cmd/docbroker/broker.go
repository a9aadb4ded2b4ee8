package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/daffodil/go-libdaffodil/api"
	"github.com/daffodil/go-libdaffodil/bus"
	"github.com/daffodil/go-libdaffodil/config"
	"github.com/daffodil/go-libdaffodil/directory"
	"github.com/daffodil/go-libdaffodil/directory/p2p"
	"github.com/daffodil/go-libdaffodil/docstore"
	"github.com/daffodil/go-libdaffodil/mautil"
	"github.com/daffodil/go-libdaffodil/repository"
	"github.com/daffodil/go-libdaffodil/wcache"
	"github.com/hashicorp/go-multierror"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
)

const shutdownTimeout = 10 * time.Second

// broker holds the running components of a document broker.
type broker struct {
	host     host.Host
	bus      *bus.PubSub
	store    *docstore.Store
	cache    *wcache.Cache
	dirSrv   *p2p.Server
	dirPeer  *p2p.Client
	httpSrv  *http.Server
	listener net.Listener
}

// wrapperDirectory is what the store and cache need from a directory.
type wrapperDirectory interface {
	wcache.Source
	docstore.Resolver
}

// start creates and starts all components described by cfg. On error,
// everything started so far is stopped.
func start(ctx context.Context, cfg *config.Config) (_ *broker, err error) {
	b := &broker{}
	defer func() {
		if err != nil {
			b.close(context.Background())
		}
	}()

	b.host, err = libp2p.New(libp2p.ListenAddrStrings(cfg.Libp2p.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("cannot create libp2p host: %w", err)
	}
	log.Infow("Started libp2p host", "id", b.host.ID(), "addrs", b.host.Addrs())
	if public := mautil.FilterPublic(b.host.Addrs()); len(public) == 0 {
		log.Warn("Host has no public addresses")
	}

	if err = connectPeers(ctx, b.host, cfg.Libp2p.Peers); err != nil {
		return nil, err
	}

	var ps *pubsub.PubSub
	switch cfg.Libp2p.Router {
	case "floodsub":
		ps, err = pubsub.NewFloodSub(ctx, b.host)
	default:
		ps, err = pubsub.NewGossipSub(ctx, b.host)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot create pubsub: %w", err)
	}
	b.bus, err = bus.NewPubSub(ps, b.host.ID(), bus.WithTopicPrefix(cfg.Libp2p.TopicPrefix))
	if err != nil {
		return nil, err
	}

	dir, err := b.newDirectory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Infow("Using wrapper directory", "directory", dir.String())

	b.cache, err = wcache.New(dir, cfg.CacheOptions()...)
	if err != nil {
		return nil, fmt.Errorf("cannot create wrapper cache: %w", err)
	}

	storeOpts, err := cfg.StoreOptions()
	if err != nil {
		return nil, err
	}
	storeOpts = append(storeOpts,
		docstore.WithWrapperCache(b.cache),
		docstore.WithResolver(dir),
	)
	repo := repository.New(dssync.MutexWrap(datastore.NewMapDatastore()))
	b.store, err = docstore.New(repo, b.bus, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("cannot create document store: %w", err)
	}
	if err = b.bus.Register(cfg.Store.ReplyTo, b.store.Handler()); err != nil {
		return nil, err
	}

	if cfg.HTTP.ListenAddr != "" {
		if err = b.serveHTTP(cfg); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// newDirectory picks the wrapper directory from the configuration. Static
// wrappers make this broker the directory, served on the bus and over
// libp2p streams.
func (b *broker) newDirectory(ctx context.Context, cfg *config.Config) (wrapperDirectory, error) {
	switch {
	case len(cfg.Directory.Wrappers) != 0:
		reg, err := directory.NewRegistry(cfg.Directory.Wrappers...)
		if err != nil {
			return nil, err
		}
		if err = b.bus.Register(cfg.Directory.Name, reg.Handler()); err != nil {
			return nil, err
		}
		b.dirSrv = p2p.NewServer(b.host, reg.Handler())
		return reg, nil
	case cfg.Directory.Peer != "":
		info, err := mautil.ParsePeer(cfg.Directory.Peer)
		if err != nil {
			return nil, fmt.Errorf("bad directory peer: %w", err)
		}
		b.dirPeer, err = p2p.New(b.host, info.ID)
		if err != nil {
			return nil, err
		}
		if err = b.dirPeer.ConnectAddrs(ctx, info.Addrs...); err != nil {
			return nil, fmt.Errorf("cannot connect to directory peer: %w", err)
		}
		return b.dirPeer, nil
	}

	client, err := directory.NewClient(b.bus, cfg.DirectoryOptions()...)
	if err != nil {
		return nil, err
	}
	if cfg.Directory.URL == "" {
		return client, nil
	}
	src, err := directory.NewHTTPSource(cfg.Directory.URL, cfg.DirectoryOptions()...)
	if err != nil {
		return nil, err
	}
	return &httpDirectory{HTTPSource: src, client: client}, nil
}

// httpDirectory reads the wrapper list over HTTP and resolves names on the
// bus.
type httpDirectory struct {
	*directory.HTTPSource
	client *directory.Client
}

func (d *httpDirectory) Resolve(ctx context.Context, service string) (string, error) {
	return d.client.Resolve(ctx, service)
}

func (b *broker) serveHTTP(cfg *config.Config) error {
	handler, err := api.New(b.store, cfg.APIOptions()...)
	if err != nil {
		return err
	}
	b.listener, err = net.Listen("tcp", cfg.HTTP.ListenAddr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", cfg.HTTP.ListenAddr, err)
	}
	b.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := b.httpSrv.Serve(b.listener); !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("HTTP server stopped", "err", err)
		}
	}()
	log.Infow("Serving HTTP API", "addr", b.listener.Addr())
	return nil
}

// httpAddr returns the address the HTTP API listens on, or nil.
func (b *broker) httpAddr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// close stops all running components in reverse order of starting.
func (b *broker) close(ctx context.Context) error {
	var errs *multierror.Error
	if b.httpSrv != nil {
		if err := b.httpSrv.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if b.store != nil {
		if err := b.store.Halt(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("document store: %w", err))
		}
	}
	if b.dirPeer != nil {
		if err := b.dirPeer.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("directory client: %w", err))
		}
	}
	if b.dirSrv != nil {
		b.dirSrv.Close()
	}
	if b.bus != nil {
		if err := b.bus.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("bus: %w", err))
		}
	}
	if b.host != nil {
		if err := b.host.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("libp2p host: %w", err))
		}
	}
	return errs.ErrorOrNil()
}

func connectPeers(ctx context.Context, h host.Host, addrs []string) error {
	infos, err := mautil.ParsePeers(addrs)
	if err != nil {
		return fmt.Errorf("bad peer address: %w", err)
	}
	for _, info := range infos {
		if err = h.Connect(ctx, info); err != nil {
			// Peers may come up later and connect to us.
			log.Warnw("Cannot connect to peer", "peer", info.ID, "err", err)
		}
	}
	return nil
}
