package wcache

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/daffodil/go-libdaffodil/message"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("wcache")

// Source is an interface that the cache uses to fetch the wrapper directory.
type Source interface {
	// FetchAll gets information about all available wrappers.
	FetchAll(context.Context) ([]message.WrapperInfo, error)
	// String returns a description of the source.
	String() string
}

// Cache is a lock-free, time-bounded cache of wrapper categories.
type Cache struct {
	read   atomic.Pointer[snapshot]
	source Source

	clock          clock.Clock
	refreshTimeout time.Duration
	ttl            time.Duration

	writeLock chan struct{}
}

// snapshot is an immutable view of the directory stored atomically in the
// cache read field. Nothing in a snapshot is modified after it is stored.
type snapshot struct {
	infos      map[string]message.WrapperInfo
	byCategory map[string][]string
	names      []string
	refreshed  time.Time
}

var emptySnapshot = &snapshot{}

// New creates a new wrapper cache that fetches the directory from src.
func New(src Source, options ...Option) (*Cache, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("no wrapper directory source")
	}

	c := &Cache{
		source:         src,
		clock:          opts.clock,
		refreshTimeout: opts.refreshTimeout,
		ttl:            opts.ttl,
		writeLock:      make(chan struct{}, 1),
	}
	c.read.Store(emptySnapshot)

	if opts.preload {
		_ = c.Refresh(context.Background())
	}

	return c, nil
}

// FilteredCategoryWrapper returns the names of all wrappers in the same
// category as the named wrapper, including the wrapper itself. If the name is
// not known, then the names of all wrappers are returned.
//
// A stale snapshot is refreshed first. A failed refresh is logged and the
// previous snapshot is used, so this never fails. The returned slice belongs
// to the caller.
func (c *Cache) FilteredCategoryWrapper(ctx context.Context, name string) []string {
	snap := c.loadFresh(ctx)

	if info, ok := snap.infos[name]; ok {
		return append([]string(nil), snap.byCategory[info.Category]...)
	}
	return append([]string(nil), snap.names...)
}

// Category returns the category of the named wrapper from the current
// snapshot, without refreshing.
func (c *Cache) Category(name string) (string, bool) {
	info, ok := c.read.Load().infos[name]
	return info.Category, ok
}

// List returns information about all wrappers in the current snapshot,
// sorted by name, without refreshing.
func (c *Cache) List() []message.WrapperInfo {
	snap := c.read.Load()
	if len(snap.names) == 0 {
		return nil
	}
	infos := make([]message.WrapperInfo, len(snap.names))
	for i, name := range snap.names {
		infos[i] = snap.infos[name]
	}
	return infos
}

// Len returns the number of wrappers in the current snapshot.
func (c *Cache) Len() int {
	return len(c.read.Load().names)
}

// RefreshedAt returns the time of the last successful refresh. The zero time
// means the cache was never refreshed.
func (c *Cache) RefreshedAt() time.Time {
	return c.read.Load().refreshed
}

func (c *Cache) stale(snap *snapshot) bool {
	return snap.refreshed.IsZero() || c.clock.Now().Sub(snap.refreshed) > c.ttl
}

// loadFresh returns the current snapshot, first attempting one refresh if it
// is stale.
func (c *Cache) loadFresh(ctx context.Context) *snapshot {
	snap := c.read.Load()
	if !c.stale(snap) {
		return snap
	}

	select {
	case c.writeLock <- struct{}{}:
	case <-ctx.Done():
		log.Warnw("Serving stale wrapper directory", "err", ctx.Err())
		return c.read.Load()
	}
	defer func() {
		<-c.writeLock
	}()

	// Another lookup may have refreshed while this one waited.
	snap = c.read.Load()
	if !c.stale(snap) {
		return snap
	}
	_ = c.refresh(ctx)
	return c.read.Load()
}

// Refresh fetches the directory from the source and replaces the snapshot. If
// the fetch fails the previous snapshot is kept and the error returned.
func (c *Cache) Refresh(ctx context.Context) error {
	select {
	case c.writeLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		<-c.writeLock
	}()
	return c.refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()

	infos, err := c.source.FetchAll(ctx)
	if err != nil {
		log.Errorw("Cannot fetch wrapper directory, keeping previous snapshot", "err", err, "source", c.source)
		return err
	}

	snap := &snapshot{
		infos:      make(map[string]message.WrapperInfo, len(infos)),
		byCategory: make(map[string][]string),
		refreshed:  c.clock.Now(),
	}
	for _, info := range infos {
		if info.Name == "" {
			continue
		}
		if _, dup := snap.infos[info.Name]; dup {
			log.Warnw("Duplicate wrapper in directory", "name", info.Name, "source", c.source)
		}
		snap.infos[info.Name] = info
	}
	snap.names = make([]string, 0, len(snap.infos))
	for name, info := range snap.infos {
		snap.names = append(snap.names, name)
		snap.byCategory[info.Category] = append(snap.byCategory[info.Category], name)
	}
	sort.Strings(snap.names)
	for _, names := range snap.byCategory {
		sort.Strings(names)
	}

	c.read.Store(snap)
	log.Debugw("Refreshed wrapper directory", "wrappers", len(snap.names), "categories", len(snap.byCategory))
	return nil
}
