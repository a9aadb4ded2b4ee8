package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/daffodil/go-libdaffodil/bus"
	"github.com/daffodil/go-libdaffodil/decision"
	"github.com/daffodil/go-libdaffodil/document"
	"github.com/daffodil/go-libdaffodil/inserter"
	"github.com/daffodil/go-libdaffodil/message"
	"github.com/daffodil/go-libdaffodil/repository"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("docstore")

var (
	// ErrClosed is returned when requesting documents after Halt.
	ErrClosed = errors.New("document store closed")
	// ErrDuplicateRequest is returned when a completion round gets a
	// correlation ID that is already waiting for answers.
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// Messenger sends detail requests to wrappers.
type Messenger interface {
	Send(ctx context.Context, to string, env *message.Envelope) error
	NewCorrelationID() string
}

// WrapperCache expands a wrapper name to all wrappers in its category.
type WrapperCache interface {
	FilteredCategoryWrapper(ctx context.Context, name string) []string
}

// Resolver maps a wrapper name to the bus address it receives requests on.
type Resolver interface {
	Resolve(ctx context.Context, service string) (string, error)
}

// Result is the reply to a document request.
type Result struct {
	Documents []*document.Stored `json:"documents"`

	// TimedOut is true if a completion round ran out of time before every
	// asked wrapper answered.
	TimedOut bool `json:"timedOut"`
}

// Info describes the state of the store.
type Info struct {
	TotalDocuments int `json:"totalDocuments"`
	Queued         int `json:"queued"`
	Outstanding    int `json:"outstanding"`

	// Written and WriteErrors count the queued documents that were written
	// to the repository, or failed to be, since the store was created.
	Written     uint64 `json:"written"`
	WriteErrors uint64 `json:"writeErrors"`
}

// Store is the document store.
type Store struct {
	repo      repository.Repository
	ins       *inserter.Inserter
	messenger Messenger

	cache    WrapperCache
	resolver Resolver
	decision decision.Decision
	clock    clock.Clock

	pollInterval  time.Duration
	replyTo       string
	repollTimeout time.Duration
	sendTimeout   time.Duration

	outstandingMutex sync.Mutex
	outstanding      map[string]*waiter

	written     atomic.Uint64
	writeErrors atomic.Uint64

	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a document store that reads and writes documents in repo and
// sends detail requests using messenger. The store writes to repo through
// its own write-behind queue.
func New(repo repository.Repository, messenger Messenger, options ...Option) (*Store, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, errors.New("nil repository")
	}
	if messenger == nil {
		return nil, errors.New("nil messenger")
	}

	ins, err := inserter.New(repo, inserter.WithWriteTimeout(opts.writeTimeout))
	if err != nil {
		return nil, err
	}

	s := &Store{
		repo:          repo,
		ins:           ins,
		messenger:     messenger,
		cache:         opts.cache,
		resolver:      opts.resolver,
		decision:      opts.decision,
		clock:         opts.clock,
		pollInterval:  opts.pollInterval,
		replyTo:       opts.replyTo,
		repollTimeout: opts.repollTimeout,
		sendTimeout:   opts.sendTimeout,
		outstanding:   make(map[string]*waiter),
		closing:       make(chan struct{}),
	}
	flushed, _ := ins.OnFlushed()
	go s.countFlushed(flushed)
	return s, nil
}

// countFlushed counts repository writes until the inserter halts and closes
// flushed.
func (s *Store) countFlushed(flushed <-chan inserter.Flushed) {
	for f := range flushed {
		if f.Err != nil {
			s.writeErrors.Add(1)
			continue
		}
		s.written.Add(1)
	}
}

// GetDocument is GetDocuments for a single document.
func (s *Store) GetDocument(ctx context.Context, oid document.OID, full bool, timeout time.Duration) (*Result, error) {
	return s.GetDocuments(ctx, []document.OID{oid}, full, timeout)
}

// GetDocuments returns the documents with the given ids, waiting up to
// timeout for documents that are not yet stored. Documents that are not found
// in time are omitted.
//
// If full is true, documents worth completing are completed by asking
// wrappers for details, within what remains of the timeout.
func (s *Store) GetDocuments(ctx context.Context, oids []document.OID, full bool, timeout time.Duration) (*Result, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	oids = uniqueOIDs(oids)
	deadline := s.clock.Now().Add(timeout)

	found := s.lookup(ctx, oids, deadline)
	docs := ordered(oids, found)
	if !full || len(docs) == 0 || ctx.Err() != nil {
		return &Result{Documents: docs}, nil
	}

	needs, _ := decision.Partition(s.decision, docs)
	if len(needs) == 0 {
		return &Result{Documents: docs}, nil
	}

	completed, timedOut, err := s.complete(ctx, needs, deadline)
	if err != nil {
		return nil, err
	}
	for oid, doc := range completed {
		found[oid] = doc
	}
	return &Result{
		Documents: ordered(oids, found),
		TimedOut:  timedOut,
	}, nil
}

// AddDocument queues a document found by a search for writing to the
// repository. It does not block.
func (s *Store) AddDocument(oid document.OID, doc *document.Stored) {
	if doc != nil && oid != "" && doc.OID != oid {
		doc = doc.Clone()
		doc.OID = oid
	}
	s.ins.AddResultItem(doc)
}

// AddDocumentDetailsAnswer handles a wrapper's answer to a detail request.
// The documents are always queued for writing. If the request is still
// waiting, the answer is merged into its result and counted.
func (s *Store) AddDocumentDetailsAnswer(requestID string, docs []*document.Stored) {
	s.addAnswer(requestID, "", docs)
}

// addAnswer is AddDocumentDetailsAnswer for an answer sent from the bus
// address from. Only the first answer from an address is counted, so an
// address with several subscribers does not end the round early.
func (s *Store) addAnswer(requestID, from string, docs []*document.Stored) {
	for _, doc := range docs {
		s.ins.AddDetail(doc)
	}

	s.outstandingMutex.Lock()
	w := s.outstanding[requestID]
	s.outstandingMutex.Unlock()
	if w == nil {
		log.Debugw("Answer arrived for request that is no longer waiting", "requestID", requestID, "from", from, "documents", len(docs))
		return
	}
	if !w.answer(from, docs) {
		log.Debugw("Repeated answer merged but not counted", "requestID", requestID, "from", from)
	}
}

// GetInfo returns the number of stored documents and the sizes of the
// internal queues.
func (s *Store) GetInfo(ctx context.Context) (*Info, error) {
	size, err := s.repo.Size(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot get repository size: %w", err)
	}
	s.outstandingMutex.Lock()
	outstanding := len(s.outstanding)
	s.outstandingMutex.Unlock()

	return &Info{
		TotalDocuments: size,
		Queued:         s.ins.Len(),
		Outstanding:    outstanding,
		Written:        s.written.Load(),
		WriteErrors:    s.writeErrors.Load(),
	}, nil
}

// Handler returns the bus handler that receives detail answers. It must be
// registered at the store's reply name.
func (s *Store) Handler() bus.Handler {
	return func(_ context.Context, env *message.Envelope) (*message.Envelope, error) {
		if env.Kind == message.KindError {
			log.Infow("Wrapper could not answer detail request", "from", env.From, "requestID", env.CorrelationID, "err", env.Decode(nil))
			s.addAnswer(env.CorrelationID, env.From, nil)
			return nil, nil
		}
		if err := env.Expect(message.KindDetailAnswer); err != nil {
			log.Warnw("Ignoring message", "from", env.From, "err", err)
			return nil, nil
		}
		var answer message.DetailAnswer
		if err := env.Decode(&answer); err != nil {
			log.Warnw("Ignoring invalid detail answer", "from", env.From, "err", err)
			return nil, nil
		}
		s.addAnswer(env.CorrelationID, env.From, answer.Documents)
		return nil, nil
	}
}

// Halt stops the store. Queued documents are written before Halt returns,
// unless ctx is done first.
func (s *Store) Halt(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
	return s.ins.Halt(ctx)
}

func (s *Store) closed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// lookup finds documents in the queue and in the repository, polling the
// repository for missing documents until the deadline.
func (s *Store) lookup(ctx context.Context, oids []document.OID, deadline time.Time) map[document.OID]*document.Stored {
	found := make(map[document.OID]*document.Stored, len(oids))
	if len(oids) == 0 {
		return found
	}
	for _, doc := range s.ins.GetDocuments(oids) {
		found[doc.OID] = doc
	}
	// Poll for all ids once, so that queued documents are merged with what
	// is already stored.
	s.poll(ctx, oids, found)

	missing := missingOIDs(oids, found)
	for len(missing) != 0 {
		wait := deadline.Sub(s.clock.Now())
		if wait <= 0 {
			break
		}
		if wait > s.pollInterval {
			wait = s.pollInterval
		}
		timer := s.clock.Timer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			log.Debugw("Lookup canceled", "missing", len(missing), "err", ctx.Err())
			return found
		case <-s.closing:
			timer.Stop()
			return found
		}
		for _, doc := range s.ins.GetDocuments(missing) {
			found[doc.OID] = doc
		}
		s.poll(ctx, missing, found)
		missing = missingOIDs(oids, found)
	}
	if len(missing) != 0 {
		log.Debugw("Documents not found", "missing", len(missing), "found", len(found))
	}
	return found
}

// poll reads documents from the repository and merges them into found.
// Repository errors are logged and nothing is merged.
func (s *Store) poll(ctx context.Context, oids []document.OID, found map[document.OID]*document.Stored) {
	docs, err := s.repo.GetDocuments(ctx, oids)
	if err != nil {
		log.Warnw("Cannot read documents from repository", "err", err)
		return
	}
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		found[doc.OID] = document.Merge(found[doc.OID], doc)
	}
}

// complete runs one completion round for the documents and returns them
// merged with all answers that arrived before the deadline. Every step of the
// round, including directory lookups and sends, ends by the deadline.
func (s *Store) complete(ctx context.Context, needs []*document.Stored, deadline time.Time) (map[document.OID]*document.Stored, bool, error) {
	budget := deadline.Sub(s.clock.Now())
	if budget <= 0 {
		log.Debugw("No time left to ask wrappers for details", "documents", len(needs))
		return nil, true, nil
	}
	rctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	providers := s.resolveProviders(rctx, needs)
	if err := ctx.Err(); err != nil {
		log.Warnw("Interrupted resolving wrappers to ask for details", "err", err)
		return nil, false, nil
	}
	if rctx.Err() != nil {
		log.Infow("Timed out resolving wrappers to ask for details", "documents", len(needs), "resolved", len(providers))
		return nil, true, nil
	}
	if len(providers) == 0 {
		log.Debugw("No wrappers to ask for details", "documents", len(needs))
		return nil, false, nil
	}

	req, err := message.New(message.KindDetailRequest, message.DetailRequest{Documents: needs})
	if err != nil {
		log.Errorw("Cannot create detail request", "err", err)
		return nil, false, nil
	}
	requestID := s.messenger.NewCorrelationID()
	req.CorrelationID = requestID
	req.ReplyTo = s.replyTo

	w := newWaiter(len(providers), needs)
	if err = s.register(requestID, w); err != nil {
		return nil, false, err
	}
	defer s.unregister(requestID)

	log := log.With("requestID", requestID)
	log.Debugw("Asking wrappers for details", "wrappers", len(providers), "documents", len(needs))

	now := s.clock.Now()
	asked := s.fanOut(rctx, req, providers, w)
	if len(asked) != 0 {
		stamped := make([]*document.Stored, 0, len(needs))
		for _, doc := range needs {
			if !hasSource(doc, asked) {
				continue
			}
			doc = doc.WithDetailFetched(now, asked...)
			s.ins.AddDetail(doc)
			stamped = append(stamped, doc)
		}
		w.merge(stamped)
	}

	wait := deadline.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	timer := s.clock.Timer(wait)
	defer timer.Stop()

	select {
	case <-w.done:
		return w.documents(), false, nil
	case <-timer.C:
		log.Infow("Timed out waiting for detail answers", "pending", w.pending(), "asked", len(providers))
		return w.documents(), true, nil
	case <-ctx.Done():
		log.Warnw("Interrupted waiting for detail answers", "err", ctx.Err())
	case <-s.closing:
		log.Warn("Store halted while waiting for detail answers")
	}
	return s.repoll(w.documents()), false, nil
}

// repoll does one best-effort repository poll for documents after a
// completion round is interrupted.
func (s *Store) repoll(docs map[document.OID]*document.Stored) map[document.OID]*document.Stored {
	ctx, cancel := context.WithTimeout(context.Background(), s.repollTimeout)
	defer cancel()

	oids := make([]document.OID, 0, len(docs))
	for oid := range docs {
		oids = append(oids, oid)
	}
	s.poll(ctx, oids, docs)
	return docs
}

// resolveProviders returns the bus addresses to ask for details, each with
// the wrapper names it serves. Wrappers that cannot be resolved are left out.
func (s *Store) resolveProviders(ctx context.Context, docs []*document.Stored) map[string][]string {
	names := make(map[string]struct{})
	for _, doc := range docs {
		for _, src := range doc.Sources {
			for _, name := range s.expand(ctx, src.Provider) {
				if doc.IsMiss(name) {
					continue
				}
				names[name] = struct{}{}
			}
		}
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	providers := make(map[string][]string, len(sorted))
	var errs *multierror.Error
	for _, name := range sorted {
		addr, err := s.resolve(ctx, name)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		providers[addr] = append(providers[addr], name)
	}
	if errs != nil {
		log.Warnw("Cannot resolve some wrappers", "failed", errs.Len(), "resolved", len(sorted)-errs.Len(), "err", errs)
	}
	return providers
}

// expand returns the provider and every provider in the same category.
func (s *Store) expand(ctx context.Context, provider string) []string {
	if s.cache == nil {
		return []string{provider}
	}
	return append(s.cache.FilteredCategoryWrapper(ctx, provider), provider)
}

func (s *Store) resolve(ctx context.Context, name string) (string, error) {
	if s.resolver == nil {
		return name, nil
	}
	return s.resolver.Resolve(ctx, name)
}

// fanOut sends req to every provider and returns the names of the wrappers
// that were sent the request. A provider that cannot be sent to is counted
// out of the waiter. Sending stops at the send timeout or when ctx is done,
// whichever comes first.
func (s *Store) fanOut(ctx context.Context, req *message.Envelope, providers map[string][]string, w *waiter) []string {
	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	var (
		asked []string
		errs  *multierror.Error
		mutex sync.Mutex
		wg    sync.WaitGroup
	)
	for addr, names := range providers {
		wg.Add(1)
		go func(addr string, names []string) {
			defer wg.Done()
			err := s.messenger.Send(ctx, addr, req)
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", addr, err))
				w.countOut(addr)
				return
			}
			asked = append(asked, names...)
		}(addr, names)
	}
	wg.Wait()

	if errs != nil {
		log.Warnw("Cannot send detail request to some wrappers", "failed", errs.Len(), "sent", len(providers)-errs.Len(), "err", errs)
	}
	sort.Strings(asked)
	return asked
}

func (s *Store) register(requestID string, w *waiter) error {
	s.outstandingMutex.Lock()
	defer s.outstandingMutex.Unlock()
	if _, ok := s.outstanding[requestID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	s.outstanding[requestID] = w
	return nil
}

func (s *Store) unregister(requestID string) {
	s.outstandingMutex.Lock()
	delete(s.outstanding, requestID)
	s.outstandingMutex.Unlock()
}

func hasSource(doc *document.Stored, providers []string) bool {
	for _, p := range providers {
		if _, ok := doc.Source(p); ok {
			return true
		}
	}
	return false
}

func uniqueOIDs(oids []document.OID) []document.OID {
	seen := make(map[document.OID]struct{}, len(oids))
	out := make([]document.OID, 0, len(oids))
	for _, oid := range oids {
		if oid == "" {
			continue
		}
		if _, ok := seen[oid]; ok {
			continue
		}
		seen[oid] = struct{}{}
		out = append(out, oid)
	}
	return out
}

func missingOIDs(oids []document.OID, found map[document.OID]*document.Stored) []document.OID {
	var missing []document.OID
	for _, oid := range oids {
		if _, ok := found[oid]; !ok {
			missing = append(missing, oid)
		}
	}
	return missing
}

func ordered(oids []document.OID, found map[document.OID]*document.Stored) []*document.Stored {
	docs := make([]*document.Stored, 0, len(found))
	for _, oid := range oids {
		if doc, ok := found[oid]; ok {
			docs = append(docs, doc)
		}
	}
	return docs
}
