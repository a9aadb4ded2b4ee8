package docstore_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daffodil/go-libdaffodil/bus"
	"github.com/daffodil/go-libdaffodil/decision"
	"github.com/daffodil/go-libdaffodil/directory"
	"github.com/daffodil/go-libdaffodil/docstore"
	"github.com/daffodil/go-libdaffodil/document"
	"github.com/daffodil/go-libdaffodil/message"
	"github.com/daffodil/go-libdaffodil/repository"
	"github.com/daffodil/go-libdaffodil/test"
	"github.com/daffodil/go-libdaffodil/wcache"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
)

// wrapper is a search wrapper that answers detail requests with complete
// documents after a delay, or never answers if silent.
type wrapper struct {
	name   string
	delay  time.Duration
	silent bool

	calls atomic.Int32
}

func (w *wrapper) handle(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	var req message.DetailRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	w.calls.Add(1)
	if w.silent {
		return nil, nil
	}
	select {
	case <-time.After(w.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	answer := message.DetailAnswer{Provider: w.name}
	for _, doc := range req.Documents {
		answer.Documents = append(answer.Documents, test.CompleteDocument(doc, w.name))
	}
	return message.New(message.KindDetailAnswer, answer)
}

// blockingSource is a wrapper directory that never answers.
type blockingSource struct{}

func (blockingSource) FetchAll(ctx context.Context) ([]message.WrapperInfo, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingSource) String() string {
	return "blocking"
}

// blockingResolver is a name resolver that never answers.
type blockingResolver struct{}

func (blockingResolver) Resolve(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type testEnv struct {
	store *docstore.Store
	bus   *bus.Mem
	repo  *repository.DatastoreRepository
}

func newEnv(t *testing.T, infos []message.WrapperInfo, wrappers []*wrapper, options ...docstore.Option) *testEnv {
	repo := repository.New(dssync.MutexWrap(datastore.NewMapDatastore()))
	b, err := bus.NewMem()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	reg, err := directory.NewRegistry(infos...)
	require.NoError(t, err)
	cache, err := wcache.New(reg)
	require.NoError(t, err)

	opts := []docstore.Option{
		docstore.WithWrapperCache(cache),
		docstore.WithResolver(reg),
		docstore.WithPollInterval(20 * time.Millisecond),
	}
	s, err := docstore.New(repo, b, append(opts, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Halt(context.Background()) })

	require.NoError(t, b.Register(docstore.DefaultReplyTo, s.Handler()))
	for _, w := range wrappers {
		require.NoError(t, b.Register(w.name, w.handle))
	}
	return &testEnv{store: s, bus: b, repo: repo}
}

func csWrappers(names ...string) []message.WrapperInfo {
	infos := make([]message.WrapperInfo, len(names))
	for i, name := range names {
		infos[i] = message.WrapperInfo{Name: name, Category: "cs"}
	}
	return infos
}

func storedDoc(t *testing.T, e *testEnv, doc *document.Stored) *document.Stored {
	docs, err := e.repo.GetDocuments(context.Background(), []document.OID{doc.OID})
	require.NoError(t, err)
	if len(docs) == 0 {
		return nil
	}
	return docs[0]
}

func TestCompletionAnswered(t *testing.T) {
	acm := &wrapper{name: "acm", delay: 100 * time.Millisecond}
	e := newEnv(t, csWrappers("acm"), []*wrapper{acm})

	doc1 := test.RandomDocument("acm", test.RecentYear())
	require.NoError(t, e.repo.AddDocument(context.Background(), doc1))

	start := time.Now()
	res, err := e.store.GetDocuments(context.Background(), []document.OID{doc1.OID}, true, 2*time.Second)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.False(t, res.TimedOut)
	require.Len(t, res.Documents, 1)

	got := res.Documents[0]
	require.Equal(t, doc1.OID, got.OID)
	require.True(t, got.Complete())
	require.Equal(t, doc1.Get(document.FieldTitle), got.Get(document.FieldTitle))
	require.Equal(t, int32(1), acm.calls.Load())

	// Answer and detail-fetch time reach the repository.
	require.Eventually(t, func() bool {
		stored := storedDoc(t, e, doc1)
		if stored == nil || !stored.Complete() {
			return false
		}
		src, ok := stored.Source("acm")
		return ok && src.Fetched()
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCompletionTimedOut(t *testing.T) {
	acm := &wrapper{name: "acm", silent: true}
	e := newEnv(t, csWrappers("acm"), []*wrapper{acm})

	doc1 := test.RandomDocument("acm", test.RecentYear())
	require.NoError(t, e.repo.AddDocument(context.Background(), doc1))

	start := time.Now()
	res, err := e.store.GetDocuments(context.Background(), []document.OID{doc1.OID}, true, 2*time.Second)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.GreaterOrEqual(t, elapsed, 1900*time.Millisecond)
	require.Less(t, elapsed, 3*time.Second)
	require.True(t, res.TimedOut)
	require.Len(t, res.Documents, 1)
	require.Equal(t, doc1.Fields, res.Documents[0].Fields)
	require.Equal(t, int32(1), acm.calls.Load())

	info, err := e.store.GetInfo(context.Background())
	require.NoError(t, err)
	require.Zero(t, info.Outstanding)
}

func TestNotFullNeverFansOut(t *testing.T) {
	acm := &wrapper{name: "acm"}
	e := newEnv(t, csWrappers("acm"), []*wrapper{acm})

	doc1 := test.RandomDocument("acm", test.RecentYear())
	require.NoError(t, e.repo.AddDocument(context.Background(), doc1))

	oids := append([]document.OID{doc1.OID}, test.RandomOIDs(3)...)
	start := time.Now()
	res, err := e.store.GetDocuments(context.Background(), oids, false, 300*time.Millisecond)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.False(t, res.TimedOut)
	require.Len(t, res.Documents, 1)
	require.Equal(t, doc1.OID, res.Documents[0].OID)
	require.Zero(t, acm.calls.Load())
}

func TestSufficientDocumentNotCompleted(t *testing.T) {
	acm := &wrapper{name: "acm"}
	e := newEnv(t, csWrappers("acm"), []*wrapper{acm})

	doc1 := test.CompleteDocument(test.RandomDocument("acm", test.RecentYear()), "acm")
	require.NoError(t, e.repo.AddDocument(context.Background(), doc1))

	res, err := e.store.GetDocument(context.Background(), doc1.OID, true, time.Second)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	require.False(t, res.TimedOut)
	require.Zero(t, acm.calls.Load())
}

func TestMirrorsAskedAndMissesExcluded(t *testing.T) {
	acm := &wrapper{name: "acm", silent: true}
	mirror := &wrapper{name: "acm-mirror", delay: 50 * time.Millisecond}
	dblp := &wrapper{name: "dblp", delay: 50 * time.Millisecond}
	pubmed := &wrapper{name: "pubmed"}
	infos := append(csWrappers("acm", "acm-mirror", "dblp"), message.WrapperInfo{Name: "pubmed", Category: "med"})
	e := newEnv(t, infos, []*wrapper{acm, mirror, dblp, pubmed})

	doc1 := test.RandomDocument("acm", test.RecentYear())
	doc1.Misses = []string{"dblp"}
	require.NoError(t, e.repo.AddDocument(context.Background(), doc1))

	res, err := e.store.GetDocuments(context.Background(), []document.OID{doc1.OID}, true, 500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	// acm never answers.
	require.True(t, res.TimedOut)
	require.True(t, res.Documents[0].Complete())
	_, ok := res.Documents[0].Source("acm-mirror")
	require.True(t, ok)

	require.Equal(t, int32(1), acm.calls.Load())
	require.Equal(t, int32(1), mirror.calls.Load())
	require.Zero(t, dblp.calls.Load())
	require.Zero(t, pubmed.calls.Load())
}

func TestSendFailureCountsDown(t *testing.T) {
	acm := &wrapper{name: "acm", delay: 50 * time.Millisecond}
	// acm-mirror is in the directory but nothing receives its messages.
	e := newEnv(t, csWrappers("acm", "acm-mirror"), []*wrapper{acm})

	doc1 := test.RandomDocument("acm", test.RecentYear())
	require.NoError(t, e.repo.AddDocument(context.Background(), doc1))

	start := time.Now()
	res, err := e.store.GetDocuments(context.Background(), []document.OID{doc1.OID}, true, 2*time.Second)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.False(t, res.TimedOut)
	require.True(t, res.Documents[0].Complete())
}

func TestNoProviders(t *testing.T) {
	e := newEnv(t, csWrappers("acm"), nil)

	// A document with no sources has nobody to ask.
	doc1 := document.New(test.RandomOIDs(1)[0], "", map[string]string{document.FieldTitle: "orphan"})
	require.NoError(t, e.repo.AddDocument(context.Background(), doc1))

	start := time.Now()
	res, err := e.store.GetDocuments(context.Background(), []document.OID{doc1.OID}, true, 2*time.Second)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.False(t, res.TimedOut)
	require.Len(t, res.Documents, 1)
}

func TestUnresolvableProvider(t *testing.T) {
	e := newEnv(t, csWrappers("acm"), nil)

	doc1 := test.RandomDocument("unlisted", test.RecentYear())
	require.NoError(t, e.repo.AddDocument(context.Background(), doc1))

	// Expansion of an unknown wrapper gives every wrapper, and only acm
	// resolves. Sending to acm fails, so the round ends at once.
	start := time.Now()
	res, err := e.store.GetDocuments(context.Background(), []document.OID{doc1.OID}, true, 2*time.Second)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.False(t, res.TimedOut)
	require.Len(t, res.Documents, 1)
}

func TestInterruptedWait(t *testing.T) {
	acm := &wrapper{name: "acm", silent: true}
	e := newEnv(t, csWrappers("acm"), []*wrapper{acm})

	doc1 := test.RandomDocument("acm", test.RecentYear())
	require.NoError(t, e.repo.AddDocument(context.Background(), doc1))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res, err := e.store.GetDocuments(ctx, []document.OID{doc1.OID}, true, 5*time.Second)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.False(t, res.TimedOut)
	require.Len(t, res.Documents, 1)
	require.Equal(t, doc1.Get(document.FieldTitle), res.Documents[0].Get(document.FieldTitle))
}

func TestCompletionWithinBudget(t *testing.T) {
	slowCache, err := wcache.New(blockingSource{})
	require.NoError(t, err)

	for name, opt := range map[string]docstore.Option{
		"directory": docstore.WithWrapperCache(slowCache),
		"resolver":  docstore.WithResolver(blockingResolver{}),
	} {
		t.Run(name, func(t *testing.T) {
			acm := &wrapper{name: "acm"}
			e := newEnv(t, csWrappers("acm"), []*wrapper{acm}, opt)

			doc1 := test.RandomDocument("acm", test.RecentYear())
			require.NoError(t, e.repo.AddDocument(context.Background(), doc1))

			const budget = 500 * time.Millisecond
			start := time.Now()
			res, err := e.store.GetDocuments(context.Background(), []document.OID{doc1.OID}, true, budget)
			elapsed := time.Since(start)
			require.NoError(t, err)
			require.Less(t, elapsed, budget+250*time.Millisecond)
			require.True(t, res.TimedOut)
			require.Len(t, res.Documents, 1)
			require.Equal(t, doc1.Fields, res.Documents[0].Fields)
			require.Zero(t, acm.calls.Load())

			info, err := e.store.GetInfo(context.Background())
			require.NoError(t, err)
			require.Zero(t, info.Outstanding)
		})
	}
}

func TestLateAnswerStillStored(t *testing.T) {
	acm := &wrapper{name: "acm", delay: 600 * time.Millisecond}
	e := newEnv(t, csWrappers("acm"), []*wrapper{acm})

	doc1 := test.RandomDocument("acm", test.RecentYear())
	require.NoError(t, e.repo.AddDocument(context.Background(), doc1))

	res, err := e.store.GetDocuments(context.Background(), []document.OID{doc1.OID}, true, 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Len(t, res.Documents, 1)
	require.False(t, res.Documents[0].Complete())

	// The round is over when acm answers.
	info, err := e.store.GetInfo(context.Background())
	require.NoError(t, err)
	require.Zero(t, info.Outstanding)

	require.Eventually(t, func() bool {
		stored := storedDoc(t, e, doc1)
		return stored != nil && stored.Complete()
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, int32(1), acm.calls.Load())
}

func TestAnswerForUnknownRequestStored(t *testing.T) {
	e := newEnv(t, csWrappers("acm"), nil)

	doc1 := test.CompleteDocument(test.RandomDocument("acm", test.RecentYear()), "acm")
	e.store.AddDocumentDetailsAnswer("no-such-request", []*document.Stored{doc1, nil})

	require.Eventually(t, func() bool {
		stored := storedDoc(t, e, doc1)
		return stored != nil && stored.Complete()
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAddDocumentVisible(t *testing.T) {
	e := newEnv(t, csWrappers("acm"), nil)

	doc1 := test.RandomDocument("acm", test.RecentYear())
	oid := test.RandomOIDs(1)[0]
	e.store.AddDocument(oid, doc1)
	e.store.AddDocument(oid, nil)

	res, err := e.store.GetDocuments(context.Background(), []document.OID{oid, oid}, false, time.Second)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	require.Equal(t, oid, res.Documents[0].OID)
	require.Equal(t, doc1.Fields, res.Documents[0].Fields)

	require.Eventually(t, func() bool {
		info, err := e.store.GetInfo(context.Background())
		return err == nil && info.TotalDocuments == 1 && info.Queued == 0 && info.Written == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDocumentArrivesWhilePolling(t *testing.T) {
	e := newEnv(t, csWrappers("acm"), nil, docstore.WithDecision(decision.Never))

	doc1 := test.RandomDocument("acm", test.RecentYear())
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = e.repo.AddDocument(context.Background(), doc1)
	}()

	res, err := e.store.GetDocuments(context.Background(), []document.OID{doc1.OID}, true, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	require.False(t, res.TimedOut)
}

func TestHalt(t *testing.T) {
	e := newEnv(t, csWrappers("acm"), nil)

	docs := []*document.Stored{
		test.RandomDocument("acm", test.RecentYear()),
		test.RandomDocument("acm", 1990),
	}
	for _, doc := range docs {
		e.store.AddDocument(doc.OID, doc)
	}
	require.NoError(t, e.store.Halt(context.Background()))
	require.NoError(t, e.store.Halt(context.Background()))

	size, err := e.repo.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(docs), size)

	_, err = e.store.GetDocument(context.Background(), docs[0].OID, false, time.Second)
	require.ErrorIs(t, err, docstore.ErrClosed)
}

func TestNewErrors(t *testing.T) {
	b, err := bus.NewMem()
	require.NoError(t, err)
	defer b.Close()

	_, err = docstore.New(nil, b)
	require.Error(t, err)

	repo := repository.New(datastore.NewMapDatastore())
	_, err = docstore.New(repo, nil)
	require.Error(t, err)

	_, err = docstore.New(repo, b, docstore.WithPollInterval(0))
	require.Error(t, err)
}
