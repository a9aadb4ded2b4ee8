// Package inserter provides a write-behind queue that decouples the producers
// of documents, streaming search hits and asynchronous detail replies, from
// the repository.
//
// Queued documents are written by a single worker goroutine. Search hits
// (Result priority) are always written before detail replies (Detail
// priority) when both are waiting, so that fresh results become visible in
// the repository first. There is no ordering guarantee within a priority
// class beyond first-in first-out.
//
// Documents waiting in the queue can be read with GetDocuments, which lets
// readers see documents before they reach the repository.
package inserter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/daffodil/go-libdaffodil/document"
	"github.com/gammazero/channelqueue"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("inserter")

// ErrHalted is returned by Halt when the worker could not finish draining the
// queue before the context was done.
var ErrHalted = errors.New("inserter halted before queue drained")

// Priority is the class of a queued document.
type Priority int

const (
	// Result is the priority of freshly seen search hits.
	Result Priority = iota
	// Detail is the priority of detail-fill replies.
	Detail

	numPriorities
)

// drainOrder is the order in which the worker drains priority classes. Every
// item of an earlier class is written before any item of a later class.
var drainOrder = [numPriorities]Priority{Result, Detail}

func (p Priority) String() string {
	switch p {
	case Result:
		return "result"
	case Detail:
		return "detail"
	}
	return "unknown"
}

// Writer is the part of the repository the inserter writes to.
type Writer interface {
	AddDocument(context.Context, *document.Stored) error
}

// Flushed notifies an OnFlushed reader that a queued document was written, or
// failed to be written, to the repository.
type Flushed struct {
	OID      document.OID
	Priority Priority
	Err      error
}

type item struct {
	prio Priority
	doc  *document.Stored
}

// Inserter is a priority write-behind queue with a single worker.
type Inserter struct {
	writer       Writer
	writeTimeout time.Duration

	// mutex and cond form the monitor guarding the queues. The worker waits
	// on cond while the queues are empty.
	mutex    sync.Mutex
	cond     *sync.Cond
	queues   [numPriorities][]*document.Stored
	inflight *item
	halted   bool

	done chan struct{}

	listenersMutex sync.Mutex
	listeners      []*channelqueue.ChannelQueue[Flushed]
}

// New creates an Inserter that writes to w, and starts its worker.
func New(w Writer, options ...Option) (*Inserter, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errors.New("nil writer")
	}

	ins := &Inserter{
		writer:       w,
		writeTimeout: opts.writeTimeout,
		done:         make(chan struct{}),
	}
	ins.cond = sync.NewCond(&ins.mutex)

	go ins.run()

	return ins, nil
}

// AddResultItem queues a search hit.
func (ins *Inserter) AddResultItem(doc *document.Stored) {
	ins.add(Result, doc)
}

// AddDetail queues a detail-fill reply.
func (ins *Inserter) AddDetail(doc *document.Stored) {
	ins.add(Detail, doc)
}

func (ins *Inserter) add(prio Priority, doc *document.Stored) {
	if doc == nil {
		log.Warnw("Dropped nil document", "priority", prio)
		return
	}
	if doc.OID == "" {
		log.Warnw("Dropped document without object id", "priority", prio)
		return
	}

	ins.mutex.Lock()
	defer ins.mutex.Unlock()

	if ins.halted {
		log.Warnw("Dropped document queued after halt", "oid", doc.OID, "priority", prio)
		return
	}
	ins.queues[prio] = append(ins.queues[prio], doc)
	ins.cond.Signal()
}

// GetDocuments returns a snapshot of the queued documents with the given ids.
// Multiple queued entries for one id are merged in queue order.
func (ins *Inserter) GetDocuments(oids []document.OID) []*document.Stored {
	if len(oids) == 0 {
		return nil
	}
	want := make(map[document.OID]*document.Stored, len(oids))
	for _, oid := range oids {
		want[oid] = nil
	}

	ins.mutex.Lock()
	collect := func(doc *document.Stored) {
		prev, ok := want[doc.OID]
		if ok {
			want[doc.OID] = document.Merge(prev, doc)
		}
	}
	if ins.inflight != nil {
		collect(ins.inflight.doc)
	}
	for _, prio := range drainOrder {
		for _, doc := range ins.queues[prio] {
			collect(doc)
		}
	}
	ins.mutex.Unlock()

	var docs []*document.Stored
	for _, oid := range oids {
		if doc := want[oid]; doc != nil {
			docs = append(docs, doc)
			// Prevent duplicate output for repeated ids.
			want[oid] = nil
		}
	}
	return docs
}

// Len returns the number of queued documents not yet written.
func (ins *Inserter) Len() int {
	ins.mutex.Lock()
	defer ins.mutex.Unlock()
	n := ins.lenLocked()
	if ins.inflight != nil {
		n++
	}
	return n
}

func (ins *Inserter) lenLocked() int {
	var n int
	for i := range ins.queues {
		n += len(ins.queues[i])
	}
	return n
}

// OnFlushed creates a channel that receives a Flushed for every document the
// worker writes. The channel is unbounded so that a slow reader never stalls
// the worker.
//
// Calling the returned cancel function stops delivery and closes the channel.
// All channels are closed when the inserter halts.
func (ins *Inserter) OnFlushed() (<-chan Flushed, context.CancelFunc) {
	cq := channelqueue.New[Flushed](-1)

	ins.listenersMutex.Lock()
	ins.listeners = append(ins.listeners, cq)
	ins.listenersMutex.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ins.listenersMutex.Lock()
			defer ins.listenersMutex.Unlock()
			for i, l := range ins.listeners {
				if l == cq {
					ins.listeners[i] = ins.listeners[len(ins.listeners)-1]
					ins.listeners[len(ins.listeners)-1] = nil
					ins.listeners = ins.listeners[:len(ins.listeners)-1]
					close(cq.In())
					break
				}
			}
		})
	}
	return cq.Out(), cancel
}

// Halt asks the worker to write every queued document and then stop. It waits
// for the worker to finish or for ctx to be done. Documents added after Halt
// are dropped. Halt does not interrupt a write in progress.
func (ins *Inserter) Halt(ctx context.Context) error {
	ins.mutex.Lock()
	if !ins.halted {
		ins.halted = true
		log.Infow("Halting inserter", "queued", ins.lenLocked())
	}
	ins.cond.Broadcast()
	ins.mutex.Unlock()

	select {
	case <-ins.done:
		return nil
	case <-ctx.Done():
		return ErrHalted
	}
}

// Done returns a channel that is closed when the worker has exited.
func (ins *Inserter) Done() <-chan struct{} {
	return ins.done
}

func (ins *Inserter) run() {
	defer func() {
		ins.listenersMutex.Lock()
		for _, l := range ins.listeners {
			close(l.In())
		}
		ins.listeners = nil
		ins.listenersMutex.Unlock()
		close(ins.done)
	}()

	for {
		ins.mutex.Lock()
		for ins.lenLocked() == 0 && !ins.halted {
			ins.cond.Wait()
		}
		it, ok := ins.popLocked()
		ins.inflight = it
		ins.mutex.Unlock()
		if !ok {
			// Halted and drained.
			log.Info("Inserter stopped")
			return
		}

		err := ins.write(it)

		ins.mutex.Lock()
		ins.inflight = nil
		ins.mutex.Unlock()

		ins.notify(Flushed{
			OID:      it.doc.OID,
			Priority: it.prio,
			Err:      err,
		})
	}
}

// popLocked removes the next item according to drainOrder.
func (ins *Inserter) popLocked() (*item, bool) {
	for _, prio := range drainOrder {
		q := ins.queues[prio]
		if len(q) == 0 {
			continue
		}
		doc := q[0]
		q[0] = nil
		ins.queues[prio] = q[1:]
		return &item{prio: prio, doc: doc}, true
	}
	return nil, false
}

func (ins *Inserter) write(it *item) error {
	ctx, cancel := context.WithTimeout(context.Background(), ins.writeTimeout)
	defer cancel()

	err := ins.writer.AddDocument(ctx, it.doc)
	if err != nil {
		log.Errorw("Cannot write document to repository", "err", err, "oid", it.doc.OID, "priority", it.prio)
	}
	return err
}

func (ins *Inserter) notify(f Flushed) {
	ins.listenersMutex.Lock()
	defer ins.listenersMutex.Unlock()
	for _, l := range ins.listeners {
		l.In() <- f
	}
}
