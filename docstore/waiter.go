package docstore

import (
	"sync"

	"github.com/daffodil/go-libdaffodil/document"
)

// waiter collects the replies to one completion round. It is done when every
// asked provider has answered or was counted out. Each provider address is
// counted at most once.
type waiter struct {
	mutex     sync.Mutex
	docs      map[document.OID]*document.Stored
	counted   map[string]struct{}
	remaining int
	done      chan struct{}
}

// newWaiter creates a waiter expecting n replies, with its buffer seeded by
// the documents being completed. Replies for other ids are not collected.
func newWaiter(n int, docs []*document.Stored) *waiter {
	w := &waiter{
		docs:      make(map[document.OID]*document.Stored, len(docs)),
		counted:   make(map[string]struct{}, n),
		remaining: n,
		done:      make(chan struct{}),
	}
	for _, doc := range docs {
		w.docs[doc.OID] = doc
	}
	if n <= 0 {
		w.remaining = 0
		close(w.done)
	}
	return w
}

// answer merges the reply from provider address from into the buffer and
// counts it, unless that address was already counted. A reply with no address
// is always counted. It returns whether the reply was counted.
func (w *waiter) answer(from string, docs []*document.Stored) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.mergeLocked(docs)
	return w.countLocked(from)
}

// merge merges documents into the buffer without counting a reply.
func (w *waiter) merge(docs []*document.Stored) {
	w.mutex.Lock()
	w.mergeLocked(docs)
	w.mutex.Unlock()
}

func (w *waiter) mergeLocked(docs []*document.Stored) {
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		if prev, ok := w.docs[doc.OID]; ok {
			w.docs[doc.OID] = document.Merge(prev, doc)
		}
	}
}

// countOut counts a provider address that will not answer.
func (w *waiter) countOut(addr string) {
	w.mutex.Lock()
	w.countLocked(addr)
	w.mutex.Unlock()
}

func (w *waiter) countLocked(addr string) bool {
	if addr != "" {
		if _, ok := w.counted[addr]; ok {
			return false
		}
		w.counted[addr] = struct{}{}
	}
	if w.remaining == 0 {
		return true
	}
	w.remaining--
	if w.remaining == 0 {
		close(w.done)
	}
	return true
}

func (w *waiter) pending() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.remaining
}

// documents returns the merged documents.
func (w *waiter) documents() map[document.OID]*document.Stored {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	docs := make(map[document.OID]*document.Stored, len(w.docs))
	for oid, doc := range w.docs {
		docs[oid] = doc
	}
	return docs
}
