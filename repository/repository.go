// Package repository persists stored documents in a go-datastore.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/daffodil/go-libdaffodil/document"
	"github.com/daffodil/go-libdaffodil/message"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("repository")

const documentsPrefix = "/documents"

// Repository is the persistent store the document store reads from and the
// inserter writes to.
type Repository interface {
	// AddDocument merges doc into any existing document with the same id.
	AddDocument(context.Context, *document.Stored) error
	// GetDocuments returns the documents found for the given ids. Ids that
	// are not found are omitted.
	GetDocuments(context.Context, []document.OID) ([]*document.Stored, error)
	// Size returns the number of stored documents.
	Size(context.Context) (int, error)
}

// DatastoreRepository is a Repository backed by a go-datastore. Writes to the
// same document id are serialized so that each read-merge-write commits
// atomically with respect to other writers of that id.
type DatastoreRepository struct {
	ds datastore.Batching

	locksMutex sync.Mutex
	locks      map[document.OID]*idLock
}

var _ Repository = (*DatastoreRepository)(nil)

type idLock struct {
	sync.Mutex
	refs int
}

// New creates a repository that stores documents in ds.
func New(ds datastore.Batching) *DatastoreRepository {
	return &DatastoreRepository{
		ds:    ds,
		locks: make(map[document.OID]*idLock),
	}
}

func documentKey(oid document.OID) datastore.Key {
	return datastore.NewKey(documentsPrefix).ChildString(string(oid))
}

func (r *DatastoreRepository) lock(oid document.OID) func() {
	r.locksMutex.Lock()
	l, ok := r.locks[oid]
	if !ok {
		l = &idLock{}
		r.locks[oid] = l
	}
	l.refs++
	r.locksMutex.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.locksMutex.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, oid)
		}
		r.locksMutex.Unlock()
	}
}

func (r *DatastoreRepository) AddDocument(ctx context.Context, doc *document.Stored) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if doc.OID == "" {
		return errors.New("document has no object id")
	}
	unlock := r.lock(doc.OID)
	defer unlock()

	key := documentKey(doc.OID)
	existing, err := r.get(ctx, key)
	if err != nil && !errors.Is(err, datastore.ErrNotFound) {
		return err
	}
	merged := document.Merge(existing, doc)

	data, err := message.Marshal(merged)
	if err != nil {
		return fmt.Errorf("cannot encode document %s: %w", doc.OID, err)
	}
	if err = r.ds.Put(ctx, key, data); err != nil {
		return fmt.Errorf("cannot store document %s: %w", doc.OID, err)
	}
	log.Debugw("Stored document", "oid", doc.OID, "sources", len(merged.Sources))
	return nil
}

func (r *DatastoreRepository) get(ctx context.Context, key datastore.Key) (*document.Stored, error) {
	data, err := r.ds.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var doc document.Stored
	if err = message.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot decode document at %s: %w", key, err)
	}
	return &doc, nil
}

func (r *DatastoreRepository) GetDocuments(ctx context.Context, oids []document.OID) ([]*document.Stored, error) {
	docs := make([]*document.Stored, 0, len(oids))
	for _, oid := range oids {
		doc, err := r.get(ctx, documentKey(oid))
		if err != nil {
			if errors.Is(err, datastore.ErrNotFound) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Errorw("Cannot read document", "err", err, "oid", oid)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (r *DatastoreRepository) Size(ctx context.Context) (int, error) {
	results, err := r.ds.Query(ctx, query.Query{
		Prefix:   documentsPrefix,
		KeysOnly: true,
	})
	if err != nil {
		return 0, err
	}
	defer results.Close()

	var n int
	for result := range results.Next() {
		if result.Error != nil {
			return 0, result.Error
		}
		n++
	}
	return n, nil
}
