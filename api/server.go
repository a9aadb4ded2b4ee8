// Package api serves the document store over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/daffodil/go-libdaffodil/apierror"
	"github.com/daffodil/go-libdaffodil/docstore"
	"github.com/daffodil/go-libdaffodil/document"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("api")

// Store is the part of the document store that the API serves.
type Store interface {
	GetDocuments(ctx context.Context, oids []document.OID, full bool, timeout time.Duration) (*docstore.Result, error)
	AddDocument(oid document.OID, doc *document.Stored)
	GetInfo(ctx context.Context) (*docstore.Info, error)
}

type server struct {
	store Store

	maxBody    int64
	maxTimeout time.Duration
	preferJSON bool
	timeout    time.Duration
}

// New creates an http.Handler that serves:
//
//	GET  /documents?oid=<oid>&full=<bool>&timeout=<duration>
//	GET  /documents/<oid>?full=<bool>&timeout=<duration>
//	POST /documents
//	GET  /info
func New(store Store, options ...Option) (http.Handler, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("nil store")
	}
	s := &server{
		store:      store,
		maxBody:    opts.maxBody,
		maxTimeout: opts.maxTimeout,
		preferJSON: opts.preferJSON,
		timeout:    opts.timeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/documents", s.documents)
	mux.HandleFunc("/documents/", s.document)
	mux.HandleFunc("/info", s.info)
	return mux, nil
}

func (s *server) documents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		oids, err := parseOIDs(r.URL.Query()["oid"])
		if err != nil {
			apierror.Write(w, err)
			return
		}
		s.getDocuments(w, r, oids, false)
	case http.MethodPost:
		s.postDocument(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		apierror.Write(w, apierror.New(nil, http.StatusMethodNotAllowed))
	}
}

func (s *server) document(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		apierror.Write(w, apierror.New(nil, http.StatusMethodNotAllowed))
		return
	}
	oid, err := document.ParseOID(strings.TrimSpace(path.Base(r.URL.Path)))
	if err != nil {
		apierror.Write(w, apierror.New(err, http.StatusBadRequest))
		return
	}
	s.getDocuments(w, r, []document.OID{oid}, true)
}

func (s *server) getDocuments(w http.ResponseWriter, r *http.Request, oids []document.OID, single bool) {
	full, err := boolParam(r, "full")
	if err != nil {
		apierror.Write(w, err)
		return
	}
	timeout, err := s.timeoutParam(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	rw, err := NewResponseWriter(w, r, s.preferJSON)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	res, err := s.store.GetDocuments(r.Context(), oids, full, timeout)
	if err != nil {
		if errors.Is(err, docstore.ErrClosed) {
			err = apierror.New(err, http.StatusServiceUnavailable)
		}
		log.Errorw("Cannot get documents", "err", err)
		apierror.Write(w, err)
		return
	}
	if single && len(res.Documents) == 0 {
		apierror.Write(w, apierror.New(fmt.Errorf("document %s not found", oids[0]), http.StatusNotFound))
		return
	}

	dw := NewDocumentResponseWriter(rw, single)
	dw.SetTimedOut(res.TimedOut)
	for _, doc := range res.Documents {
		if err = dw.WriteDocument(doc); err != nil {
			log.Errorw("Cannot write document", "err", err)
			return
		}
	}
	if err = dw.Close(); err != nil {
		log.Errorw("Cannot write documents response", "err", err)
	}
}

func (s *server) postDocument(w http.ResponseWriter, r *http.Request) {
	var doc document.Stored
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(&doc); err != nil {
		apierror.Write(w, apierror.New(fmt.Errorf("cannot decode document: %w", err), http.StatusBadRequest))
		return
	}
	oid, err := document.ParseOID(string(doc.OID))
	if err != nil {
		apierror.Write(w, apierror.New(err, http.StatusBadRequest))
		return
	}
	s.store.AddDocument(oid, &doc)
	log.Debugw("Accepted document", "oid", oid)
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) info(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		apierror.Write(w, apierror.New(nil, http.StatusMethodNotAllowed))
		return
	}
	info, err := s.store.GetInfo(r.Context())
	if err != nil {
		log.Errorw("Cannot get info", "err", err)
		apierror.Write(w, err)
		return
	}
	w.Header().Set("Content-Type", mediaTypeJson)
	if err = json.NewEncoder(w).Encode(info); err != nil {
		log.Errorw("Cannot write info response", "err", err)
	}
}

func parseOIDs(vals []string) ([]document.OID, error) {
	var oids []document.OID
	for _, val := range vals {
		for _, s := range strings.Split(val, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			oid, err := document.ParseOID(s)
			if err != nil {
				return nil, apierror.New(err, http.StatusBadRequest)
			}
			oids = append(oids, oid)
		}
	}
	if len(oids) == 0 {
		return nil, apierror.New(errors.New("missing oid"), http.StatusBadRequest)
	}
	return oids, nil
}

func boolParam(r *http.Request, key string) (bool, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, apierror.New(fmt.Errorf("bad %s value %q", key, val), http.StatusBadRequest)
	}
	return b, nil
}

// timeoutParam reads the timeout query parameter, as a duration or as a
// number of milliseconds.
func (s *server) timeoutParam(r *http.Request) (time.Duration, error) {
	val := r.URL.Query().Get("timeout")
	if val == "" {
		return s.timeout, nil
	}
	timeout, err := time.ParseDuration(val)
	if err != nil {
		ms, perr := strconv.ParseInt(val, 10, 64)
		if perr != nil {
			return 0, apierror.New(fmt.Errorf("bad timeout value %q", val), http.StatusBadRequest)
		}
		if ms > s.maxTimeout.Milliseconds() {
			ms = s.maxTimeout.Milliseconds()
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout < 0 {
		return 0, apierror.New(fmt.Errorf("negative timeout %q", val), http.StatusBadRequest)
	}
	if timeout > s.maxTimeout {
		timeout = s.maxTimeout
	}
	return timeout, nil
}
