package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/daffodil/go-libdaffodil/apierror"
	"github.com/daffodil/go-libdaffodil/docstore"
	"github.com/daffodil/go-libdaffodil/document"
)

const (
	mediaTypeNDJson = "application/x-ndjson"
	mediaTypeJson   = "application/json"
	mediaTypeAny    = "*/*"

	// TimedOutHeader is set on document responses when waiting for detail
	// answers ran out of time.
	TimedOutHeader = "X-Timed-Out"
)

// ResponseWriter is an http.ResponseWriter that writes JSON, or newline
// delimited JSON if the request accepts it.
type ResponseWriter struct {
	w       http.ResponseWriter
	f       http.Flusher
	encoder *json.Encoder
	nd      bool
	status  int
}

// NewResponseWriter negotiates the response media type from the Accept
// headers of r. If there is no Accept header then JSON is used when
// preferJSON is true, and otherwise the request is rejected.
func NewResponseWriter(w http.ResponseWriter, r *http.Request, preferJSON bool) (*ResponseWriter, error) {
	accepts := r.Header.Values("Accept")
	var nd, okJson bool
	for _, accept := range accepts {
		for _, amt := range strings.Split(accept, ",") {
			mt, _, err := mime.ParseMediaType(amt)
			if err != nil {
				return nil, apierror.New(errors.New("invalid Accept header"), http.StatusBadRequest)
			}
			switch mt {
			case mediaTypeNDJson:
				nd = true
			case mediaTypeJson:
				okJson = true
			case mediaTypeAny:
				nd = !preferJSON
				okJson = true
			}
		}
	}

	if len(accepts) == 0 {
		if !preferJSON {
			return nil, apierror.New(errors.New("accept header must be specified"), http.StatusBadRequest)
		}
		okJson = true
	} else if !okJson && !nd {
		return nil, apierror.New(fmt.Errorf("media type not supported: %s", accepts), http.StatusNotAcceptable)
	}

	flusher, _ := w.(http.Flusher)
	if nd {
		w.Header().Set("Content-Type", mediaTypeNDJson)
		w.Header().Set("Connection", "Keep-Alive")
		w.Header().Set("X-Content-Type-Options", "nosniff")
	} else {
		w.Header().Set("Content-Type", mediaTypeJson)
	}

	return &ResponseWriter{
		w:       w,
		f:       flusher,
		encoder: json.NewEncoder(w),
		nd:      nd,
		status:  http.StatusOK,
	}, nil
}

func (w *ResponseWriter) IsND() bool {
	return w.nd
}

func (w *ResponseWriter) Flush() {
	if w.f != nil {
		w.f.Flush()
	}
}

func (w *ResponseWriter) Encoder() *json.Encoder {
	return w.encoder
}

func (w *ResponseWriter) Header() http.Header {
	return w.w.Header()
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	return w.w.Write(b)
}

func (w *ResponseWriter) WriteHeader(statusCode int) {
	if statusCode != http.StatusOK {
		w.status = statusCode
		w.w.WriteHeader(statusCode)
	}
}

func (w *ResponseWriter) StatusCode() int {
	return w.status
}

// DocumentResponseWriter writes documents as they are given, when writing
// newline delimited JSON, or collects them to write a single JSON result on
// Close.
type DocumentResponseWriter struct {
	ResponseWriter
	count    int
	docs     []*document.Stored
	single   bool
	timedOut bool
}

// NewDocumentResponseWriter creates a DocumentResponseWriter. If single is
// true, the response is one document object instead of a result, and Close
// returns a not found error if no document was written.
func NewDocumentResponseWriter(w *ResponseWriter, single bool) *DocumentResponseWriter {
	return &DocumentResponseWriter{
		ResponseWriter: *w,
		single:         single,
	}
}

// SetTimedOut records whether the lookup timed out. It must be called before
// the first document is written.
func (dw *DocumentResponseWriter) SetTimedOut(timedOut bool) {
	dw.timedOut = timedOut
	if timedOut {
		dw.Header().Set(TimedOutHeader, "true")
	}
}

func (dw *DocumentResponseWriter) WriteDocument(doc *document.Stored) error {
	if dw.nd {
		if err := dw.encoder.Encode(doc); err != nil {
			return err
		}
		dw.Flush()
	} else {
		dw.docs = append(dw.docs, doc)
	}
	dw.count++
	return nil
}

func (dw *DocumentResponseWriter) Close() error {
	if dw.single {
		if dw.count == 0 {
			return apierror.New(nil, http.StatusNotFound)
		}
		if dw.nd {
			return nil
		}
		return dw.encoder.Encode(dw.docs[0])
	}
	if dw.nd {
		return nil
	}
	docs := dw.docs
	if docs == nil {
		docs = []*document.Stored{}
	}
	return dw.encoder.Encode(docstore.Result{
		Documents: docs,
		TimedOut:  dw.timedOut,
	})
}
