// Package document defines the stored document model shared by the
// completion engine: a field bag, the provenance of each field set, and the
// providers known not to hold the document.
//
// Stored values are only ever changed by merging. Merge is a pure function
// that returns a new value, so that the ingestion path and the completion
// path never mutate a shared document; the caller that owns a document id
// commits the merged value.
package document

import (
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Field names understood by the completion engine.
const (
	FieldTitle    = "title"
	FieldAuthors  = "authors"
	FieldYear     = "year"
	FieldAbstract = "abstract"
	FieldURL      = "url"
	FieldDOI      = "doi"
	FieldVenue    = "venue"
)

// CompleteFields lists the fields that must all be present for a document to
// report itself complete.
var CompleteFields = []string{FieldTitle, FieldAuthors, FieldYear, FieldAbstract, FieldURL}

var yearRegexp = regexp.MustCompile(`\b(\d{4})\b`)

// Source records that a provider supplied data for a document, and when a
// detail-fill was last attempted at that provider. A zero DetailFetched means
// a detail-fill was never attempted.
type Source struct {
	Provider      string    `json:"provider" cbor:"provider"`
	DetailFetched time.Time `json:"detailFetched" cbor:"detailFetched"`
}

// Fetched reports whether a detail-fill was ever attempted at this source.
func (s Source) Fetched() bool {
	return !s.DetailFetched.IsZero()
}

// Stored is a document together with its provenance.
type Stored struct {
	OID     OID               `json:"oid" cbor:"oid"`
	Fields  map[string]string `json:"fields,omitempty" cbor:"fields,omitempty"`
	Sources []Source          `json:"sources,omitempty" cbor:"sources,omitempty"`
	Misses  []string          `json:"misses,omitempty" cbor:"misses,omitempty"`
}

// New creates a stored document supplied by provider with the given fields.
func New(oid OID, provider string, fields map[string]string) *Stored {
	d := &Stored{
		OID:    oid,
		Fields: make(map[string]string, len(fields)),
	}
	for k, v := range fields {
		d.Fields[k] = v
	}
	if provider != "" {
		d.Sources = []Source{{Provider: provider}}
	}
	return d
}

// Get returns the value of field, or an empty string.
func (d *Stored) Get(field string) string {
	if d == nil || d.Fields == nil {
		return ""
	}
	return d.Fields[field]
}

// Complete reports whether every field in CompleteFields has a value.
func (d *Stored) Complete() bool {
	if d == nil {
		return false
	}
	for _, f := range CompleteFields {
		if d.Fields[f] == "" {
			return false
		}
	}
	return true
}

// Year returns the publication year, if the year field contains one.
func (d *Stored) Year() (int, bool) {
	m := yearRegexp.FindStringSubmatch(d.Get(FieldYear))
	if m == nil {
		return 0, false
	}
	y, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return y, true
}

// Source returns the source record for provider.
func (d *Stored) Source(provider string) (Source, bool) {
	if d == nil {
		return Source{}, false
	}
	for _, s := range d.Sources {
		if s.Provider == provider {
			return s, true
		}
	}
	return Source{}, false
}

// IsMiss reports whether provider is known not to have this document.
func (d *Stored) IsMiss(provider string) bool {
	if d == nil {
		return false
	}
	for _, m := range d.Misses {
		if m == provider {
			return true
		}
	}
	return false
}

// Providers returns the names of all providers that supplied data.
func (d *Stored) Providers() []string {
	if d == nil || len(d.Sources) == 0 {
		return nil
	}
	names := make([]string, len(d.Sources))
	for i, s := range d.Sources {
		names[i] = s.Provider
	}
	return names
}

// Clone returns a deep copy of the document.
func (d *Stored) Clone() *Stored {
	if d == nil {
		return nil
	}
	c := &Stored{OID: d.OID}
	if d.Fields != nil {
		c.Fields = make(map[string]string, len(d.Fields))
		for k, v := range d.Fields {
			c.Fields[k] = v
		}
	}
	if len(d.Sources) != 0 {
		c.Sources = make([]Source, len(d.Sources))
		copy(c.Sources, d.Sources)
	}
	if len(d.Misses) != 0 {
		c.Misses = make([]string, len(d.Misses))
		copy(c.Misses, d.Misses)
	}
	return c
}

// WithDetailFetched returns a copy of d with the detail-fill timestamp of
// every listed provider's source record set to t. Providers without a source
// record are ignored.
func (d *Stored) WithDetailFetched(t time.Time, providers ...string) *Stored {
	c := d.Clone()
	for i := range c.Sources {
		for _, p := range providers {
			if c.Sources[i].Provider == p {
				c.Sources[i].DetailFetched = t
				break
			}
		}
	}
	return c
}

// Merge combines a and b into a new document. Neither argument is modified.
//
// For each field the longer non-empty value wins, and a tie keeps the value
// from a. Sources are unioned by provider keeping the later detail-fill time.
// Misses are unioned, except that a provider present as a source is never a
// miss.
func Merge(a, b *Stored) *Stored {
	if a == nil {
		return b.Clone()
	}
	if b == nil {
		return a.Clone()
	}

	m := a.Clone()
	if m.OID == "" {
		m.OID = b.OID
	}
	if len(b.Fields) != 0 && m.Fields == nil {
		m.Fields = make(map[string]string, len(b.Fields))
	}
	for k, v := range b.Fields {
		if v == "" {
			continue
		}
		if len(v) > len(m.Fields[k]) {
			m.Fields[k] = v
		}
	}

	srcs := make(map[string]time.Time, len(m.Sources)+len(b.Sources))
	for _, s := range m.Sources {
		srcs[s.Provider] = s.DetailFetched
	}
	for _, s := range b.Sources {
		prev, ok := srcs[s.Provider]
		if !ok || s.DetailFetched.After(prev) {
			srcs[s.Provider] = s.DetailFetched
		}
	}
	m.Sources = m.Sources[:0]
	for p, t := range srcs {
		m.Sources = append(m.Sources, Source{Provider: p, DetailFetched: t})
	}
	sort.Slice(m.Sources, func(i, j int) bool {
		return m.Sources[i].Provider < m.Sources[j].Provider
	})
	if len(m.Sources) == 0 {
		m.Sources = nil
	}

	misses := make(map[string]struct{}, len(m.Misses)+len(b.Misses))
	for _, p := range m.Misses {
		misses[p] = struct{}{}
	}
	for _, p := range b.Misses {
		misses[p] = struct{}{}
	}
	m.Misses = m.Misses[:0]
	for p := range misses {
		if _, ok := srcs[p]; ok {
			continue
		}
		m.Misses = append(m.Misses, p)
	}
	sort.Strings(m.Misses)
	if len(m.Misses) == 0 {
		m.Misses = nil
	}

	return m
}
