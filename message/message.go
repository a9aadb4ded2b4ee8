// Package message defines the envelopes and payloads exchanged over the
// message bus between the document store, search wrappers, and the wrapper
// directory.
package message

import (
	"errors"
	"fmt"

	"github.com/daffodil/go-libdaffodil/document"
	"github.com/fxamacker/cbor/v2"
)

// Kind identifies the payload carried by an Envelope.
type Kind string

const (
	KindDetailRequest Kind = "detail-request"
	KindDetailAnswer  Kind = "detail-answer"
	KindListWrappers  Kind = "list-wrappers"
	KindWrapperList   Kind = "wrapper-list"
	KindResolve       Kind = "resolve"
	KindResolved      Kind = "resolved"
	KindError         Kind = "error"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
		Sort: cbor.SortCanonical,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v as CBOR using the encoding options shared by all
// envelopes and stored values.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Envelope is the unit of transfer on the bus.
type Envelope struct {
	Kind Kind `cbor:"kind"`

	// CorrelationID pairs an asynchronous reply with its request.
	CorrelationID string `cbor:"cid,omitempty"`

	// From is the bus name of the sender.
	From string `cbor:"from,omitempty"`

	// ReplyTo is the bus name that replies are delivered to. Empty means no
	// reply is expected.
	ReplyTo string `cbor:"replyTo,omitempty"`

	// Body is the CBOR encoded payload.
	Body cbor.RawMessage `cbor:"body,omitempty"`
}

// New creates an envelope of the given kind carrying payload.
func New(kind Kind, payload any) (*Envelope, error) {
	env := &Envelope{Kind: kind}
	if payload != nil {
		body, err := Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("cannot encode %s payload: %w", kind, err)
		}
		env.Body = body
	}
	return env, nil
}

// NewError creates an error envelope describing err.
func NewError(err error) *Envelope {
	env, _ := New(KindError, Error{Message: err.Error()})
	return env
}

// Decode decodes the envelope body into payload. An error envelope decodes
// into an error return.
func (e *Envelope) Decode(payload any) error {
	if e.Kind == KindError {
		var msg Error
		if err := Unmarshal(e.Body, &msg); err != nil {
			return fmt.Errorf("cannot decode error payload: %w", err)
		}
		return errors.New(msg.Message)
	}
	if len(e.Body) == 0 {
		return fmt.Errorf("empty %s payload", e.Kind)
	}
	return Unmarshal(e.Body, payload)
}

// Expect returns an error if the envelope is not of kind k. Error envelopes
// return the error they carry.
func (e *Envelope) Expect(k Kind) error {
	if e.Kind == k {
		return nil
	}
	if e.Kind == KindError {
		return e.Decode(nil)
	}
	return fmt.Errorf("unexpected message kind %q, want %q", e.Kind, k)
}

// envelope has the fields of Envelope but not its binary marshaling methods,
// which the CBOR codec would otherwise call recursively.
type envelope Envelope

// MarshalBinary encodes the envelope for transport.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	return Marshal((*envelope)(e))
}

// UnmarshalBinary decodes an envelope received from transport.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	return Unmarshal(data, (*envelope)(e))
}

// DetailRequest asks a wrapper to fill in missing fields of the documents.
type DetailRequest struct {
	Documents []*document.Stored `cbor:"docs"`
}

// DetailAnswer carries a wrapper's reply to a DetailRequest. Documents the
// wrapper does not have are returned with the wrapper listed as a miss.
type DetailAnswer struct {
	Provider  string             `cbor:"provider"`
	Documents []*document.Stored `cbor:"docs"`
}

// ListWrappers requests the list of available wrappers from the directory.
type ListWrappers struct{}

// WrapperInfo describes a search wrapper known to the directory.
type WrapperInfo struct {
	// Name is the logical service name of the wrapper.
	Name string `json:"name" cbor:"name"`

	// Category groups wrappers that index the same collection, such as
	// mirrors of one digital library.
	Category string `json:"category" cbor:"category"`

	// Address is the bus name the wrapper receives requests on.
	Address string `json:"address,omitempty" cbor:"address,omitempty"`
}

// WrapperList is the directory's reply to ListWrappers.
type WrapperList struct {
	Wrappers []WrapperInfo `cbor:"wrappers"`
}

// Resolve asks the directory for the bus address of a logical service.
type Resolve struct {
	Service string `cbor:"service"`
}

// Resolved is the directory's reply to Resolve.
type Resolved struct {
	Address string `cbor:"address"`
}

// Error is the payload of an error envelope.
type Error struct {
	Message string `cbor:"message"`
}
