// Package apierror provides an error type that carries an HTTP status, and
// the JSON encoding used to return such errors from the HTTP API.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is an error that carries an HTTP status code, so that API clients can
// interpret the error message.
type Error struct {
	err    error
	status int
}

// ErrorMessage is the JSON form of an error response body.
type ErrorMessage struct {
	Message string `json:",omitempty"`
	Status  int    `json:",omitempty"`
}

var serverError []byte

func init() {
	// Always have something to write if encoding fails.
	eb, err := json.Marshal(&ErrorMessage{
		Message: http.StatusText(http.StatusInternalServerError),
		Status:  http.StatusInternalServerError,
	})
	if err != nil {
		panic(err)
	}
	serverError = eb
}

func New(err error, status int) *Error {
	return &Error{
		err:    err,
		status: status,
	}
}

// Newf is the same as New(fmt.Errorf(format, args...), status).
func Newf(status int, format string, args ...any) *Error {
	return New(fmt.Errorf(format, args...), status)
}

// FromResponse creates an error from a non-success HTTP response.
func FromResponse(status int, body []byte) error {
	var err error
	text := strings.TrimSpace(string(body))
	if text != "" {
		// Body may be an encoded ErrorMessage.
		if derr := DecodeError(body); derr != nil && !strings.HasPrefix(derr.Error(), "cannot decode") {
			err = errors.Unwrap(derr)
			if err == nil {
				err = derr
			}
		} else {
			err = errors.New(text)
		}
	}
	if status == 0 {
		return err
	}
	return New(err, status)
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if e.status == 0 {
		return ""
	}
	if text := http.StatusText(e.status); text != "" {
		return fmt.Sprintf("%d %s", e.status, text)
	}
	return fmt.Sprintf("%d", e.status)
}

func (e *Error) Status() int {
	return e.status
}

// Text returns the status, status text, and error message.
func (e *Error) Text() string {
	var b strings.Builder
	if e.status != 0 {
		fmt.Fprintf(&b, "%d", e.status)
		if text := http.StatusText(e.status); text != "" {
			b.WriteString(" ")
			b.WriteString(text)
		}
	}
	if e.err != nil {
		if b.Len() != 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// StatusOf returns the HTTP status carried by err, or 500 if err does not
// carry one.
func StatusOf(err error) int {
	var apierr *Error
	if errors.As(err, &apierr) && apierr.status != 0 {
		return apierr.status
	}
	return http.StatusInternalServerError
}

func EncodeError(err error) []byte {
	if err == nil {
		return nil
	}

	e := ErrorMessage{
		Message: err.Error(),
	}
	var apierr *Error
	if errors.As(err, &apierr) {
		e.Status = apierr.Status()
	}

	data, err := json.Marshal(&e)
	if err != nil {
		return serverError
	}
	return data
}

func DecodeError(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var e ErrorMessage
	err := json.Unmarshal(data, &e)
	if err != nil {
		return fmt.Errorf("cannot decode error message: %s", err)
	}

	err = errors.New(e.Message)
	if e.Status == 0 {
		return err
	}
	return New(err, e.Status)
}

// Write writes err to w as a JSON error response, using the status carried
// by err.
func Write(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	data := EncodeError(err)
	if status == http.StatusInternalServerError {
		var apierr *Error
		if !errors.As(err, &apierr) {
			data = EncodeError(New(err, status))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
