package apierror_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/daffodil/go-libdaffodil/apierror"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := apierror.New(errors.New("test error"), 0)
	require.Equal(t, "test error", err.Error())

	err = apierror.New(nil, http.StatusNotFound)
	require.Equal(t, fmt.Sprintf("%d %s", http.StatusNotFound, http.StatusText(http.StatusNotFound)), err.Error())

	err = apierror.New(nil, 0)
	require.Equal(t, "", err.Error())

	err = apierror.New(nil, 999)
	require.Equal(t, "999", err.Error())

	err = apierror.Newf(http.StatusBadRequest, "bad oid %q", "x")
	require.Equal(t, `bad oid "x"`, err.Error())
	require.Equal(t, http.StatusBadRequest, err.Status())
}

func TestFromResponse(t *testing.T) {
	err := apierror.FromResponse(0, []byte(" document missing\n"))
	require.Equal(t, "document missing", err.Error())

	err = apierror.FromResponse(http.StatusTeapot, []byte(" document missing\n"))
	require.Equal(t, "document missing", err.Error())
	require.Equal(t, http.StatusTeapot, apierror.StatusOf(err))

	err = apierror.FromResponse(http.StatusTeapot, nil)
	require.Equal(t, fmt.Sprintf("%d %s", http.StatusTeapot, http.StatusText(http.StatusTeapot)), err.Error())

	// Encoded error bodies are unpacked.
	body := apierror.EncodeError(apierror.New(errors.New("no such oid"), http.StatusNotFound))
	err = apierror.FromResponse(http.StatusNotFound, body)
	require.Equal(t, "no such oid", err.Error())
}

func TestEncodeDecode(t *testing.T) {
	require.Nil(t, apierror.EncodeError(nil))
	require.Nil(t, apierror.DecodeError(nil))

	derr := apierror.DecodeError([]byte("not json"))
	require.ErrorContains(t, derr, "cannot decode error message")

	err := apierror.New(errors.New("cannot find it"), http.StatusNotFound)
	derr = apierror.DecodeError(apierror.EncodeError(err))
	require.Equal(t, "cannot find it", derr.Error())

	var ae *apierror.Error
	require.True(t, errors.As(derr, &ae))
	require.Equal(t, http.StatusNotFound, ae.Status())
	require.Equal(t, fmt.Sprintf("%d %s: cannot find it", http.StatusNotFound, http.StatusText(http.StatusNotFound)), ae.Text())

	derr = apierror.DecodeError(apierror.EncodeError(errors.New("some error")))
	require.Equal(t, "some error", derr.Error())
	require.False(t, errors.As(derr, &ae))
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, http.StatusInternalServerError, apierror.StatusOf(errors.New("plain")))
	wrapped := fmt.Errorf("lookup: %w", apierror.New(nil, http.StatusNotFound))
	require.Equal(t, http.StatusNotFound, apierror.StatusOf(wrapped))
}

func TestWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	apierror.Write(rec, apierror.New(errors.New("bad timeout"), http.StatusBadRequest))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	derr := apierror.DecodeError(rec.Body.Bytes())
	require.Equal(t, "bad timeout", derr.Error())
	require.Equal(t, http.StatusBadRequest, apierror.StatusOf(derr))

	rec = httptest.NewRecorder()
	apierror.Write(rec, errors.New("boom"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, http.StatusInternalServerError, apierror.StatusOf(apierror.DecodeError(rec.Body.Bytes())))
}

func TestUnwrap(t *testing.T) {
	errEOF := errors.New("end of file")
	err := apierror.New(errEOF, 0)
	require.ErrorIs(t, err, errEOF)
}
