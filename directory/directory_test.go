package directory_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/daffodil/go-libdaffodil/apierror"
	"github.com/daffodil/go-libdaffodil/bus"
	"github.com/daffodil/go-libdaffodil/directory"
	"github.com/daffodil/go-libdaffodil/message"
	"github.com/daffodil/go-libdaffodil/wcache"
	"github.com/stretchr/testify/require"
)

var (
	_ wcache.Source = (*directory.Registry)(nil)
	_ wcache.Source = (*directory.Client)(nil)
	_ wcache.Source = (*directory.HTTPSource)(nil)
)

func newRegistry(t *testing.T) *directory.Registry {
	reg, err := directory.NewRegistry(
		message.WrapperInfo{Name: "dblp", Category: "cs"},
		message.WrapperInfo{Name: "acm", Category: "cs", Address: "wrapper/acm"},
		message.WrapperInfo{Name: "pubmed", Category: "med"},
	)
	require.NoError(t, err)
	return reg
}

func TestRegistry(t *testing.T) {
	reg := newRegistry(t)

	list := reg.List()
	require.Len(t, list, 3)
	require.Equal(t, "acm", list[0].Name)
	require.Equal(t, "pubmed", list[2].Address)

	addr, err := reg.Resolve(context.Background(), "acm")
	require.NoError(t, err)
	require.Equal(t, "wrapper/acm", addr)

	_, err = reg.Resolve(context.Background(), "nowhere")
	require.ErrorIs(t, err, directory.ErrUnknownService)

	require.Error(t, reg.Register(message.WrapperInfo{Category: "cs"}))
	require.True(t, reg.Remove("dblp"))
	require.False(t, reg.Remove("dblp"))
	require.Len(t, reg.List(), 2)
}

func TestClient(t *testing.T) {
	reg := newRegistry(t)
	b, err := bus.NewMem()
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Register(directory.DefaultName, reg.Handler()))

	client, err := directory.NewClient(b, directory.WithTimeout(time.Second))
	require.NoError(t, err)

	ctx := context.Background()
	wrappers, err := client.FetchAll(ctx)
	require.NoError(t, err)
	require.Equal(t, reg.List(), wrappers)

	addr, err := client.Resolve(ctx, "acm")
	require.NoError(t, err)
	require.Equal(t, "wrapper/acm", addr)

	_, err = client.Resolve(ctx, "nowhere")
	require.ErrorContains(t, err, "unknown service")

	other, err := directory.NewClient(b, directory.WithName("elsewhere"))
	require.NoError(t, err)
	_, err = other.ListWrappers(ctx)
	require.ErrorIs(t, err, bus.ErrNoRoute)
}

func TestClientFeedsCache(t *testing.T) {
	reg := newRegistry(t)
	b, err := bus.NewMem()
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Register(directory.DefaultName, reg.Handler()))

	client, err := directory.NewClient(b)
	require.NoError(t, err)
	cache, err := wcache.New(client)
	require.NoError(t, err)

	names := cache.FilteredCategoryWrapper(context.Background(), "dblp")
	require.Equal(t, []string{"acm", "dblp"}, names)
}

func TestHTTPSource(t *testing.T) {
	reg := newRegistry(t)
	ts := httptest.NewServer(reg)
	defer ts.Close()

	src, err := directory.NewHTTPSource(ts.URL, directory.WithHTTPRetry(1, time.Millisecond, 10*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, ts.URL+"/wrappers", src.String())

	wrappers, err := src.FetchAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, reg.List(), wrappers)
}

func TestHTTPSourceError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	src, err := directory.NewHTTPSource(ts.URL, directory.WithHTTPRetry(0, 0, 0))
	require.NoError(t, err)
	src.AddHeader("Authorization", "Bearer token")

	_, err = src.FetchAll(context.Background())
	var apierr *apierror.Error
	require.True(t, errors.As(err, &apierr))
	require.Equal(t, http.StatusNotFound, apierr.Status())

	_, err = directory.NewHTTPSource("ftp://example.com")
	require.Error(t, err)
}
