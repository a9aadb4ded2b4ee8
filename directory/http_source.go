package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/daffodil/go-libdaffodil/apierror"
	"github.com/daffodil/go-libdaffodil/message"
	"github.com/hashicorp/go-retryablehttp"
)

// HTTPSource reads the wrapper directory from an HTTP server.
type HTTPSource struct {
	url    *url.URL
	client *http.Client
	header http.Header
}

// NewHTTPSource creates a source that fetches the wrapper list from
// <srcURL>/wrappers.
func NewHTTPSource(srcURL string, options ...Option) (*HTTPSource, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(srcURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", srcURL)
	}
	u = u.JoinPath(WrappersPath)

	httpClient := opts.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.timeout}
	}
	if opts.retryMax != 0 {
		rclient := &retryablehttp.Client{
			HTTPClient:   httpClient,
			RetryWaitMin: opts.retryWaitMin,
			RetryWaitMax: opts.retryWaitMax,
			RetryMax:     opts.retryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
		}
		httpClient = rclient.StandardClient()
	}

	return &HTTPSource{
		url:    u,
		client: httpClient,
	}, nil
}

// AddHeader adds a header sent with every request.
func (s *HTTPSource) AddHeader(key, value string) {
	if s.header == nil {
		s.header = make(http.Header)
	}
	s.header.Add(key, value)
}

// FetchAll gets the list of all wrappers.
func (s *HTTPSource) FetchAll(ctx context.Context) ([]message.WrapperInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url.String(), nil)
	if err != nil {
		return nil, err
	}
	for key, vals := range s.header {
		for _, val := range vals {
			req.Header.Add(key, val)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierror.FromResponse(resp.StatusCode, body)
	}

	var wrappers []message.WrapperInfo
	if err = json.Unmarshal(body, &wrappers); err != nil {
		return nil, fmt.Errorf("cannot decode wrapper list: %w", err)
	}
	return wrappers, nil
}

func (s *HTTPSource) String() string {
	return s.url.String()
}
