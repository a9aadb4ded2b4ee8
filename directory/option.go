package directory

import (
	"fmt"
	"net/http"
	"time"
)

const (
	// DefaultName is the bus name that the directory receives requests on.
	DefaultName = "directory"

	defaultTimeout      = 5 * time.Second
	defaultRetryMax     = 3
	defaultRetryWaitMin = 100 * time.Millisecond
	defaultRetryWaitMax = 2 * time.Second
)

type config struct {
	httpClient   *http.Client
	name         string
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	timeout      time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		name:         DefaultName,
		retryMax:     defaultRetryMax,
		retryWaitMin: defaultRetryWaitMin,
		retryWaitMax: defaultRetryWaitMax,
		timeout:      defaultTimeout,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithName sets the bus name of the directory that a Client sends requests
// to.
func WithName(name string) Option {
	return func(c *config) error {
		if name == "" {
			return fmt.Errorf("empty directory name")
		}
		c.name = name
		return nil
	}
}

// WithTimeout sets the time limit for a directory request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive: %s", timeout)
		}
		c.timeout = timeout
		return nil
	}
}

// WithHTTPClient sets the HTTP client used by an HTTPSource.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) error {
		c.httpClient = client
		return nil
	}
}

// WithHTTPRetry configures how an HTTPSource retries failed requests. A
// retryMax of 0 disables retries.
func WithHTTPRetry(retryMax int, waitMin, waitMax time.Duration) Option {
	return func(c *config) error {
		if retryMax < 0 {
			return fmt.Errorf("negative retry max: %d", retryMax)
		}
		if waitMax < waitMin {
			return fmt.Errorf("retry wait max %s less than wait min %s", waitMax, waitMin)
		}
		c.retryMax = retryMax
		c.retryWaitMin = waitMin
		c.retryWaitMax = waitMax
		return nil
	}
}
