package api

import (
	"fmt"
	"time"
)

const (
	defaultTimeout    = 2 * time.Second
	defaultMaxTimeout = 30 * time.Second
	defaultMaxBody    = 1 << 20
)

type config struct {
	maxBody    int64
	maxTimeout time.Duration
	preferJSON bool
	timeout    time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		maxBody:    defaultMaxBody,
		maxTimeout: defaultMaxTimeout,
		preferJSON: true,
		timeout:    defaultTimeout,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	if cfg.timeout > cfg.maxTimeout {
		return config{}, fmt.Errorf("default timeout %s exceeds max timeout %s", cfg.timeout, cfg.maxTimeout)
	}
	return cfg, nil
}

// WithTimeout sets the lookup timeout used when a request does not give one.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("negative timeout: %s", timeout)
		}
		c.timeout = timeout
		return nil
	}
}

// WithMaxTimeout sets the largest lookup timeout a request may ask for.
func WithMaxTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("max timeout must be positive: %s", timeout)
		}
		c.maxTimeout = timeout
		return nil
	}
}

// WithPreferJSON sets whether requests without an Accept header get JSON. If
// false such requests are rejected.
func WithPreferJSON(preferJSON bool) Option {
	return func(c *config) error {
		c.preferJSON = preferJSON
		return nil
	}
}

// WithMaxBodySize sets the size limit of a posted document.
func WithMaxBodySize(n int64) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("max body size must be positive: %d", n)
		}
		c.maxBody = n
		return nil
	}
}
