package wcache

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	defaultTTL            = 10 * time.Second
	defaultRefreshTimeout = 5 * time.Second
)

type config struct {
	clock          clock.Clock
	preload        bool
	refreshTimeout time.Duration
	ttl            time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		clock:          clock.New(),
		refreshTimeout: defaultRefreshTimeout,
		ttl:            defaultTTL,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClock sets the clock used to timestamp and age snapshots.
func WithClock(clk clock.Clock) Option {
	return func(cfg *config) error {
		if clk != nil {
			cfg.clock = clk
		}
		return nil
	}
}

// WithPreload enables or disables fetching the directory when the cache is
// created.
//
// Default is disabled.
func WithPreload(preload bool) Option {
	return func(cfg *config) error {
		cfg.preload = preload
		return nil
	}
}

// WithRefreshTimeout sets the time limit for fetching the directory from the
// source.
//
// Default is 5 seconds.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(cfg *config) error {
		if timeout <= 0 {
			return fmt.Errorf("refresh timeout must be positive: %s", timeout)
		}
		cfg.refreshTimeout = timeout
		return nil
	}
}

// WithTTL sets the age after which the snapshot is stale and is refreshed by
// the next lookup.
//
// Default is 10 seconds.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *config) error {
		cfg.ttl = ttl
		return nil
	}
}
