package inserter

import (
	"fmt"
	"time"
)

const defaultWriteTimeout = 30 * time.Second

type config struct {
	writeTimeout time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		writeTimeout: defaultWriteTimeout,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithWriteTimeout sets the time limit for writing a single document to the
// repository.
//
// Default is 30 seconds.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(cfg *config) error {
		if timeout <= 0 {
			return fmt.Errorf("write timeout must be positive: %s", timeout)
		}
		cfg.writeTimeout = timeout
		return nil
	}
}
