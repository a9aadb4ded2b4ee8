package bus

import (
	"fmt"
	"time"
)

const (
	defaultTopicPrefix    = "/daffodil/bus/"
	defaultHandlerTimeout = 30 * time.Second
)

type config struct {
	handlerTimeout time.Duration
	topicPrefix    string
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		handlerTimeout: defaultHandlerTimeout,
		topicPrefix:    defaultTopicPrefix,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithHandlerTimeout sets the time limit for a handler to process a message
// that was delivered by Send.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("handler timeout must be positive: %s", timeout)
		}
		c.handlerTimeout = timeout
		return nil
	}
}

// WithTopicPrefix sets the prefix prepended to a bus name to form the pubsub
// topic name. Only used by PubSub.
func WithTopicPrefix(prefix string) Option {
	return func(c *config) error {
		c.topicPrefix = prefix
		return nil
	}
}
