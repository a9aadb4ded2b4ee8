package docstore

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/daffodil/go-libdaffodil/decision"
)

const (
	// DefaultReplyTo is the bus name that provider replies are sent to.
	DefaultReplyTo = "docstore"

	defaultPollInterval  = 500 * time.Millisecond
	defaultRepollTimeout = 250 * time.Millisecond
	defaultSendTimeout   = 2 * time.Second
	defaultWriteTimeout  = 30 * time.Second
)

type config struct {
	cache         WrapperCache
	clock         clock.Clock
	decision      decision.Decision
	pollInterval  time.Duration
	replyTo       string
	repollTimeout time.Duration
	resolver      Resolver
	sendTimeout   time.Duration
	writeTimeout  time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		clock:         clock.New(),
		pollInterval:  defaultPollInterval,
		replyTo:       DefaultReplyTo,
		repollTimeout: defaultRepollTimeout,
		sendTimeout:   defaultSendTimeout,
		writeTimeout:  defaultWriteTimeout,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	if cfg.decision == nil {
		smart, err := decision.NewSmart(decision.WithClock(cfg.clock))
		if err != nil {
			return config{}, err
		}
		cfg.decision = smart
	}
	return cfg, nil
}

// WithWrapperCache sets the cache used to expand a provider to all providers
// in the same category. Without a cache only the providers a document was
// found at are asked for details.
func WithWrapperCache(cache WrapperCache) Option {
	return func(c *config) error {
		c.cache = cache
		return nil
	}
}

// WithResolver sets the resolver that maps provider names to bus addresses.
// Without a resolver the provider name is used as its address.
func WithResolver(resolver Resolver) Option {
	return func(c *config) error {
		c.resolver = resolver
		return nil
	}
}

// WithDecision sets the policy that decides which documents are worth
// completing. The default is a decision.Smart using the store's clock.
func WithDecision(dec decision.Decision) Option {
	return func(c *config) error {
		c.decision = dec
		return nil
	}
}

// WithPollInterval sets how long to wait between repository polls while
// waiting for documents to arrive.
//
// Default is 500ms.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return fmt.Errorf("poll interval must be positive: %s", interval)
		}
		c.pollInterval = interval
		return nil
	}
}

// WithReplyTo sets the bus name that providers send detail answers to. A
// handler from Store.Handler must be registered at this name.
func WithReplyTo(name string) Option {
	return func(c *config) error {
		if name == "" {
			return fmt.Errorf("empty reply name")
		}
		c.replyTo = name
		return nil
	}
}

// WithSendTimeout sets the time limit for sending a detail request to one
// provider.
func WithSendTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("send timeout must be positive: %s", timeout)
		}
		c.sendTimeout = timeout
		return nil
	}
}

// WithRepollTimeout sets the time limit for the repository poll done when
// waiting for providers is interrupted.
func WithRepollTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("repoll timeout must be positive: %s", timeout)
		}
		c.repollTimeout = timeout
		return nil
	}
}

// WithWriteTimeout sets the time limit for writing one queued document to
// the repository.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.writeTimeout = timeout
		return nil
	}
}

// WithClock sets the clock used for deadlines, polling, and detail-fetch
// timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk != nil {
			c.clock = clk
		}
		return nil
	}
}
