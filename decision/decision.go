// Package decision decides whether a stored document is worth a detail-fill
// round trip to its providers.
package decision

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/daffodil/go-libdaffodil/document"
)

const (
	defaultRecentYears = 10
	defaultRetryAfter  = 24 * time.Hour
)

// Decision is a pluggable completeness policy.
type Decision interface {
	// DetailRetrievalSensible returns true if asking providers to fill in
	// missing fields of the document is worthwhile.
	DetailRetrievalSensible(*document.Stored) bool
}

// Func adapts an ordinary function to the Decision interface.
type Func func(*document.Stored) bool

// DetailRetrievalSensible calls f(d).
func (f Func) DetailRetrievalSensible(d *document.Stored) bool {
	return f(d)
}

var (
	// Always requests details for every incomplete document.
	Always Decision = Func(func(d *document.Stored) bool { return !d.Complete() })
	// Never disables detail retrieval.
	Never Decision = Func(func(*document.Stored) bool { return false })
)

// Smart is the default policy. Complete documents are never retrieved.
// Recent documents are retried when some source was never tried or was last
// tried longer ago than the retry interval. Old documents get a single
// attempt, ever.
type Smart struct {
	clock       clock.Clock
	recentYears int
	retryAfter  time.Duration
}

var _ Decision = (*Smart)(nil)

type config struct {
	clock       clock.Clock
	recentYears int
	retryAfter  time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

func getOpts(opts []Option) (config, error) {
	cfg := config{
		clock:       clock.New(),
		recentYears: defaultRecentYears,
		retryAfter:  defaultRetryAfter,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClock sets the clock used to determine the current time.
func WithClock(clk clock.Clock) Option {
	return func(cfg *config) error {
		if clk != nil {
			cfg.clock = clk
		}
		return nil
	}
}

// WithRecentYears sets how many years back a publication counts as recent.
//
// Default is 10 years.
func WithRecentYears(years int) Option {
	return func(cfg *config) error {
		if years < 0 {
			return fmt.Errorf("recent years cannot be negative: %d", years)
		}
		cfg.recentYears = years
		return nil
	}
}

// WithRetryAfter sets the age after which a previous detail-fill attempt at a
// source of a recent document may be repeated.
//
// Default is 24 hours.
func WithRetryAfter(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("retry interval must be positive: %s", d)
		}
		cfg.retryAfter = d
		return nil
	}
}

// NewSmart creates the default detail retrieval policy.
func NewSmart(options ...Option) (*Smart, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	return &Smart{
		clock:       opts.clock,
		recentYears: opts.recentYears,
		retryAfter:  opts.retryAfter,
	}, nil
}

// DetailRetrievalSensible applies the policy to d at the current time of the
// clock. A nil document is never retrieved.
func (s *Smart) DetailRetrievalSensible(d *document.Stored) bool {
	if d == nil || d.Complete() {
		return false
	}
	now := s.clock.Now()

	// A document without a parsable year is treated as recent, since the year
	// may be one of the fields a detail-fill supplies.
	year, ok := d.Year()
	if !ok || now.Year()-year <= s.recentYears {
		if len(d.Sources) == 0 {
			return true
		}
		for _, src := range d.Sources {
			if !src.Fetched() || now.Sub(src.DetailFetched) > s.retryAfter {
				return true
			}
		}
		return false
	}

	for _, src := range d.Sources {
		if src.Fetched() {
			return false
		}
	}
	return true
}

// Partition splits docs into those that need completion and those that are
// sufficient as they are.
func Partition(dec Decision, docs []*document.Stored) (needs, sufficient []*document.Stored) {
	for _, d := range docs {
		if dec.DetailRetrievalSensible(d) {
			needs = append(needs, d)
		} else {
			sufficient = append(sufficient, d)
		}
	}
	return needs, sufficient
}
