// Package config loads the configuration of a document broker from a YAML
// file and converts it to the options of each package.
//
// Values missing from the file keep their defaults from Default.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/daffodil/go-libdaffodil/api"
	"github.com/daffodil/go-libdaffodil/decision"
	"github.com/daffodil/go-libdaffodil/directory"
	"github.com/daffodil/go-libdaffodil/docstore"
	"github.com/daffodil/go-libdaffodil/mautil"
	"github.com/daffodil/go-libdaffodil/message"
	"github.com/daffodil/go-libdaffodil/wcache"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of a document broker.
type Config struct {
	// Libp2p configures the host and the pubsub message bus.
	Libp2p Libp2pConfig `yaml:"libp2p"`

	// HTTP configures the HTTP API.
	HTTP HTTPConfig `yaml:"http"`

	// Directory configures where the wrapper directory is read from.
	Directory DirectoryConfig `yaml:"directory"`

	// Cache configures the wrapper category cache.
	Cache CacheConfig `yaml:"cache"`

	// Store configures the document store.
	Store StoreConfig `yaml:"store"`

	// Logging configures log levels.
	Logging LoggingConfig `yaml:"logging"`
}

// Libp2pConfig configures the libp2p host and pubsub.
type Libp2pConfig struct {
	// ListenAddrs are the multiaddrs the host listens on.
	ListenAddrs []string `yaml:"listen_addrs"`

	// Peers are multiaddrs, including /p2p/<id>, of peers to connect to at
	// startup.
	Peers []string `yaml:"peers,omitempty"`

	// Router is the pubsub router: gossipsub or floodsub.
	Router string `yaml:"router"`

	// TopicPrefix is prepended to bus names to form pubsub topic names.
	TopicPrefix string `yaml:"topic_prefix"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	// ListenAddr is the host:port the API listens on. Empty disables the API.
	ListenAddr string `yaml:"listen_addr"`

	// DefaultTimeout is the lookup timeout of requests that do not give one.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxTimeout is the largest lookup timeout a request may ask for.
	MaxTimeout time.Duration `yaml:"max_timeout"`
}

// DirectoryConfig configures the wrapper directory.
type DirectoryConfig struct {
	// Name is the bus name of the directory.
	Name string `yaml:"name"`

	// URL, if set, reads the wrapper list over HTTP instead of the bus.
	URL string `yaml:"url"`

	// Peer, if set, is the multiaddr, including /p2p/<id>, of a directory
	// peer to read the wrapper list from over a libp2p stream.
	Peer string `yaml:"peer"`

	// Timeout is the time limit for a directory request.
	Timeout time.Duration `yaml:"timeout"`

	// Wrappers, if not empty, are served by this broker as the directory.
	Wrappers []message.WrapperInfo `yaml:"wrappers,omitempty"`
}

// CacheConfig configures the wrapper category cache.
type CacheConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
	Preload        bool          `yaml:"preload"`
}

// StoreConfig configures the document store.
type StoreConfig struct {
	// ReplyTo is the bus name detail answers are sent to.
	ReplyTo       string        `yaml:"reply_to"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	RepollTimeout time.Duration `yaml:"repoll_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`

	// RecentYears is the age in years up to which a document is recent.
	// Details of recent documents are fetched again after RetryAfter.
	RecentYears int           `yaml:"recent_years"`
	RetryAfter  time.Duration `yaml:"retry_after"`
}

// LoggingConfig configures log levels.
type LoggingConfig struct {
	// Level is the level of all loggers.
	Level string `yaml:"level"`

	// Loggers sets the level of individual loggers by name.
	Loggers map[string]string `yaml:"loggers,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Libp2p: Libp2pConfig{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/3103"},
			Router:      "gossipsub",
			TopicPrefix: "/daffodil/bus/",
		},
		HTTP: HTTPConfig{
			ListenAddr:     "127.0.0.1:3100",
			DefaultTimeout: 2 * time.Second,
			MaxTimeout:     30 * time.Second,
		},
		Directory: DirectoryConfig{
			Name:    directory.DefaultName,
			Timeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			TTL:            10 * time.Second,
			RefreshTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			ReplyTo:       docstore.DefaultReplyTo,
			PollInterval:  500 * time.Millisecond,
			SendTimeout:   2 * time.Second,
			RepollTimeout: 250 * time.Millisecond,
			WriteTimeout:  30 * time.Second,
			RecentYears:   10,
			RetryAfter:    24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the config for errors. All errors found are returned.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if _, err := mautil.ParseMultiaddrs(c.Libp2p.ListenAddrs); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("libp2p.listen_addrs: %w", err))
	}
	if _, err := mautil.ParsePeers(c.Libp2p.Peers); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("libp2p.peers: %w", err))
	}
	switch c.Libp2p.Router {
	case "gossipsub", "floodsub":
	default:
		errs = multierror.Append(errs, fmt.Errorf("libp2p.router: unknown router %q", c.Libp2p.Router))
	}
	if c.HTTP.MaxTimeout <= 0 {
		errs = multierror.Append(errs, errors.New("http.max_timeout must be positive"))
	} else if c.HTTP.DefaultTimeout > c.HTTP.MaxTimeout {
		errs = multierror.Append(errs, errors.New("http.default_timeout exceeds http.max_timeout"))
	}
	if c.Directory.Name == "" {
		errs = multierror.Append(errs, errors.New("directory.name is empty"))
	}
	if c.Directory.URL != "" && c.Directory.Peer != "" {
		errs = multierror.Append(errs, errors.New("only one of directory.url and directory.peer may be set"))
	}
	if c.Directory.Peer != "" {
		if _, err := mautil.ParsePeer(c.Directory.Peer); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("directory.peer: %w", err))
		}
	}
	for i, w := range c.Directory.Wrappers {
		if w.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("directory.wrappers[%d] has no name", i))
		}
	}
	if c.Store.ReplyTo == "" {
		errs = multierror.Append(errs, errors.New("store.reply_to is empty"))
	}
	if c.Store.ReplyTo == c.Directory.Name {
		errs = multierror.Append(errs, errors.New("store.reply_to must differ from directory.name"))
	}
	return errs.ErrorOrNil()
}

// APIOptions returns the options for the HTTP API.
func (c *Config) APIOptions() []api.Option {
	return []api.Option{
		api.WithTimeout(c.HTTP.DefaultTimeout),
		api.WithMaxTimeout(c.HTTP.MaxTimeout),
	}
}

// DirectoryOptions returns the options for directory clients and sources.
func (c *Config) DirectoryOptions() []directory.Option {
	opts := []directory.Option{directory.WithName(c.Directory.Name)}
	if c.Directory.Timeout > 0 {
		opts = append(opts, directory.WithTimeout(c.Directory.Timeout))
	}
	return opts
}

// CacheOptions returns the options for the wrapper cache.
func (c *Config) CacheOptions() []wcache.Option {
	opts := []wcache.Option{
		wcache.WithTTL(c.Cache.TTL),
		wcache.WithPreload(c.Cache.Preload),
	}
	if c.Cache.RefreshTimeout > 0 {
		opts = append(opts, wcache.WithRefreshTimeout(c.Cache.RefreshTimeout))
	}
	return opts
}

// StoreOptions returns the options for the document store, not including
// the wrapper cache and resolver.
func (c *Config) StoreOptions() ([]docstore.Option, error) {
	dec, err := decision.NewSmart(
		decision.WithRecentYears(c.Store.RecentYears),
		decision.WithRetryAfter(c.Store.RetryAfter),
	)
	if err != nil {
		return nil, fmt.Errorf("store decision: %w", err)
	}
	opts := []docstore.Option{
		docstore.WithDecision(dec),
		docstore.WithReplyTo(c.Store.ReplyTo),
	}
	if c.Store.PollInterval > 0 {
		opts = append(opts, docstore.WithPollInterval(c.Store.PollInterval))
	}
	if c.Store.SendTimeout > 0 {
		opts = append(opts, docstore.WithSendTimeout(c.Store.SendTimeout))
	}
	if c.Store.RepollTimeout > 0 {
		opts = append(opts, docstore.WithRepollTimeout(c.Store.RepollTimeout))
	}
	if c.Store.WriteTimeout > 0 {
		opts = append(opts, docstore.WithWriteTimeout(c.Store.WriteTimeout))
	}
	return opts, nil
}
