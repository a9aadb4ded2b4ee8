package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/daffodil/go-libdaffodil/config"
	"github.com/daffodil/go-libdaffodil/docstore"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"
)

const testConfig = `
libp2p:
  listen_addrs:
    - /ip4/127.0.0.1/tcp/0
  router: floodsub
http:
  default_timeout: 3s
directory:
  timeout: 1500ms
  wrappers:
    - name: acm
      category: cs
    - name: pubmed
      category: med
      address: wrapper/pubmed
cache:
  ttl: 1m
store:
  poll_interval: 100ms
  recent_years: 5
logging:
  level: debug
  loggers:
    docstore: warn
`

func TestDefaults(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
	require.Equal(t, "gossipsub", cfg.Libp2p.Router)
	require.Equal(t, 10*time.Second, cfg.Cache.TTL)
	require.Equal(t, docstore.DefaultReplyTo, cfg.Store.ReplyTo)
}

func TestParse(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)

	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/0"}, cfg.Libp2p.ListenAddrs)
	require.Equal(t, "floodsub", cfg.Libp2p.Router)
	require.Equal(t, 3*time.Second, cfg.HTTP.DefaultTimeout)
	// Unset values keep defaults.
	require.Equal(t, 30*time.Second, cfg.HTTP.MaxTimeout)
	require.Equal(t, 1500*time.Millisecond, cfg.Directory.Timeout)
	require.Len(t, cfg.Directory.Wrappers, 2)
	require.Equal(t, "wrapper/pubmed", cfg.Directory.Wrappers[1].Address)
	require.Equal(t, time.Minute, cfg.Cache.TTL)
	require.Equal(t, 100*time.Millisecond, cfg.Store.PollInterval)
	require.Equal(t, 5, cfg.Store.RecentYears)
	require.Equal(t, 24*time.Hour, cfg.Store.RetryAfter)
	require.Equal(t, "warn", cfg.Logging.Loggers["docstore"])

	storeOpts, err := cfg.StoreOptions()
	require.NoError(t, err)
	require.NotEmpty(t, storeOpts)
	require.Len(t, cfg.APIOptions(), 2)
	require.NotEmpty(t, cfg.CacheOptions())
	require.NotEmpty(t, cfg.DirectoryOptions())
}

func TestValidate(t *testing.T) {
	_, err := config.Parse([]byte("libp2p:\n  router: carrier-pigeon\n"))
	require.ErrorContains(t, err, "unknown router")

	cfg := config.Default()
	cfg.Libp2p.ListenAddrs = []string{"not-a-multiaddr"}
	cfg.HTTP.DefaultTimeout = time.Hour
	cfg.Directory.URL = "http://localhost:3000"
	cfg.Directory.Peer = "/ip4/127.0.0.1/tcp/3003"
	cfg.Store.ReplyTo = cfg.Directory.Name
	err = cfg.Validate()
	require.Error(t, err)
	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	// Bad listen address, default timeout, url and peer both set, peer
	// without /p2p, and reply_to.
	require.Len(t, merr.Errors, 5)

	cfg = config.Default()
	cfg.Store.RecentYears = -1
	_, err = cfg.StoreOptions()
	require.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "cannot read config file")
}
