// docbroker runs a document broker: a document store that completes
// documents by asking the wrappers of a federated digital library over a
// libp2p pubsub bus, and serves them over HTTP.
//
// Usage:
//
//	docbroker [--config FILE] [--listen ADDR] [--log-level LEVEL] [--init]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/daffodil/go-libdaffodil/config"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/pflag"
)

var log = logging.Logger("docbroker")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var cfgPath, listen, logLevel string
	var initCfg bool

	flagSet := pflag.NewFlagSet("docbroker", pflag.ContinueOnError)
	flagSet.StringVar(&cfgPath, "config", "", "path to YAML config file")
	flagSet.StringVar(&listen, "listen", "", "HTTP API listen address, overrides the config file")
	flagSet.StringVar(&logLevel, "log-level", "", "level of all loggers, overrides the config file")
	flagSet.BoolVar(&initCfg, "init", false, "write the default config to --config and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	if initCfg {
		if cfgPath == "" {
			return errors.New("--init requires --config")
		}
		return config.Default().Save(cfgPath)
	}

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
	}
	if listen != "" {
		cfg.HTTP.ListenAddr = listen
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := setLogLevels(cfg.Logging); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := start(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info("Document broker running")

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return b.close(shutdownCtx)
}

func setLogLevels(cfg config.LoggingConfig) error {
	lvl, err := logging.LevelFromString(cfg.Level)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", cfg.Level, err)
	}
	logging.SetAllLoggers(lvl)
	for name, level := range cfg.Loggers {
		if err = logging.SetLogLevel(name, level); err != nil {
			return fmt.Errorf("cannot set level of logger %s: %w", name, err)
		}
	}
	return nil
}
