package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nicktill/telemetryd/pkg/config"
	"github.com/nicktill/telemetryd/pkg/logging"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "telemetryd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	log, err := logging.New(os.Stderr, cfg.Logging)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.start(); err != nil {
		a.shutdown()
		return err
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-a.serveErr:
		log.Error("http server failed", "err", err)
	}
	a.shutdown()
	return err
}

// loadConfig reads the config file named by --config, then lets the other
// flags override it.
func loadConfig(args []string) (*config.Config, error) {
	fs := pflag.NewFlagSet("telemetryd", pflag.ContinueOnError)
	var (
		path     = fs.StringP("config", "c", "", "path to the YAML config file")
		dataDir  = fs.String("data-dir", "", "badger data directory")
		httpAddr = fs.String("http-addr", "", "ops HTTP listen address")
		level    = fs.String("log-level", "", "debug, info, warn or error")
		inMemory = fs.Bool("in-memory", false, "keep everything in memory")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return nil, err
	}
	if fs.Changed("data-dir") {
		cfg.DataDir = *dataDir
	}
	if fs.Changed("http-addr") {
		cfg.HTTPAddr = *httpAddr
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = *level
	}
	if fs.Changed("in-memory") {
		cfg.InMemory = *inMemory
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
