// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

// Command tablecast-relay is the per-host aggregator daemon. It
// receives every update the host's writer processes push over the
// inter-process socket, re-broadcasts them to other hosts through the
// configured transport, keeps this host's liveness record fresh, and
// optionally runs the stale-peer monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tablecast/tablecast/config"
	"github.com/tablecast/tablecast/kvstore"
	"github.com/tablecast/tablecast/lib/netutil"
	"github.com/tablecast/tablecast/lib/version"
	"github.com/tablecast/tablecast/pubsub"
	"github.com/tablecast/tablecast/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "",
		"path to the YAML config file (default: the file named by TABLECAST_CONFIG)")
	logLevel := flag.String("log-level", "info",
		"log level: debug, info, warn, or error")
	showVersion := flag.Bool("version", false,
		"print version and exit")
	flag.Parse()

	if *showVersion {
		version.Print("tablecast-relay")
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if cfg.Relay.AdvertiseURI == "" && cfg.Driver.Name == pubsub.DriverSocket {
		// Without an explicit advertise URI, assume the socket driver's
		// port on the first routable interface. Wildcard bind addresses
		// say nothing about how peers should dial in.
		cfg.Relay.AdvertiseURI = fmt.Sprintf("tcp://%s:%d", netutil.ExternalAddress(), cfg.Driver.Port)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	compression, err := pubsub.ParseCompression(cfg.Driver.Compression)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kvstore.Open(kvstore.Config{
		Backend: cfg.Store.Backend,
		Path:    cfg.Store.Path,
		Address: cfg.Store.Address,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	// Source: the Unix socket local writers push to.
	source, err := pubsub.Open(pubsub.Config{
		Driver:     pubsub.DriverSocketIPC,
		SocketPath: cfg.Relay.IPCSocket,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("opening source driver: %w", err)
	}

	// Target: the cross-host rebroadcast transport.
	target, err := pubsub.Open(pubsub.Config{
		Driver:        cfg.Driver.Name,
		BindAddress:   cfg.Driver.BindAddress,
		Port:          cfg.Driver.Port,
		BrokerAddress: cfg.Driver.BrokerAddress,
		Compression:   compression,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("opening target driver: %w", err)
	}

	var monitor *relay.Monitor
	if cfg.Monitor.Enabled {
		monitor, err = relay.NewMonitor(relay.MonitorConfig{
			Store:    store,
			Timeout:  cfg.MonitorTimeout(),
			Interval: cfg.MonitorInterval(),
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("creating monitor: %w", err)
		}
	}

	service, err := relay.NewService(relay.Config{
		Source:         source.Subscriber(),
		Target:         target.Publisher(),
		Store:          store,
		AdvertiseURI:   cfg.Relay.AdvertiseURI,
		Hostname:       cfg.Relay.Hostname,
		QueueCapacity:  cfg.Relay.QueueCapacity,
		RefreshLimit:   cfg.Relay.RefreshLimit,
		RefreshWindow:  cfg.RefreshWindow(),
		OmitValues:     !cfg.Relay.PropagateValues,
		Monitor:        monitor,
		StatusInterval: cfg.StatusInterval(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	logger.Info("tablecast relay starting",
		"ipc_socket", cfg.Relay.IPCSocket,
		"driver", cfg.Driver.Name,
		"store", cfg.Store.Backend,
		"advertise_uri", cfg.Relay.AdvertiseURI,
		"monitor", cfg.Monitor.Enabled,
	)

	return service.Run(ctx)
}
