// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

// Command tablecast-publish sends a single update through a chosen
// driver: the smoke-test companion to tablecast-watch. The default
// driver pushes to a running relay's inter-process socket; the redis
// driver publishes through the broker; the socket driver binds a
// listener and sends to whoever is connected, which is only useful
// with --linger.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/tablecast/tablecast/lib/version"
	"github.com/tablecast/tablecast/pubsub"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		driverName  string
		socketPath  string
		bindAddress string
		port        int
		broker      string
		compression string
		linger      time.Duration

		table  string
		key    string
		action string
		value  string
		topic  string
	)

	flagSet := pflag.NewFlagSet("tablecast-publish", pflag.ContinueOnError)
	flagSet.StringVar(&driverName, "driver", pubsub.DriverSocketIPC,
		"driver family: socket-ipc, socket, or redis")
	flagSet.StringVar(&socketPath, "socket-path", "/run/tablecast/relay.sock",
		"Unix socket of the relay (socket-ipc driver)")
	flagSet.StringVar(&bindAddress, "bind-address", "",
		"listener address (socket driver; empty binds every interface)")
	flagSet.IntVar(&port, "port", 8866,
		"listener port (socket driver)")
	flagSet.StringVar(&broker, "broker", "",
		"redis node as host:port (redis driver)")
	flagSet.StringVar(&compression, "compression", "none",
		"envelope codec: none, zstd, or lz4")
	flagSet.DurationVar(&linger, "linger", 0,
		"keep the endpoint open this long after sending")

	flagSet.StringVar(&table, "table", "", "logical table of the update")
	flagSet.StringVar(&key, "key", "", "row key within the table")
	flagSet.StringVar(&action, "action", "set",
		"action: create, set, delete, log, or sync")
	flagSet.StringVar(&value, "value", "", "row payload")
	flagSet.StringVar(&topic, "topic", "", "routing topic (default all)")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing to match the other
	// tablecast binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("tablecast-publish")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	updateAction := pubsub.Action(action)
	if !updateAction.Valid() {
		return fmt.Errorf("invalid --action %q (create, set, delete, log, sync)", action)
	}
	// Row actions name a row; log and sync refer to none.
	if updateAction == pubsub.ActionCreate || updateAction == pubsub.ActionSet || updateAction == pubsub.ActionDelete {
		if table == "" || key == "" {
			return fmt.Errorf("--table and --key are required for the %s action", action)
		}
	}

	codec, err := pubsub.ParseCompression(compression)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	driver, err := pubsub.Open(pubsub.Config{
		Driver:        driverName,
		BindAddress:   bindAddress,
		Port:          port,
		SocketPath:    socketPath,
		BrokerAddress: broker,
		Compression:   codec,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	publisher := driver.Publisher()

	ctx := context.Background()
	if err := publisher.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing publisher: %w", err)
	}
	defer publisher.Close()

	var payload []byte
	if value != "" {
		payload = []byte(value)
	}

	update := pubsub.NewUpdate(table, key, updateAction, payload)
	if err := publisher.Send(ctx, update, topic); err != nil {
		return fmt.Errorf("sending update: %w", err)
	}

	fmt.Printf("sent %s %s/%s to topic %s\n", update.Action, update.Table, update.Key, update.Topic)

	if linger > 0 {
		time.Sleep(linger)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Tablecast one-shot publisher -- send a single update for smoke tests.

The default socket-ipc driver pushes into a running relay through its
Unix socket, exactly as a writer process would. The redis driver
publishes through the broker. The socket driver binds a fresh listener
and reaches only subscribers that connect before it exits; give it
--linger to hold the listener open.

Examples:
  tablecast-publish --table ports --key port-7 --value '{"admin":"up"}'
  tablecast-publish --driver redis --broker 127.0.0.1:6379 \
      --table flows --key f-1 --action delete
  tablecast-publish --action sync --driver socket --linger 5s

Usage:
  tablecast-publish [flags]

Flags:
%s`, flagSet.FlagUsages())
}
