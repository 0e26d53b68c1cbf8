// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

// Command tablecast-watch is the debugging subscriber: it opens a
// driver, registers addresses and topics, and prints every delivered
// update as a JSON line on stdout. The tool an operator reaches for to
// answer "are updates flowing".
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
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

type updateLine struct {
	Time   string `json:"time"`
	Topic  string `json:"topic"`
	Table  string `json:"table,omitempty"`
	Key    string `json:"key,omitempty"`
	Action string `json:"action"`
	Value  string `json:"value,omitempty"`
}

func run() error {
	var (
		driverName string
		listen     []string
		topics     []string
		socketPath string
		broker     string
		verbose    bool
	)

	flagSet := pflag.NewFlagSet("tablecast-watch", pflag.ContinueOnError)
	flagSet.StringVar(&driverName, "driver", pubsub.DriverSocket,
		"driver family: socket, socket-ipc, or redis")
	flagSet.StringArrayVar(&listen, "listen", nil,
		"publisher URI to connect to (socket driver, repeatable)")
	flagSet.StringArrayVar(&topics, "topic", nil,
		"topic to subscribe (repeatable; the all topic is implicit)")
	flagSet.StringVar(&socketPath, "socket-path", "",
		"Unix socket to bind (socket-ipc driver)")
	flagSet.StringVar(&broker, "broker", "",
		"redis node as host:port (redis driver)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false,
		"per-connection debug logging")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing to match the other
	// tablecast binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("tablecast-watch")
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
	if driverName == pubsub.DriverSocket && len(listen) == 0 {
		return fmt.Errorf("at least one --listen is required with the socket driver")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	driver, err := pubsub.Open(pubsub.Config{
		Driver: driverName,
		// The subscriber half never binds a listener; any valid port
		// satisfies the socket driver's validation.
		Port:          8866,
		SocketPath:    socketPath,
		BrokerAddress: broker,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	subscriber := driver.Subscriber()

	// Deliveries are serial per the subscriber contract, so the
	// encoder needs no locking.
	encoder := json.NewEncoder(os.Stdout)
	subscriber.Initialize(func(table, key string, action pubsub.Action, value []byte, topic string) {
		line := updateLine{
			Time:   time.Now().UTC().Format(time.RFC3339Nano),
			Topic:  topic,
			Table:  table,
			Key:    key,
			Action: string(action),
			Value:  string(value),
		}
		if err := encoder.Encode(line); err != nil {
			logger.Warn("writing update line", "error", err)
		}
	})

	for _, uri := range listen {
		subscriber.RegisterListenAddress(uri)
	}
	for _, topic := range topics {
		subscriber.RegisterTopic(topic)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	subscriber.Run(ctx)
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Tablecast update watcher -- print delivered updates as JSON lines.

With the socket driver, dials each --listen URI and reconnects on
failure; a line with action "sync" marks each (re)connect. With
socket-ipc, binds the Unix socket and receives from local writers
(stop the relay first, or point at a scratch path). With redis,
subscribes through the broker node given by --broker.

Updates arrive on the implicit all topic plus every --topic given.

Usage:
  tablecast-watch [flags]

Flags:
%s`, flagSet.FlagUsages())
}
