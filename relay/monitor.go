// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tablecast/tablecast/kvstore"
	"github.com/tablecast/tablecast/lib/clock"
)

// Monitor evicts peer records whose owner stopped refreshing. It is
// advisory cleanup: monitors on several hosts may sweep concurrently,
// and losing an eviction race to another monitor or to the owner
// refreshing is harmless.
type Monitor struct {
	store    kvstore.Store
	clk      clock.Clock
	logger   *slog.Logger
	timeout  time.Duration
	interval time.Duration
}

// MonitorConfig parameterizes a Monitor.
type MonitorConfig struct {
	// Store is the shared store holding the peers table. Required.
	Store kvstore.Store

	// Timeout is how long a record may go unrefreshed before it is
	// considered stale. Required.
	Timeout time.Duration

	// Interval is the time between sweeps. Defaults to half the
	// timeout, so a stale record outlives its deadline by at most one
	// sweep.
	Interval time.Duration

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// NewMonitor validates the configuration and returns a Monitor. Run
// must be called to start sweeping.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("relay: monitor: Store is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("relay: monitor: Timeout must be positive, got %v", cfg.Timeout)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = cfg.Timeout / 2
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		store:    cfg.Store,
		clk:      clk,
		logger:   logger,
		timeout:  cfg.Timeout,
		interval: interval,
	}, nil
}

// Run sweeps the peers table every interval until ctx is cancelled.
// Sweep errors are logged and the next tick proceeds.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clk.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("peer monitor running", "timeout", m.timeout, "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	keys, err := m.store.Keys(ctx, PeersTable)
	if err != nil {
		m.logger.Warn("peer sweep failed", "error", err)
		return
	}

	now := m.clk.Now()
	for _, key := range keys {
		value, err := m.store.GetKey(ctx, PeersTable, key)
		if errors.Is(err, kvstore.ErrNotFound) {
			// Deleted since the enumeration, by the owner or another
			// monitor.
			continue
		}
		if err != nil {
			m.logger.Warn("peer record read failed", "id", key, "error", err)
			continue
		}

		peer, err := decodePeer(value)
		if err != nil {
			// An unreadable record can never be judged fresh, and its
			// owner re-creates it on the next refresh.
			m.logger.Warn("evicting undecodable peer record", "id", key, "error", err)
			if err := m.store.DeleteKey(ctx, PeersTable, key); err != nil {
				m.logger.Warn("peer eviction failed", "id", key, "error", err)
			}
			continue
		}

		if !peer.Stale(now, m.timeout) {
			continue
		}
		if err := m.store.DeleteKey(ctx, PeersTable, key); err != nil {
			m.logger.Warn("peer eviction failed", "id", key, "error", err)
			continue
		}
		m.logger.Info("stale peer evicted",
			"id", key,
			"uri", peer.URI,
			"stale_for", now.Sub(time.Unix(0, peer.LastActivity)),
		)
	}
}
