// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tablecast/tablecast/kvstore"
	"github.com/tablecast/tablecast/lib/clock"
	"github.com/tablecast/tablecast/pubsub"
)

// Defaults for the knobs a Config may leave zero.
const (
	DefaultQueueCapacity  = 1024
	DefaultRefreshLimit   = 3
	DefaultRefreshWindow  = 30 * time.Second
	DefaultStatusInterval = time.Minute
)

// Config parameterizes a relay Service.
type Config struct {
	// Source receives updates from co-located writer processes,
	// usually the socket-ipc driver's subscriber. The service calls
	// its Initialize, Start, and Stop. Required.
	Source pubsub.Subscriber

	// Target re-broadcasts updates to other hosts, usually the
	// direct-socket or redis driver's publisher. The service calls
	// its Initialize and Close. Required.
	Target pubsub.Publisher

	// Store holds the peers table this host's liveness record lives
	// in. Required.
	Store kvstore.Store

	// AdvertiseURI is the address remote subscribers use to reach
	// Target, recorded in the liveness record. Required.
	AdvertiseURI string

	// Hostname identifies this host in the liveness record id.
	// Defaults to os.Hostname().
	Hostname string

	// QueueCapacity bounds the buffer between the source callback and
	// the forward loop. Defaults to DefaultQueueCapacity.
	QueueCapacity int

	// RefreshLimit and RefreshWindow cap liveness refreshes: at most
	// RefreshLimit store writes in any RefreshWindow. The window also
	// paces the idle refresh, so an idle host writes about once per
	// window. Defaults: DefaultRefreshLimit per DefaultRefreshWindow.
	RefreshLimit  int
	RefreshWindow time.Duration

	// OmitValues forwards row updates with Value stripped; consumers
	// reload rows from their own store reads. Log updates keep their
	// payload, which exists nowhere else.
	OmitValues bool

	// Monitor, when non-nil, is run for the service's lifetime.
	Monitor *Monitor

	// StatusInterval is how often the counters are logged. Defaults
	// to DefaultStatusInterval.
	StatusInterval time.Duration

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Service is the per-host aggregator: it receives every update the
// host's writer processes push over the inter-process transport,
// re-broadcasts them to other hosts in dispatch order, and keeps the
// host's liveness record fresh while doing so.
type Service struct {
	source  pubsub.Subscriber
	target  pubsub.Publisher
	store   kvstore.Store
	monitor *Monitor
	clk     clock.Clock
	logger  *slog.Logger

	queue     *queue
	refreshes *limiter

	peerID     string
	uri        string
	hostname   string
	omitValues bool

	refreshWindow  time.Duration
	statusInterval time.Duration

	forwarded atomic.Uint64
	refreshed atomic.Uint64
	failures  atomic.Uint64
}

// NewService validates the configuration and returns a Service. Run
// starts it.
func NewService(cfg Config) (*Service, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("relay: Source is required")
	}
	if cfg.Target == nil {
		return nil, fmt.Errorf("relay: Target is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("relay: Store is required")
	}
	if cfg.AdvertiseURI == "" {
		return nil, fmt.Errorf("relay: AdvertiseURI is required")
	}

	hostname := cfg.Hostname
	if hostname == "" {
		var err error
		hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("relay: resolving hostname: %w", err)
		}
	}

	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	limit := cfg.RefreshLimit
	if limit <= 0 {
		limit = DefaultRefreshLimit
	}
	window := cfg.RefreshWindow
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	statusInterval := cfg.StatusInterval
	if statusInterval <= 0 {
		statusInterval = DefaultStatusInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Service{
		source:         cfg.Source,
		target:         cfg.Target,
		store:          cfg.Store,
		monitor:        cfg.Monitor,
		clk:            clk,
		logger:         logger,
		queue:          newQueue(capacity),
		refreshes:      newLimiter(clk, limit, window),
		peerID:         PeerID(hostname, cfg.AdvertiseURI),
		uri:            cfg.AdvertiseURI,
		hostname:       hostname,
		omitValues:     cfg.OmitValues,
		refreshWindow:  window,
		statusInterval: statusInterval,
	}, nil
}

// Run operates the relay until ctx is cancelled: initialize the
// publisher, register this host's liveness record, start the source
// subscriber and the monitor, then forward queued updates in dispatch
// order. Errors inside the loop are logged and the loop continues; the
// only error Run returns is a publisher that cannot initialize.
//
// On cancellation the source is stopped first, then the queue is
// drained on a best-effort timeout so updates accepted before shutdown
// still go out.
func (s *Service) Run(ctx context.Context) error {
	if err := s.target.Initialize(ctx); err != nil {
		return fmt.Errorf("relay: initializing publisher: %w", err)
	}
	defer func() {
		if err := s.target.Close(); err != nil {
			s.logger.Warn("publisher close failed", "error", err)
		}
	}()

	s.registerPeer(ctx)

	var monitorWG sync.WaitGroup
	if s.monitor != nil {
		monitorWG.Add(1)
		go func() {
			defer monitorWG.Done()
			s.monitor.Run(ctx)
		}()
	}
	defer monitorWG.Wait()

	s.source.Initialize(s.enqueue)
	s.source.Start(ctx)

	idle := s.clk.NewTicker(s.refreshWindow)
	defer idle.Stop()
	status := s.clk.NewTicker(s.statusInterval)
	defer status.Stop()

	s.logger.Info("relay running",
		"peer_id", s.peerID,
		"hostname", s.hostname,
		"uri", s.uri,
	)

	for {
		select {
		case <-ctx.Done():
			s.source.Stop()
			s.drain()
			s.logStatus()
			return nil

		case <-s.queue.Notify():
			for {
				update := s.queue.Pop()
				if update == nil {
					break
				}
				s.forward(ctx, update)
			}

		case <-idle.C:
			s.refresh(ctx)

		case <-status.C:
			s.logStatus()
		}
	}
}

// enqueue is the source subscriber's callback. It runs on the
// subscriber's receive goroutine and must not block: it re-wraps the
// delivered fields into an Update and pushes it onto the queue, where
// overflow drops rather than stalls.
func (s *Service) enqueue(table, key string, action pubsub.Action, value []byte, topic string) {
	s.queue.Push(&pubsub.Update{
		Table:     table,
		Key:       key,
		Action:    action,
		Value:     value,
		Topic:     topic,
		Priority:  pubsub.DefaultPriority,
		Timestamp: s.clk.Now(),
	})
}

// forward sends one update cross-host, then lets a successful forward
// of anything but the peers table itself trigger a liveness refresh.
// Peers-table updates are excluded so liveness writes cannot feed back
// into more liveness writes.
func (s *Service) forward(ctx context.Context, update *pubsub.Update) {
	if err := s.send(ctx, update); err != nil {
		s.failures.Add(1)
		s.logger.Warn("update forward failed",
			"table", update.Table,
			"key", update.Key,
			"error", err,
		)
		return
	}
	s.forwarded.Add(1)

	if update.Table != PeersTable {
		s.refresh(ctx)
	}
}

func (s *Service) send(ctx context.Context, update *pubsub.Update) error {
	if s.omitValues && update.Action != pubsub.ActionLog {
		update.Value = nil
	}
	return s.target.Send(ctx, update, "")
}

// refresh writes a fresh timestamp into this host's liveness record,
// re-registering from scratch when the record has been evicted. The
// limiter caps how often the store sees these writes; a denied refresh
// is not an error, the next allowed one covers it.
func (s *Service) refresh(ctx context.Context) {
	if !s.refreshes.Allow() {
		return
	}

	value, err := s.store.GetKey(ctx, PeersTable, s.peerID)
	if errors.Is(err, kvstore.ErrNotFound) {
		s.registerPeer(ctx)
		return
	}
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("liveness record read failed", "id", s.peerID, "error", err)
		return
	}

	peer, err := decodePeer(value)
	if err != nil {
		s.logger.Warn("own liveness record undecodable, re-registering", "id", s.peerID, "error", err)
		s.registerPeer(ctx)
		return
	}

	peer.LastActivity = s.clk.Now().UnixNano()
	data, err := encodePeer(peer)
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("liveness record encode failed", "id", s.peerID, "error", err)
		return
	}

	err = s.store.SetKey(ctx, PeersTable, s.peerID, data)
	if errors.Is(err, kvstore.ErrNotFound) {
		// Evicted between the read and the write.
		s.registerPeer(ctx)
		return
	}
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("liveness refresh failed", "id", s.peerID, "error", err)
		return
	}
	s.refreshed.Add(1)
}

// registerPeer writes a complete liveness record: id, reachable
// address, current timestamp. Used at startup and whenever the record
// goes missing.
func (s *Service) registerPeer(ctx context.Context) {
	record := Peer{
		ID:           s.peerID,
		URI:          s.uri,
		LastActivity: s.clk.Now().UnixNano(),
	}
	data, err := encodePeer(record)
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("liveness record encode failed", "id", s.peerID, "error", err)
		return
	}
	if err := s.store.CreateKey(ctx, PeersTable, s.peerID, data); err != nil {
		s.failures.Add(1)
		s.logger.Warn("peer registration failed", "id", s.peerID, "error", err)
		return
	}
	s.refreshed.Add(1)
	s.logger.Info("peer registered", "id", s.peerID, "uri", s.uri)
}

// drain makes one best-effort pass over whatever is still queued after
// shutdown, with its own short deadline.
func (s *Service) drain() {
	const drainTimeout = 5 * time.Second
	drainContext, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		update := s.queue.Pop()
		if update == nil {
			return
		}
		if err := s.send(drainContext, update); err != nil {
			s.logger.Warn("drain: forward failed, abandoning remaining",
				"remaining", s.queue.Len(),
				"error", err,
			)
			return
		}
		s.forwarded.Add(1)
	}
}

func (s *Service) logStatus() {
	s.logger.Info("relay status",
		"forwarded", s.forwarded.Load(),
		"dropped", s.queue.Dropped(),
		"refreshed", s.refreshed.Load(),
		"failures", s.failures.Load(),
		"queued", s.queue.Len(),
	)
}

// Forwarded returns the number of updates sent cross-host.
func (s *Service) Forwarded() uint64 { return s.forwarded.Load() }

// Dropped returns the number of updates lost to queue overflow.
func (s *Service) Dropped() uint64 { return s.queue.Dropped() }

// Refreshed returns the number of liveness writes, registrations
// included.
func (s *Service) Refreshed() uint64 { return s.refreshed.Load() }

// Failures returns the number of swallowed errors: failed forwards,
// failed store reads and writes.
func (s *Service) Failures() uint64 { return s.failures.Load() }
