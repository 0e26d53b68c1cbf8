// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/tablecast/tablecast/lib/codec"
)

// PeersTable is the shared-store table holding one liveness record per
// publishing host.
const PeersTable = "peers"

// Peer is a publishing host's liveness record. Subscribers enumerate
// the peers table to learn which publisher addresses exist; the
// monitor deletes records whose LastActivity has gone stale.
type Peer struct {
	// ID is the record key, derived from the host's identity by
	// [PeerID]. Deterministic, so a restarting host refreshes its
	// existing record instead of leaking a new one per boot.
	ID string `cbor:"id"`

	// URI is the address subscribers use to reach this publisher,
	// e.g. "tcp://10.1.2.3:8866".
	URI string `cbor:"uri"`

	// LastActivity is the Unix nanosecond timestamp of the most
	// recent refresh.
	LastActivity int64 `cbor:"last_activity"`
}

// PeerID derives the stable record id for a host: a short hex form of
// the BLAKE3 digest of hostname and advertised URI. The zero byte
// separator keeps distinct (hostname, uri) pairs from colliding on
// concatenation.
func PeerID(hostname, advertiseURI string) string {
	digest := blake3.Sum256([]byte(hostname + "\x00" + advertiseURI))
	return hex.EncodeToString(digest[:8])
}

// Stale reports whether the record's last refresh is older than
// timeout at the given instant.
func (p Peer) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(time.Unix(0, p.LastActivity)) > timeout
}

func encodePeer(peer Peer) ([]byte, error) {
	data, err := codec.Marshal(peer)
	if err != nil {
		return nil, fmt.Errorf("relay: encoding peer record %s: %w", peer.ID, err)
	}
	return data, nil
}

func decodePeer(data []byte) (Peer, error) {
	var peer Peer
	if err := codec.Unmarshal(data, &peer); err != nil {
		return Peer{}, fmt.Errorf("relay: decoding peer record: %w", err)
	}
	return peer, nil
}
