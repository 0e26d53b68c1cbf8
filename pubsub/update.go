// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import "time"

// Action describes what happened to the row an update refers to.
type Action string

const (
	// ActionCreate announces a new row.
	ActionCreate Action = "create"

	// ActionSet announces a change to an existing row.
	ActionSet Action = "set"

	// ActionDelete announces a removed row.
	ActionDelete Action = "delete"

	// ActionLog carries a free-form diagnostic payload. Log updates
	// flow through the same pipeline as row updates but refer to no
	// row.
	ActionLog Action = "log"

	// ActionSync tells the consumer its view may be stale and a full
	// reload is required. Sync updates carry empty table and key and a
	// nil value. Subscribers synthesize one after every reconnect;
	// publishers may also send one deliberately to force a reload.
	ActionSync Action = "sync"
)

// Valid reports whether a is one of the five defined actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionSet, ActionDelete, ActionLog, ActionSync:
		return true
	}
	return false
}

// AllTopic is the routing topic every subscriber receives. Updates
// sent without an explicit topic resolve to it.
const AllTopic = "all"

// DefaultPriority is the priority assigned to updates that do not ask
// for anything special: the middle of the range, leaving room on both
// sides.
const DefaultPriority uint8 = 128

// Update is the unit of distribution: one event about one row of one
// logical table.
//
// Priority and Timestamp order updates inside a buffering stage on the
// sending side; they do not cross the wire. Receivers see the five
// wire fields (table, key, action, value, topic) and re-default the
// rest.
type Update struct {
	// Table is the logical table the event belongs to.
	Table string

	// Key identifies the row within the table.
	Key string

	// Action is what happened to the row.
	Action Action

	// Value is the new row payload, or nil when the action carries
	// none (deletes, syncs).
	Value []byte

	// Topic routes the update. Empty means AllTopic, resolved at send
	// time; after a send the field holds the resolved topic.
	Topic string

	// Priority orders buffered updates: lower values dispatch first.
	Priority uint8

	// Timestamp is when the update was created. Among equal
	// priorities, earlier timestamps dispatch first.
	Timestamp time.Time
}

// NewUpdate builds an update with default priority and the current
// time. Callers that need a routing topic or a non-default priority
// set the fields directly before sending.
func NewUpdate(table, key string, action Action, value []byte) *Update {
	return &Update{
		Table:     table,
		Key:       key,
		Action:    action,
		Value:     value,
		Priority:  DefaultPriority,
		Timestamp: time.Now(),
	}
}

// Less reports whether u dispatches before other: by priority (lower
// first), then timestamp (earlier first), then key (lexicographically
// smaller first). Updates agreeing on all three are equivalent, and
// Less reports false both ways.
func (u *Update) Less(other *Update) bool {
	if u.Priority != other.Priority {
		return u.Priority < other.Priority
	}
	if !u.Timestamp.Equal(other.Timestamp) {
		return u.Timestamp.Before(other.Timestamp)
	}
	return u.Key < other.Key
}

// resolveTopic applies the Send precedence: an explicit override wins,
// then the update's own topic, then AllTopic. The winner is written
// back to update.Topic so receivers observe the routing that was
// actually used.
func resolveTopic(update *Update, override string) string {
	if override != "" {
		update.Topic = override
	} else if update.Topic == "" {
		update.Topic = AllTopic
	}
	return update.Topic
}
