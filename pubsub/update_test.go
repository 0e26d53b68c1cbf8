// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"sort"
	"testing"
	"time"
)

func TestNewUpdateDefaults(t *testing.T) {
	before := time.Now()
	update := NewUpdate("chassis", "unit-1", ActionCreate, []byte(`{"slots":4}`))

	if update.Table != "chassis" || update.Key != "unit-1" {
		t.Errorf("identity = %q/%q, want chassis/unit-1", update.Table, update.Key)
	}
	if update.Action != ActionCreate {
		t.Errorf("Action = %q, want %q", update.Action, ActionCreate)
	}
	if update.Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", update.Priority, DefaultPriority)
	}
	if update.Topic != "" {
		t.Errorf("Topic = %q, want empty until Send resolves it", update.Topic)
	}
	if update.Timestamp.Before(before) {
		t.Error("Timestamp should be stamped at construction")
	}
}

func TestActionValid(t *testing.T) {
	for _, action := range []Action{ActionCreate, ActionSet, ActionDelete, ActionLog, ActionSync} {
		if !action.Valid() {
			t.Errorf("Action(%q).Valid() = false, want true", action)
		}
	}
	for _, action := range []Action{"", "update", "CREATE"} {
		if Action(action).Valid() {
			t.Errorf("Action(%q).Valid() = true, want false", action)
		}
	}
}

func TestUpdateLess(t *testing.T) {
	base := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	at := func(priority uint8, offset time.Duration, key string) *Update {
		update := NewUpdate("t", key, ActionSet, nil)
		update.Priority = priority
		update.Timestamp = base.Add(offset)
		return update
	}

	tests := []struct {
		name string
		a, b *Update
		want bool
	}{
		{"lower priority first", at(10, time.Hour, "z"), at(20, 0, "a"), true},
		{"higher priority later", at(20, 0, "a"), at(10, time.Hour, "z"), false},
		{"same priority, earlier timestamp first", at(10, 0, "z"), at(10, time.Second, "a"), true},
		{"same priority and timestamp, key breaks tie", at(10, 0, "alpha"), at(10, 0, "beta"), true},
		{"identical updates are not less", at(10, 0, "alpha"), at(10, 0, "alpha"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Less(tt.b); got != tt.want {
				t.Errorf("Less = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpdateLessTotalOrder(t *testing.T) {
	base := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

	// Deliberately shuffled; sorting must land in exactly one order.
	updates := []*Update{
		{Table: "t", Key: "b", Priority: 5, Timestamp: base.Add(time.Second)},
		{Table: "t", Key: "a", Priority: 9, Timestamp: base},
		{Table: "t", Key: "c", Priority: 5, Timestamp: base},
		{Table: "t", Key: "a", Priority: 5, Timestamp: base},
		{Table: "t", Key: "z", Priority: 1, Timestamp: base.Add(time.Hour)},
	}

	sort.Slice(updates, func(i, j int) bool { return updates[i].Less(updates[j]) })

	wantKeys := []string{"z", "a", "c", "b", "a"}
	wantPriorities := []uint8{1, 5, 5, 5, 9}
	for i := range updates {
		if updates[i].Key != wantKeys[i] || updates[i].Priority != wantPriorities[i] {
			t.Fatalf("position %d: got key %q priority %d, want key %q priority %d",
				i, updates[i].Key, updates[i].Priority, wantKeys[i], wantPriorities[i])
		}
	}
}
