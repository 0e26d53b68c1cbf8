// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// Memory is the in-process Store. It is safe for concurrent use and
// copies values on the way in and out, so callers cannot alias stored
// state.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string][]byte)}
}

func (m *Memory) CreateKey(ctx context.Context, table, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.tables[table]
	if rows == nil {
		rows = make(map[string][]byte)
		m.tables[table] = rows
	}
	rows[key] = bytes.Clone(value)
	return nil
}

func (m *Memory) GetKey(ctx context.Context, table, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(value), nil
}

func (m *Memory) SetKey(ctx context.Context, table, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.tables[table]
	if _, ok := rows[key]; !ok {
		return ErrNotFound
	}
	rows[key] = bytes.Clone(value)
	return nil
}

func (m *Memory) DeleteKey(ctx context.Context, table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tables[table], key)
	return nil
}

func (m *Memory) Keys(ctx context.Context, table string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.tables[table]
	keys := make([]string, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Close() error { return nil }
