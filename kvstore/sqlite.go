// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tablecast/tablecast/lib/sqlitepool"
)

// sqliteStore persists tables to a single SQLite file through a
// connection pool. One kv table holds every logical table; the (tbl,
// key) primary key gives prefix-free lookups and ordered enumeration.
type sqliteStore struct {
	pool *sqlitepool.Pool
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS kv (
		tbl   TEXT NOT NULL,
		key   TEXT NOT NULL,
		value BLOB,
		PRIMARY KEY (tbl, key)
	);
`

func openSQLite(cfg Config) (Store, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening sqlite store: %w", err)
	}
	return &sqliteStore{pool: pool}, nil
}

func (s *sqliteStore) CreateKey(ctx context.Context, table, key string, value []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("kvstore: create %s/%s: %w", table, key, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT OR REPLACE INTO kv (tbl, key, value) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{table, key, value},
	})
	if err != nil {
		return fmt.Errorf("kvstore: create %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *sqliteStore) GetKey(ctx context.Context, table, key string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get %s/%s: %w", table, key, err)
	}
	defer s.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE tbl = ? AND key = ?", &sqlitex.ExecOptions{
		Args: []any{table, key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: get %s/%s: %w", table, key, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *sqliteStore) SetKey(ctx context.Context, table, key string, value []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("kvstore: set %s/%s: %w", table, key, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE kv SET value = ? WHERE tbl = ? AND key = ?", &sqlitex.ExecOptions{
		Args: []any{value, table, key},
	})
	if err != nil {
		return fmt.Errorf("kvstore: set %s/%s: %w", table, key, err)
	}

	// changes() is connection-local, so the count is this UPDATE's even
	// with other pool connections writing concurrently.
	updated := 0
	err = sqlitex.Execute(conn, "SELECT changes()", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			updated = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("kvstore: set %s/%s: %w", table, key, err)
	}
	if updated == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteKey(ctx context.Context, table, key string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("kvstore: delete %s/%s: %w", table, key, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM kv WHERE tbl = ? AND key = ?", &sqlitex.ExecOptions{
		Args: []any{table, key},
	})
	if err != nil {
		return fmt.Errorf("kvstore: delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *sqliteStore) Keys(ctx context.Context, table string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("kvstore: keys of %s: %w", table, err)
	}
	defer s.pool.Put(conn)

	keys := []string{}
	err = sqlitex.Execute(conn, "SELECT key FROM kv WHERE tbl = ? ORDER BY key", &sqlitex.ExecOptions{
		Args: []any{table},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			keys = append(keys, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: keys of %s: %w", table, err)
	}
	return keys, nil
}

func (s *sqliteStore) Close() error {
	return s.pool.Close()
}
