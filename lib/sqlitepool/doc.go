// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the module's standard SQLite connection
// pool.
//
// The sqlite-backed key-value store opens its database through this
// package, which wraps zombiezen.com/go/sqlite with the defaults that
// matter for a store shared by a refreshing relay and a sweeping
// monitor: WAL journal mode so the monitor's scans never block a
// refresh write, NORMAL synchronous for crash durability without an
// fsync per commit, and a busy timeout instead of instant SQLITE_BUSY.
//
// The pool is built on sqlitex.Pool. Callers [Pool.Take] a connection,
// do their work, and [Pool.Put] it back. Connections are not safe for
// concurrent use; each goroutine holds its own for the duration.
//
// # Pragmas
//
// Every connection is initialized with:
//
//   - journal_mode=WAL: concurrent readers with a single writer.
//   - synchronous=NORMAL: transactions survive process crashes. Not
//     durable across power loss, which is acceptable here: the store
//     holds liveness records that peers re-create on their next
//     refresh.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock.
//   - foreign_keys=OFF: the key-value schema has no relations.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/tablecast/store.db",
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
//
// The package is intentionally thin. It applies pragmas and hands out
// zombiezen types directly; callers write SQL with sqlitex.Execute.
// There is no query builder and no abstraction over SQLite's
// connection model.
package sqlitepool
