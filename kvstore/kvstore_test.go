// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tablecast/tablecast/kvstore"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// backends returns a constructor per backend that the contract tests
// can run against. Redis needs a live node and is covered separately.
func backends() map[string]func(t *testing.T) kvstore.Store {
	return map[string]func(t *testing.T) kvstore.Store{
		"memory": func(t *testing.T) kvstore.Store {
			return kvstore.NewMemory()
		},
		"sqlite": func(t *testing.T) kvstore.Store {
			store, err := kvstore.Open(kvstore.Config{
				Backend: kvstore.BackendSQLite,
				Path:    filepath.Join(t.TempDir(), "kv.db"),
				Logger:  testLogger,
			})
			if err != nil {
				t.Fatalf("Open sqlite: %v", err)
			}
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			value := []byte("endpoint üri\x00with raw bytes")
			if err := store.CreateKey(ctx, "peers", "host-1", value); err != nil {
				t.Fatalf("CreateKey: %v", err)
			}

			got, err := store.GetKey(ctx, "peers", "host-1")
			if err != nil {
				t.Fatalf("GetKey: %v", err)
			}
			if !bytes.Equal(got, value) {
				t.Errorf("GetKey = %q, want %q", got, value)
			}
		})
	}
}

func TestGetMissingKey(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			if _, err := store.GetKey(ctx, "peers", "nobody"); !errors.Is(err, kvstore.ErrNotFound) {
				t.Errorf("GetKey on missing key = %v, want ErrNotFound", err)
			}

			// An entirely unknown table behaves the same as a missing
			// key.
			if _, err := store.GetKey(ctx, "no-such-table", "nobody"); !errors.Is(err, kvstore.ErrNotFound) {
				t.Errorf("GetKey on missing table = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCreateReplacesExisting(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			if err := store.CreateKey(ctx, "peers", "host-1", []byte("old")); err != nil {
				t.Fatalf("CreateKey: %v", err)
			}
			if err := store.CreateKey(ctx, "peers", "host-1", []byte("new")); err != nil {
				t.Fatalf("CreateKey (replace): %v", err)
			}

			got, err := store.GetKey(ctx, "peers", "host-1")
			if err != nil {
				t.Fatalf("GetKey: %v", err)
			}
			if string(got) != "new" {
				t.Errorf("GetKey = %q, want %q", got, "new")
			}
		})
	}
}

func TestSetUpdatesExisting(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			if err := store.CreateKey(ctx, "peers", "host-1", []byte("old")); err != nil {
				t.Fatalf("CreateKey: %v", err)
			}
			if err := store.SetKey(ctx, "peers", "host-1", []byte("new")); err != nil {
				t.Fatalf("SetKey: %v", err)
			}

			got, err := store.GetKey(ctx, "peers", "host-1")
			if err != nil {
				t.Fatalf("GetKey: %v", err)
			}
			if string(got) != "new" {
				t.Errorf("GetKey = %q, want %q", got, "new")
			}
		})
	}
}

func TestSetMissingKeyNotFound(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			err := store.SetKey(ctx, "peers", "evicted", []byte("refresh"))
			if !errors.Is(err, kvstore.ErrNotFound) {
				t.Errorf("SetKey on missing key = %v, want ErrNotFound", err)
			}

			// The failed set must not have created the key.
			if _, err := store.GetKey(ctx, "peers", "evicted"); !errors.Is(err, kvstore.ErrNotFound) {
				t.Errorf("GetKey after failed set = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestDeleteKey(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			if err := store.CreateKey(ctx, "peers", "host-1", []byte("x")); err != nil {
				t.Fatalf("CreateKey: %v", err)
			}
			if err := store.DeleteKey(ctx, "peers", "host-1"); err != nil {
				t.Fatalf("DeleteKey: %v", err)
			}
			if _, err := store.GetKey(ctx, "peers", "host-1"); !errors.Is(err, kvstore.ErrNotFound) {
				t.Errorf("GetKey after delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestDeleteMissingKeyIsNoOp(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)

			if err := store.DeleteKey(context.Background(), "peers", "never-existed"); err != nil {
				t.Errorf("DeleteKey on missing key = %v, want nil", err)
			}
		})
	}
}

func TestKeysEnumeration(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			for _, key := range []string{"bravo", "alpha", "charlie"} {
				if err := store.CreateKey(ctx, "peers", key, []byte("v")); err != nil {
					t.Fatalf("CreateKey %s: %v", key, err)
				}
			}
			if err := store.CreateKey(ctx, "ports", "only-one", []byte("v")); err != nil {
				t.Fatalf("CreateKey in second table: %v", err)
			}

			keys, err := store.Keys(ctx, "peers")
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			want := []string{"alpha", "bravo", "charlie"}
			if !reflect.DeepEqual(keys, want) {
				t.Errorf("Keys(peers) = %v, want %v", keys, want)
			}

			keys, err = store.Keys(ctx, "ports")
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if !reflect.DeepEqual(keys, []string{"only-one"}) {
				t.Errorf("Keys(ports) = %v, want [only-one]", keys)
			}

			keys, err = store.Keys(ctx, "empty")
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if len(keys) != 0 {
				t.Errorf("Keys(empty) = %v, want none", keys)
			}
		})
	}
}

func TestStoredValueIsIsolated(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			value := []byte("original")
			if err := store.CreateKey(ctx, "peers", "host-1", value); err != nil {
				t.Fatalf("CreateKey: %v", err)
			}

			// Mutating the caller's slice after the write must not
			// reach the store.
			value[0] = 'X'

			got, err := store.GetKey(ctx, "peers", "host-1")
			if err != nil {
				t.Fatalf("GetKey: %v", err)
			}
			if string(got) != "original" {
				t.Errorf("GetKey = %q, want %q", got, "original")
			}

			// Nor may mutating a returned slice change later reads.
			got[0] = 'Y'
			again, err := store.GetKey(ctx, "peers", "host-1")
			if err != nil {
				t.Fatalf("GetKey: %v", err)
			}
			if string(again) != "original" {
				t.Errorf("GetKey after aliasing = %q, want %q", again, "original")
			}
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	store, err := kvstore.Open(kvstore.Config{
		Backend: kvstore.BackendSQLite,
		Path:    path,
		Logger:  testLogger,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.CreateKey(ctx, "peers", "host-1", []byte("survives")); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = kvstore.Open(kvstore.Config{
		Backend: kvstore.BackendSQLite,
		Path:    path,
		Logger:  testLogger,
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	got, err := store.GetKey(ctx, "peers", "host-1")
	if err != nil {
		t.Fatalf("GetKey after reopen: %v", err)
	}
	if string(got) != "survives" {
		t.Errorf("GetKey = %q, want %q", got, "survives")
	}
}

func TestOpenValidation(t *testing.T) {
	cases := []struct {
		name       string
		cfg        kvstore.Config
		wantOption string
	}{
		{
			name:       "empty backend",
			cfg:        kvstore.Config{},
			wantOption: "backend",
		},
		{
			name:       "unknown backend",
			cfg:        kvstore.Config{Backend: "etcd"},
			wantOption: "backend",
		},
		{
			name:       "sqlite without path",
			cfg:        kvstore.Config{Backend: kvstore.BackendSQLite},
			wantOption: "path",
		},
		{
			name:       "redis without address",
			cfg:        kvstore.Config{Backend: kvstore.BackendRedis},
			wantOption: "address",
		},
		{
			name:       "redis with malformed address",
			cfg:        kvstore.Config{Backend: kvstore.BackendRedis, Address: "no-port"},
			wantOption: "address",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := kvstore.Open(tc.cfg)
			var configErr *kvstore.ConfigError
			if !errors.As(err, &configErr) {
				t.Fatalf("Open = %v, want *ConfigError", err)
			}
			if configErr.Option != tc.wantOption {
				t.Errorf("Option = %q, want %q", configErr.Option, tc.wantOption)
			}
		})
	}
}

func TestOpenMemory(t *testing.T) {
	store, err := kvstore.Open(kvstore.Config{Backend: kvstore.BackendMemory})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateKey(ctx, "peers", "host-1", []byte("v")); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if _, err := store.GetKey(ctx, "peers", "host-1"); err != nil {
		t.Fatalf("GetKey: %v", err)
	}
}
