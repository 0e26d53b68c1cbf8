// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpenTimeout = 5 * time.Second

// redisStore keeps tables on a redis node under a shared namespace:
// (table, key) maps to the redis key "tablecast:<table>:<key>". The
// node is usually the same one the broker pubsub driver talks to.
type redisStore struct {
	client *redis.Client
}

func openRedis(cfg Config) (Store, error) {
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, configError(BackendRedis, "address", fmt.Sprintf("address must be host:port: %v", err))
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Address})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpenTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kvstore: pinging redis at %s: %w", cfg.Address, err)
	}

	cfg.Logger.Info("redis store opened", "address", cfg.Address)
	return &redisStore{client: client}, nil
}

func storageKey(table, key string) string {
	return "tablecast:" + table + ":" + key
}

func (s *redisStore) CreateKey(ctx context.Context, table, key string, value []byte) error {
	if err := s.client.Set(ctx, storageKey(table, key), value, 0).Err(); err != nil {
		return fmt.Errorf("kvstore: create %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *redisStore) GetKey(ctx context.Context, table, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, storageKey(table, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: get %s/%s: %w", table, key, err)
	}
	return value, nil
}

func (s *redisStore) SetKey(ctx context.Context, table, key string, value []byte) error {
	// XX writes only when the key already exists.
	updated, err := s.client.SetXX(ctx, storageKey(table, key), value, 0).Result()
	if err != nil {
		return fmt.Errorf("kvstore: set %s/%s: %w", table, key, err)
	}
	if !updated {
		return ErrNotFound
	}
	return nil
}

func (s *redisStore) DeleteKey(ctx context.Context, table, key string) error {
	if err := s.client.Del(ctx, storageKey(table, key)).Err(); err != nil {
		return fmt.Errorf("kvstore: delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *redisStore) Keys(ctx context.Context, table string) ([]string, error) {
	prefix := storageKey(table, "")

	// SCAN may repeat keys while the node rehashes; the map collapses
	// them.
	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		seen[strings.TrimPrefix(iter.Val(), prefix)] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: keys of %s: %w", table, err)
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
