// Package redisstore keeps the offline mutation queue in Redis so queued
// writes survive process restarts.
//
// Items live in two keys: "<prefix>:ids" is a list holding ids in enqueue
// order and "<prefix>:items" is a hash from id to the JSON-encoded item.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	fallback "github.com/JohnPlummer/jp-go-fallback"
)

// DefaultPrefix is used when no key prefix is given.
const DefaultPrefix = "fallback:queue"

// maxTxRetries bounds optimistic retries when a watched key changes.
const maxTxRetries = 10

// Store implements fallback.QueueStore on Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ fallback.QueueStore = (*Store)(nil)

// New creates a store under prefix. An empty prefix uses DefaultPrefix.
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Connect parses a redis:// URL, pings the server and returns a store.
func Connect(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(rdb, prefix), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) idsKey() string   { return s.prefix + ":ids" }
func (s *Store) itemsKey() string { return s.prefix + ":items" }

// Append implements fallback.QueueStore.
func (s *Store) Append(ctx context.Context, item fallback.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.itemsKey(), item.ID, data)
		pipe.RPush(ctx, s.idsKey(), item.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append queue item: %w", err)
	}
	return nil
}

// List implements fallback.QueueStore. Ids whose payload is missing are
// skipped.
func (s *Store) List(ctx context.Context) ([]fallback.QueueItem, error) {
	ids, err := s.rdb.LRange(ctx, s.idsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}
	if len(ids) == 0 {
		return []fallback.QueueItem{}, nil
	}

	values, err := s.rdb.HMGet(ctx, s.itemsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget failed: %w", err)
	}

	items := make([]fallback.QueueItem, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var item fallback.QueueItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queue item %s: %w", ids[i], err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Update implements fallback.QueueStore. The existence check and the write
// run under WATCH, so an item removed concurrently is never written back.
func (s *Store) Update(ctx context.Context, item fallback.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}

	update := func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, s.itemsKey(), item.ID).Result()
		if err != nil {
			return fmt.Errorf("hexists failed: %w", err)
		}
		if !exists {
			return fallback.ErrItemNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.itemsKey(), item.ID, data)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.rdb.Watch(ctx, update, s.itemsKey())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, fallback.ErrItemNotFound):
			return err
		default:
			return fmt.Errorf("failed to update queue item: %w", err)
		}
	}
	return fmt.Errorf("failed to update queue item %s: too many concurrent changes", item.ID)
}

// Remove implements fallback.QueueStore.
func (s *Store) Remove(ctx context.Context, id string) error {
	var deleted *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.idsKey(), 0, id)
		deleted = pipe.HDel(ctx, s.itemsKey(), id)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to remove queue item: %w", err)
	}
	if deleted.Val() == 0 {
		return fallback.ErrItemNotFound
	}
	return nil
}

// Clear deletes every queued item.
func (s *Store) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.idsKey(), s.itemsKey()).Err()
}
