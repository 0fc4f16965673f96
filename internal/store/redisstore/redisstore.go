package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"pricefeed/internal/source"
)

const keyPrefix = "pricefeed:latest:"

// Store keeps the last-known record per symbol in Redis as JSON values.
// It is an alternative driver to the Postgres store for deployments that
// already run Redis and do not need durable history.
type Store struct {
	client *redis.Client
	// ttl > 0 expires warm-start data that is too old to be useful.
	ttl time.Duration
}

func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: client, ttl: 24 * time.Hour}, nil
}

func (s *Store) Upsert(ctx context.Context, rec source.Record) error {
	key := keyPrefix + rec.Symbol

	// keep-newest: skip the write when the stored record is fresher
	if cur, err := s.client.Get(ctx, key).Bytes(); err == nil {
		var old source.Record
		if json.Unmarshal(cur, &old) == nil && rec.FetchedAt.Before(old.FetchedAt) {
			return nil
		}
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis marshal %s: %w", rec.Symbol, err)
	}
	if err := s.client.Set(ctx, key, b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", rec.Symbol, err)
	}
	return nil
}

func (s *Store) LoadAll(ctx context.Context) ([]source.Record, error) {
	var out []source.Record
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		b, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec source.Record
		if err := json.Unmarshal(b, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error { return s.client.Close() }
