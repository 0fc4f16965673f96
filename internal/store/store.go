package store

import (
	"context"

	"pricefeed/internal/source"
)

// Store persists the last-known record per symbol so the cache can be
// warmed after a process restart. Implementations must upsert by symbol
// and must not replace a row with an older FetchedAt.
type Store interface {
	Upsert(ctx context.Context, rec source.Record) error
	LoadAll(ctx context.Context) ([]source.Record, error)
	Close() error
}
