package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"pricefeed/internal/source"
)

const schema = `
CREATE TABLE IF NOT EXISTS latest_prices (
    symbol      TEXT PRIMARY KEY,
    price       NUMERIC NOT NULL,
    change_24h  NUMERIC NOT NULL DEFAULT 0,
    volume_24h  NUMERIC NOT NULL DEFAULT 0,
    market_cap  NUMERIC NOT NULL DEFAULT 0,
    source      TEXT NOT NULL,
    fetched_at  TIMESTAMPTZ NOT NULL
)`

type row struct {
	Symbol    string          `db:"symbol"`
	Price     decimal.Decimal `db:"price"`
	Change24h decimal.Decimal `db:"change_24h"`
	Volume24h decimal.Decimal `db:"volume_24h"`
	MarketCap decimal.Decimal `db:"market_cap"`
	Source    string          `db:"source"`
	FetchedAt time.Time       `db:"fetched_at"`
}

// Store keeps the last-known record per symbol in Postgres.
type Store struct {
	db *sqlx.DB
}

// Open connects, pings and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Upsert writes rec unless the stored row is already newer. The WHERE
// clause mirrors the cache's freshness rule so a lagging process cannot
// clobber a newer row.
func (s *Store) Upsert(ctx context.Context, rec source.Record) error {
	const q = `
        INSERT INTO latest_prices (symbol, price, change_24h, volume_24h, market_cap, source, fetched_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (symbol) DO UPDATE SET
            price = EXCLUDED.price,
            change_24h = EXCLUDED.change_24h,
            volume_24h = EXCLUDED.volume_24h,
            market_cap = EXCLUDED.market_cap,
            source = EXCLUDED.source,
            fetched_at = EXCLUDED.fetched_at
        WHERE EXCLUDED.fetched_at >= latest_prices.fetched_at`
	_, err := s.db.ExecContext(ctx, q,
		rec.Symbol, rec.Price, rec.Change24h, rec.Volume24h, rec.MarketCap, rec.Source, rec.FetchedAt)
	if err != nil {
		return fmt.Errorf("postgres upsert %s: %w", rec.Symbol, err)
	}
	return nil
}

// LoadAll returns every persisted record, used to warm the cache at startup.
func (s *Store) LoadAll(ctx context.Context) ([]source.Record, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT symbol, price, change_24h, volume_24h, market_cap, source, fetched_at FROM latest_prices`); err != nil {
		return nil, fmt.Errorf("postgres load: %w", err)
	}
	out := make([]source.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, source.Record{
			Symbol:    r.Symbol,
			Price:     r.Price,
			Change24h: r.Change24h,
			Volume24h: r.Volume24h,
			MarketCap: r.MarketCap,
			Source:    r.Source,
			FetchedAt: r.FetchedAt,
		})
	}
	return out, nil
}

func (s *Store) Close() error { return s.db.Close() }
