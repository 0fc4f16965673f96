package source

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Record is the normalized shape returned by all sources.
// Prices are decimals to avoid float rounding in downstream quote math.
type Record struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	MarketCap decimal.Decimal `json:"market_cap"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Source fetches the current price record for one canonical symbol.
// Implementations must be stateless and safe for concurrent use.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (Record, error)
}

// Failure taxonomy shared by all sources. Callers classify with errors.Is.
var (
	// ErrUnavailable: upstream unreachable, timed out, or returned 5xx.
	ErrUnavailable = errors.New("source unavailable")
	// ErrRateLimited: upstream rejected the call with a rate limit.
	ErrRateLimited = errors.New("source rate limited")
	// ErrNotFound: the symbol is unknown to the provider or the
	// response payload was missing/malformed.
	ErrNotFound = errors.New("symbol not found")
)
