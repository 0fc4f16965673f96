package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/internal/source"
)

// Quote errors surfaced to callers. Validation failures are caller errors
// and are never retried.
var (
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidPair marks a swap whose symbols cannot form a tradable
	// pair: empty, identical, or without a usable price.
	ErrInvalidPair = errors.New("invalid pair")
)

const (
	// amountPrecision is the fixed scale for fee and output amounts.
	// RoundBank (half-even) avoids systematic rounding bias.
	amountPrecision = 8

	defaultTTL = 30 * time.Second
)

// Quote is an immutable, time-bounded swap quote. It is never persisted;
// a consumer must check Valid before acting on it and should re-derive a
// fresh quote rather than trust a client-replayed one.
type Quote struct {
	FromSymbol        string          `json:"from_symbol"`
	ToSymbol          string          `json:"to_symbol"`
	FromAmount        decimal.Decimal `json:"from_amount"`
	ToAmount          decimal.Decimal `json:"to_amount"`
	ExchangeRate      decimal.Decimal `json:"exchange_rate"`
	FeeRate           decimal.Decimal `json:"fee_rate"`
	Fee               decimal.Decimal `json:"fee"`
	PriceImpact       decimal.Decimal `json:"price_impact"`
	SlippageTolerance decimal.Decimal `json:"slippage_tolerance"`
	ExpiresAt         time.Time       `json:"expires_at"`
}

// Valid reports whether the quote may still be acted on at time now.
func (q Quote) Valid(now time.Time) bool {
	return now.Before(q.ExpiresAt)
}

// PriceSource is the read path into the price cache; a miss may trigger
// one on-demand refresh before failing.
type PriceSource interface {
	Lookup(ctx context.Context, symbol string) (source.Record, error)
}

// Config for the quote engine.
type Config struct {
	// FeeRate is the flat swap fee taken from the input amount, e.g. 0.003.
	FeeRate decimal.Decimal
	// SlippageTolerance echoed into every quote, e.g. 0.005.
	SlippageTolerance decimal.Decimal
	// TTL is how long a quote stays valid. Default 30s.
	TTL time.Duration
}

// Engine computes swap quotes from cached prices.
type Engine struct {
	prices PriceSource
	cfg    Config

	nowFunc func() time.Time
}

func New(prices PriceSource, cfg Config) *Engine {
	if cfg.FeeRate.IsZero() {
		cfg.FeeRate = decimal.NewFromFloat(0.003)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Engine{prices: prices, cfg: cfg, nowFunc: time.Now}
}

// Quote prices a swap of amount fromSymbol into toSymbol.
//
// The fee is deducted from the input before conversion:
//
//	fee      = amount * feeRate
//	toAmount = (amount - fee) * fromPrice/toPrice
//
// Deduct-then-convert is applied in this one place only, so the worked
// numbers in the tests stay exact across the codebase.
func (e *Engine) Quote(ctx context.Context, fromSymbol, toSymbol string, amount decimal.Decimal) (Quote, error) {
	from := strings.ToUpper(strings.TrimSpace(fromSymbol))
	to := strings.ToUpper(strings.TrimSpace(toSymbol))
	if amount.Sign() <= 0 {
		return Quote{}, fmt.Errorf("amount must be positive, got %s: %w", amount, ErrInvalidAmount)
	}
	if from == "" || to == "" || from == to {
		return Quote{}, fmt.Errorf("bad pair %q/%q: %w", fromSymbol, toSymbol, ErrInvalidPair)
	}

	fromRec, err := e.prices.Lookup(ctx, from)
	if err != nil {
		return Quote{}, err
	}
	toRec, err := e.prices.Lookup(ctx, to)
	if err != nil {
		return Quote{}, err
	}
	if fromRec.Price.Sign() <= 0 || toRec.Price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("non-positive price for pair %s/%s: %w", from, to, ErrInvalidPair)
	}

	rate := fromRec.Price.Div(toRec.Price)
	fee := amount.Mul(e.cfg.FeeRate).RoundBank(amountPrecision)
	toAmount := amount.Sub(fee).Mul(rate).RoundBank(amountPrecision)
	if toAmount.IsNegative() {
		toAmount = decimal.Zero
	}

	return Quote{
		FromSymbol:        from,
		ToSymbol:          to,
		FromAmount:        amount,
		ToAmount:          toAmount,
		ExchangeRate:      rate,
		FeeRate:           e.cfg.FeeRate,
		Fee:               fee,
		PriceImpact:       priceImpact(amount.Mul(fromRec.Price), fromRec.Volume24h),
		SlippageTolerance: e.cfg.SlippageTolerance,
		ExpiresAt:         e.nowFunc().Add(e.cfg.TTL),
	}, nil
}

// priceImpact estimates how much the trade's own notional moves the
// market, as a fraction of the 24h volume capped at 10%. With no volume
// data it falls back to a nominal 0.1%.
func priceImpact(notional, volume24h decimal.Decimal) decimal.Decimal {
	if volume24h.Sign() <= 0 {
		return decimal.NewFromFloat(0.001)
	}
	impact := notional.Div(volume24h).RoundBank(amountPrecision)
	maxImpact := decimal.NewFromFloat(0.1)
	if impact.GreaterThan(maxImpact) {
		return maxImpact
	}
	return impact
}
