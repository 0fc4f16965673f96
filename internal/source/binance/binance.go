package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/internal/httpx"
	"pricefeed/internal/source"
)

// Config controls the Binance source behavior.
type Config struct {
	Name string
	URL  string // 24hr ticker endpoint
	// SymbolMap maps canonical symbols to Binance trading pairs
	// (e.g. "BTC" -> "BTCUSDT").
	SymbolMap map[string]string
}

// Source fetches 24h ticker statistics from the Binance REST API.
// Binance encodes every number as a JSON string; all parsing happens
// here so provider-specific shapes never leak past this package.
type Source struct {
	cfg    Config
	client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Source {
	if cfg.Name == "" {
		cfg.Name = "Binance"
	}
	if cfg.URL == "" {
		cfg.URL = "https://api.binance.com/api/v3/ticker/24hr"
	}
	return &Source{cfg: cfg, client: hc}
}

func (s *Source) Name() string { return s.cfg.Name }

type tickerResponse struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	QuoteVolume        string `json:"quoteVolume"`
}

func (s *Source) Fetch(ctx context.Context, symbol string) (source.Record, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	pair := s.cfg.SymbolMap[sym]
	if pair == "" {
		return source.Record{}, fmt.Errorf("%s: no trading pair for %q: %w", s.cfg.Name, sym, source.ErrNotFound)
	}

	q := url.Values{}
	q.Set("symbol", pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		return source.Record{}, err
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return source.Record{}, fmt.Errorf("%s: %v: %w", s.cfg.Name, err, source.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		// Binance signals bans with 418 after repeated 429s.
		return source.Record{}, fmt.Errorf("%s: http %d: %w", s.cfg.Name, resp.StatusCode, source.ErrRateLimited)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return source.Record{}, fmt.Errorf("%s: unknown pair %q: %w", s.cfg.Name, pair, source.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		return source.Record{}, fmt.Errorf("%s: http %d: %w", s.cfg.Name, resp.StatusCode, source.ErrUnavailable)
	}

	var tick tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&tick); err != nil {
		return source.Record{}, fmt.Errorf("%s: decode: %v: %w", s.cfg.Name, err, source.ErrNotFound)
	}

	price, err := decimal.NewFromString(tick.LastPrice)
	if err != nil || price.IsNegative() {
		return source.Record{}, fmt.Errorf("%s: bad lastPrice %q: %w", s.cfg.Name, tick.LastPrice, source.ErrNotFound)
	}
	// change/volume are best-effort; a parse failure leaves them zero
	change, _ := decimal.NewFromString(tick.PriceChangePercent)
	volume, _ := decimal.NewFromString(tick.QuoteVolume)

	return source.Record{
		Symbol:    sym,
		Price:     price,
		Change24h: change,
		Volume24h: volume,
		Source:    s.cfg.Name,
		FetchedAt: time.Now().UTC(),
	}, nil
}
