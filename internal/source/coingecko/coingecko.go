package coingecko

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

// Config controls the CoinGecko source behavior.
type Config struct {
	Name     string
	URL      string            // simple/price endpoint
	APIKey   string            // optional; sent as x-cg-demo-api-key
	Currency string            // vs currency, default "usd"
	// SymbolMap maps canonical symbols to CoinGecko coin ids
	// (e.g. "BTC" -> "bitcoin"). Symbols without a mapping fail NotFound
	// rather than guessing an id.
	SymbolMap map[string]string
}

// Source fetches spot prices from the CoinGecko simple-price API.
// The payload is a nested float JSON object keyed by coin id.
type Source struct {
	cfg    Config
	client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Source {
	if cfg.Name == "" {
		cfg.Name = "CoinGecko"
	}
	if cfg.URL == "" {
		cfg.URL = "https://api.coingecko.com/api/v3/simple/price"
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Source{cfg: cfg, client: hc}
}

func (s *Source) Name() string { return s.cfg.Name }

func (s *Source) Fetch(ctx context.Context, symbol string) (source.Record, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	id := s.cfg.SymbolMap[sym]
	if id == "" {
		return source.Record{}, fmt.Errorf("%s: no coin id for %q: %w", s.cfg.Name, sym, source.ErrNotFound)
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", s.cfg.Currency)
	q.Set("include_24hr_change", "true")
	q.Set("include_24hr_vol", "true")
	q.Set("include_market_cap", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		return source.Record{}, err
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", s.cfg.APIKey)
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return source.Record{}, fmt.Errorf("%s: %v: %w", s.cfg.Name, err, source.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return source.Record{}, fmt.Errorf("%s: http 429: %w", s.cfg.Name, source.ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		return source.Record{}, fmt.Errorf("%s: http %d: %w", s.cfg.Name, resp.StatusCode, source.ErrUnavailable)
	}

	// {"bitcoin":{"usd":97000.1,"usd_market_cap":...,"usd_24h_vol":...,"usd_24h_change":-1.2}}
	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return source.Record{}, fmt.Errorf("%s: decode: %v: %w", s.cfg.Name, err, source.ErrNotFound)
	}
	fields, ok := body[id]
	if !ok {
		return source.Record{}, fmt.Errorf("%s: empty payload for %q: %w", s.cfg.Name, id, source.ErrNotFound)
	}
	cur := s.cfg.Currency
	price, ok := fields[cur]
	if !ok || price < 0 {
		return source.Record{}, fmt.Errorf("%s: missing price for %q: %w", s.cfg.Name, id, source.ErrNotFound)
	}

	return source.Record{
		Symbol:    sym,
		Price:     decimal.NewFromFloat(price),
		Change24h: decimal.NewFromFloat(fields[cur+"_24h_change"]),
		Volume24h: decimal.NewFromFloat(fields[cur+"_24h_vol"]),
		MarketCap: decimal.NewFromFloat(fields[cur+"_market_cap"]),
		Source:    s.cfg.Name,
		FetchedAt: time.Now().UTC(),
	}, nil
}
