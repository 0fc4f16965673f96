package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/internal/cache"
	"pricefeed/internal/hub"
	"pricefeed/internal/quote"
	"pricefeed/internal/refresh"
	"pricefeed/internal/risk"
	"pricefeed/internal/source"
)

type fakeSource struct {
	prices map[string]float64
	// missErr is returned for symbols outside prices; defaults to NotFound.
	missErr error
}

func (f fakeSource) Name() string { return "fake" }
func (f fakeSource) Fetch(ctx context.Context, symbol string) (source.Record, error) {
	p, ok := f.prices[symbol]
	if !ok {
		if f.missErr != nil {
			return source.Record{}, f.missErr
		}
		return source.Record{}, source.ErrNotFound
	}
	return source.Record{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(p),
		Volume24h: decimal.NewFromInt(1_000_000),
		Source:    "fake",
		FetchedAt: time.Now().UTC(),
	}, nil
}

func newTestServer(prices map[string]float64) (*server, http.Handler) {
	return newTestServerFrom(fakeSource{prices: prices})
}

func newTestServerFrom(src source.Source) (*server, http.Handler) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := cache.New(time.Minute)
	broadcast := hub.New(logger)
	refresher := refresh.New([]source.Source{src}, c, broadcast, nil, refresh.Config{
		Interval:    time.Hour,
		CallTimeout: time.Second,
	}, logger)
	engine := quote.New(refresher, quote.Config{
		FeeRate: decimal.NewFromFloat(0.003),
		TTL:     30 * time.Second,
	})
	scorer := risk.New(nil, risk.Config{}, logger)

	s := &server{
		cache:     c,
		refresher: refresher,
		engine:    engine,
		scorer:    scorer,
		hub:       broadcast,
		log:       logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/prices", s.handleAllPrices)
	mux.HandleFunc("GET /api/prices/{symbol}", s.handlePrice)
	mux.HandleFunc("GET /api/quote", s.handleQuote)
	mux.HandleFunc("POST /api/risk", s.handleRisk)
	return s, mux
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	Error     *apiError       `json:"error"`
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("bad envelope %q: %v", w.Body.String(), err)
	}
	if env.Timestamp == "" {
		t.Fatal("envelope missing timestamp")
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		t.Fatalf("timestamp not RFC3339: %q", env.Timestamp)
	}
	return w.Code, env
}

func TestQuoteHandler_Success(t *testing.T) {
	_, mux := newTestServer(map[string]float64{"APT": 10, "USDC": 1})

	code, env := doRequest(t, mux, http.MethodGet, "/api/quote?from=APT&to=USDC&amount=100", "")
	if code != http.StatusOK || !env.Success {
		t.Fatalf("status=%d env=%+v", code, env)
	}

	var q quote.Quote
	if err := json.Unmarshal(env.Data, &q); err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	if !q.ToAmount.Equal(decimal.RequireFromString("997")) {
		t.Fatalf("toAmount: %s", q.ToAmount)
	}
	if !q.Fee.Equal(decimal.RequireFromString("0.3")) {
		t.Fatalf("fee: %s", q.Fee)
	}
}

func TestQuoteHandler_InvalidAmount(t *testing.T) {
	_, mux := newTestServer(map[string]float64{"APT": 10, "USDC": 1})

	for _, amount := range []string{"0", "-5", "abc", ""} {
		code, env := doRequest(t, mux, http.MethodGet, "/api/quote?from=APT&to=USDC&amount="+amount, "")
		if code != http.StatusBadRequest || env.Success {
			t.Fatalf("amount=%q: status=%d env=%+v", amount, code, env)
		}
		if env.Error == nil || env.Error.Code != "INVALID_AMOUNT" {
			t.Fatalf("amount=%q: error=%+v", amount, env.Error)
		}
	}
}

func TestQuoteHandler_PriceUnavailable(t *testing.T) {
	// the provider knows APT but is down for everything else
	_, mux := newTestServerFrom(fakeSource{
		prices:  map[string]float64{"APT": 10},
		missErr: source.ErrUnavailable,
	})

	code, env := doRequest(t, mux, http.MethodGet, "/api/quote?from=APT&to=USDC&amount=100", "")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	if env.Error == nil || env.Error.Code != "PRICE_UNAVAILABLE" {
		t.Fatalf("error=%+v", env.Error)
	}
}

func TestPriceHandler_OnDemandRefresh(t *testing.T) {
	s, mux := newTestServer(map[string]float64{"BTC": 97000})

	// nothing cached yet; the handler must trigger a refresh
	code, env := doRequest(t, mux, http.MethodGet, "/api/prices/BTC", "")
	if code != http.StatusOK || !env.Success {
		t.Fatalf("status=%d env=%+v", code, env)
	}
	if _, err := s.cache.Get("BTC"); err != nil {
		t.Fatalf("cache not populated by lookup: %v", err)
	}
}

func TestPriceHandler_UnknownSymbolIsNotFound(t *testing.T) {
	_, mux := newTestServer(map[string]float64{"BTC": 97000})

	code, env := doRequest(t, mux, http.MethodGet, "/api/prices/NOPE", "")
	if code != http.StatusNotFound {
		t.Fatalf("status=%d env=%+v", code, env)
	}
	if env.Error == nil || env.Error.Code != "NOT_FOUND" {
		t.Fatalf("error=%+v", env.Error)
	}
}

func TestQuoteHandler_SamePairIsBadRequest(t *testing.T) {
	_, mux := newTestServer(map[string]float64{"APT": 10})

	code, env := doRequest(t, mux, http.MethodGet, "/api/quote?from=APT&to=apt&amount=100", "")
	if code != http.StatusBadRequest {
		t.Fatalf("status=%d env=%+v", code, env)
	}
	if env.Error == nil || env.Error.Code != "BAD_REQUEST" {
		t.Fatalf("error=%+v", env.Error)
	}
}

func TestAllPricesHandler(t *testing.T) {
	s, mux := newTestServer(map[string]float64{})
	s.cache.Put(source.Record{
		Symbol: "ETH", Price: decimal.NewFromInt(3000),
		Source: "seed", FetchedAt: time.Now(),
	})

	code, env := doRequest(t, mux, http.MethodGet, "/api/prices", "")
	if code != http.StatusOK || !env.Success {
		t.Fatalf("status=%d env=%+v", code, env)
	}
	var recs []source.Record
	if err := json.Unmarshal(env.Data, &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0].Symbol != "ETH" {
		t.Fatalf("records: %+v", recs)
	}
}

func TestRiskHandler(t *testing.T) {
	_, mux := newTestServer(nil)

	code, env := doRequest(t, mux, http.MethodPost, "/api/risk",
		`{"subject_id":"0x0000000000000000","name":"Moon Token","symbol":"MOON"}`)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("status=%d env=%+v", code, env)
	}
	var a risk.Assessment
	if err := json.Unmarshal(env.Data, &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.RiskScore < 25 {
		t.Fatalf("score: %d (%v)", a.RiskScore, a.Reasons)
	}

	// missing subject_id is a caller error
	code, env = doRequest(t, mux, http.MethodPost, "/api/risk", `{}`)
	if code != http.StatusBadRequest || env.Error == nil || env.Error.Code != "BAD_REQUEST" {
		t.Fatalf("status=%d env=%+v", code, env)
	}
}
