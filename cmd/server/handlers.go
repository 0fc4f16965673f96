package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/internal/cache"
	"pricefeed/internal/hub"
	"pricefeed/internal/quote"
	"pricefeed/internal/refresh"
	"pricefeed/internal/risk"
	"pricefeed/internal/source"
)

type server struct {
	cache     *cache.Cache
	refresher *refresh.Refresher
	engine    *quote.Engine
	scorer    *risk.Scorer
	hub       *hub.Hub
	log       *slog.Logger
}

// response is the envelope for every pull endpoint: a success flag, the
// payload, an RFC3339 timestamp and, on failure, a stable error code.
type response struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Timestamp string    `json:"timestamp"`
	Error     *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{
		Success:   false,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Error:     &apiError{Code: code, Message: msg},
	})
}

// writeDomainErr maps the engine's error taxonomy to stable machine codes.
// Upstream error text is logged, never leaked to the caller.
func (s *server) writeDomainErr(w http.ResponseWriter, err error) {
	// The specific causes are checked before the catch-all
	// PRICE_UNAVAILABLE: lookup failures carry both the source error and
	// the price-unavailable sentinel.
	switch {
	case errors.Is(err, quote.ErrInvalidAmount):
		writeErr(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive number")
	case errors.Is(err, quote.ErrInvalidPair):
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "from and to must name two distinct symbols")
	case errors.Is(err, source.ErrNotFound):
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "unknown symbol")
	case errors.Is(err, source.ErrRateLimited):
		writeErr(w, http.StatusServiceUnavailable, "RATE_LIMITED", "upstream rate limit reached, try again later")
	case errors.Is(err, refresh.ErrPriceUnavailable):
		writeErr(w, http.StatusServiceUnavailable, "PRICE_UNAVAILABLE", "no price available for the requested symbol")
	case errors.Is(err, source.ErrUnavailable):
		writeErr(w, http.StatusServiceUnavailable, "UNAVAILABLE", "upstream price providers unavailable")
	default:
		s.log.Error("internal error", "err", err)
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handleAllPrices(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.cache.All())
}

func (s *server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	rec, err := s.refresher.Lookup(r.Context(), symbol)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeOK(w, struct {
		source.Record
		Stale bool `json:"stale"`
	}{Record: rec, Stale: s.cache.IsStale(rec.Symbol)})
}

func (s *server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "from and to query params are required")
		return
	}
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive number")
		return
	}
	result, err := s.engine.Quote(r.Context(), from, to, amount)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeOK(w, result)
}

type riskRequest struct {
	SubjectID string `json:"subject_id"`
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
}

func (s *server) handleRisk(w http.ResponseWriter, r *http.Request) {
	var req riskRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.SubjectID == "" {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "subject_id is required")
		return
	}
	writeOK(w, s.scorer.Assess(r.Context(), req.SubjectID, req.Name, req.Symbol))
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody caps request body size to avoid memory abuse.
func limitBody(next http.Handler) http.Handler {
	const maxBody = 1 << 20 // 1MB
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// recoverPanic protects handlers from panics.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeErr(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
