package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"pricefeed/internal/cache"
	"pricefeed/internal/source"
	"pricefeed/internal/store"
)

// ErrPriceUnavailable is returned when every source failed and no cached
// value exists for the symbol. It is the only upstream failure that ever
// reaches a caller; everything else degrades to the cached value.
var ErrPriceUnavailable = errors.New("price unavailable")

// Notifier receives a price-change event after the cache accepted a record.
type Notifier interface {
	Publish(symbol string, rec source.Record)
}

// Config for the refresher.
type Config struct {
	// Watchlist symbols are kept fresh on the fixed cadence.
	Watchlist []string
	// Interval between scheduled watchlist refreshes. Failed refreshes are
	// retried at the next tick, never in a tight loop.
	Interval time.Duration
	// CallTimeout bounds each upstream call so a stalled provider cannot
	// stall the scheduler.
	CallTimeout time.Duration
}

// Refresher keeps the price cache fresh from a priority-ordered list of
// sources and serves on-demand refreshes for arbitrary symbols.
// Concurrent refreshes for the same symbol coalesce into one upstream
// call sequence.
type Refresher struct {
	sources []source.Source // priority order, first is preferred
	cache   *cache.Cache
	hub     Notifier
	st      store.Store // optional, may be nil
	cfg     Config
	log     *slog.Logger

	sf singleflight.Group
}

func New(sources []source.Source, c *cache.Cache, hub Notifier, st store.Store, cfg Config, log *slog.Logger) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.CallTimeout <= 0 || cfg.CallTimeout > 10*time.Second {
		cfg.CallTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Refresher{
		sources: sources,
		cache:   c,
		hub:     hub,
		st:      st,
		cfg:     cfg,
		log:     log,
	}
}

// Run warms the cache from the store, refreshes the watchlist once, then
// refreshes it on every tick until ctx is canceled. It blocks.
func (r *Refresher) Run(ctx context.Context) {
	r.warm(ctx)
	r.refreshWatchlist(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshWatchlist(ctx)
		}
	}
}

// warm loads last-known records persisted by a previous process. Entries
// land in the cache with their original FetchedAt, so anything old is
// immediately stale and gets refreshed, but remains servable meanwhile.
func (r *Refresher) warm(ctx context.Context) {
	if r.st == nil {
		return
	}
	recs, err := r.st.LoadAll(ctx)
	if err != nil {
		r.log.Warn("cache warm-up failed", "err", err)
		return
	}
	n := 0
	for _, rec := range recs {
		if r.cache.Put(rec) {
			n++
		}
	}
	r.log.Info("cache warmed from store", "records", n)
}

func (r *Refresher) refreshWatchlist(ctx context.Context) {
	for _, sym := range r.cfg.Watchlist {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Refresh(ctx, sym); err != nil {
			// Leave the cached value in place; the next tick retries.
			r.log.Warn("scheduled refresh failed", "symbol", sym, "err", err)
		}
	}
}

// Refresh fetches symbol from the sources in priority order and commits
// the first success. Concurrent callers for the same symbol attach to the
// in-flight call instead of issuing duplicate upstream requests.
func (r *Refresher) Refresh(ctx context.Context, symbol string) (source.Record, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	v, err, _ := r.sf.Do(sym, func() (any, error) {
		return r.refreshOne(ctx, sym)
	})
	if err != nil {
		return source.Record{}, err
	}
	return v.(source.Record), nil
}

func (r *Refresher) refreshOne(ctx context.Context, sym string) (source.Record, error) {
	var lastErr error
	for _, s := range r.sources {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		rec, err := s.Fetch(callCtx, sym)
		cancel()
		if err != nil {
			lastErr = err
			r.log.Warn("source fetch failed, falling back", "source", s.Name(), "symbol", sym, "err", err)
			continue
		}
		r.commit(rec)
		return rec, nil
	}
	if lastErr == nil {
		lastErr = source.ErrUnavailable
	}
	return source.Record{}, fmt.Errorf("all sources failed for %s: %w", sym, lastErr)
}

// commit stores the record and, only if the cache accepted it as newest,
// persists it and notifies subscribers. A record rejected as out-of-date
// must not be broadcast or written to the store.
func (r *Refresher) commit(rec source.Record) {
	if !r.cache.Put(rec) {
		r.log.Debug("discarded out-of-date record", "symbol", rec.Symbol, "source", rec.Source)
		return
	}
	if r.st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.st.Upsert(ctx, rec); err != nil {
			r.log.Warn("price persist failed", "symbol", rec.Symbol, "err", err)
		}
		cancel()
	}
	if r.hub != nil {
		r.hub.Publish(rec.Symbol, rec)
	}
}

// Lookup serves a read through the cache. A stale hit is returned as-is
// while a refresh runs in the background; a miss triggers one synchronous
// refresh before giving up with ErrPriceUnavailable.
func (r *Refresher) Lookup(ctx context.Context, symbol string) (source.Record, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if rec, err := r.cache.Get(sym); err == nil {
		if r.cache.IsStale(sym) {
			go func() {
				bg, cancel := context.WithTimeout(context.Background(), r.cfg.CallTimeout+time.Second)
				defer cancel()
				if _, err := r.Refresh(bg, sym); err != nil {
					r.log.Warn("background refresh failed", "symbol", sym, "err", err)
				}
			}()
		}
		return rec, nil
	}

	// Both errors stay inspectable: callers distinguish an unknown symbol
	// or a rate limit from a plain outage with errors.Is.
	if _, err := r.Refresh(ctx, sym); err != nil {
		return source.Record{}, fmt.Errorf("%w: %w", err, ErrPriceUnavailable)
	}
	rec, err := r.cache.Get(sym)
	if err != nil {
		return source.Record{}, ErrPriceUnavailable
	}
	return rec, nil
}
