package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pricefeed/internal/source"
)

// DefaultTTL is how long a cached record counts as fresh.
const DefaultTTL = 60 * time.Second

// entry holds the latest record for one symbol. Readers load the pointer
// without locking; writers serialize on writeMu so two refreshes for the
// same symbol can never commit out of order relative to the freshness check.
type entry struct {
	writeMu sync.Mutex
	rec     atomic.Pointer[source.Record]
}

// Cache holds the latest normalized record per symbol.
//
// Reads never block on writes and writes for unrelated symbols never
// contend: the outer lock only guards the map shape, each symbol carries
// its own writer lock. Records are stored and returned by value so callers
// can never observe a torn or mutated record.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	// nowFunc is swappable for staleness tests.
	nowFunc func() time.Time
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]*entry),
		nowFunc: time.Now,
	}
}

// Get returns a copy of the latest record for symbol.
// It is instant and never triggers network activity.
func (c *Cache) Get(symbol string) (source.Record, error) {
	c.mu.RLock()
	e := c.entries[symbol]
	c.mu.RUnlock()
	if e == nil {
		return source.Record{}, source.ErrNotFound
	}
	rec := e.rec.Load()
	if rec == nil {
		return source.Record{}, source.ErrNotFound
	}
	return *rec, nil
}

// Put stores rec iff it is not older than the record already held for its
// symbol. Returns true when the record was accepted. Out-of-order adapter
// responses (including results of abandoned refreshes that arrive late)
// are discarded here, which keeps FetchedAt non-decreasing per symbol.
func (c *Cache) Put(rec source.Record) bool {
	if rec.Symbol == "" || rec.Price.IsNegative() {
		return false
	}

	c.mu.RLock()
	e := c.entries[rec.Symbol]
	c.mu.RUnlock()
	if e == nil {
		c.mu.Lock()
		if e = c.entries[rec.Symbol]; e == nil {
			e = &entry{}
			c.entries[rec.Symbol] = e
		}
		c.mu.Unlock()
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if cur := e.rec.Load(); cur != nil && rec.FetchedAt.Before(cur.FetchedAt) {
		return false
	}
	stored := rec
	e.rec.Store(&stored)
	return true
}

// IsStale reports whether the cached record for symbol is older than the
// TTL. Unknown symbols are stale by definition.
func (c *Cache) IsStale(symbol string) bool {
	c.mu.RLock()
	e := c.entries[symbol]
	c.mu.RUnlock()
	if e == nil {
		return true
	}
	rec := e.rec.Load()
	if rec == nil {
		return true
	}
	return c.nowFunc().Sub(rec.FetchedAt) >= c.ttl
}

// All returns a snapshot of every cached record, sorted by symbol.
func (c *Cache) All() []source.Record {
	c.mu.RLock()
	out := make([]source.Record, 0, len(c.entries))
	for _, e := range c.entries {
		if rec := e.rec.Load(); rec != nil {
			out = append(out, *rec)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }
