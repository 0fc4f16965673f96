package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/internal/cache"
	"pricefeed/internal/source"
)

// fakeSource counts calls and delegates to a configurable fetch func.
type fakeSource struct {
	name  string
	calls atomic.Int64
	fetch func(ctx context.Context, symbol string) (source.Record, error)
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Fetch(ctx context.Context, symbol string) (source.Record, error) {
	f.calls.Add(1)
	return f.fetch(ctx, symbol)
}

func okRecord(name, symbol string, price float64) source.Record {
	return source.Record{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(price),
		Source:    name,
		FetchedAt: time.Now().UTC(),
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Publish(symbol string, rec source.Record) {
	n.mu.Lock()
	n.events = append(n.events, symbol+"@"+rec.Source)
	n.mu.Unlock()
}

func newRefresher(c *cache.Cache, hub Notifier, sources ...source.Source) *Refresher {
	return New(sources, c, hub, nil, Config{
		Interval:    time.Hour, // tests drive refreshes explicitly
		CallTimeout: 2 * time.Second,
	}, nil)
}

func TestRefresh_FallbackToSecondSource(t *testing.T) {
	down := &fakeSource{name: "primary", fetch: func(ctx context.Context, symbol string) (source.Record, error) {
		return source.Record{}, source.ErrUnavailable
	}}
	up := &fakeSource{name: "secondary", fetch: func(ctx context.Context, symbol string) (source.Record, error) {
		return okRecord("secondary", symbol, 42), nil
	}}

	c := cache.New(time.Minute)
	hub := &fakeNotifier{}
	r := newRefresher(c, hub, down, up)

	rec, err := r.Refresh(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("refresh surfaced an error despite working fallback: %v", err)
	}
	if rec.Source != "secondary" {
		t.Fatalf("want secondary record, got %+v", rec)
	}
	if got, err := c.Get("BTC"); err != nil || got.Source != "secondary" {
		t.Fatalf("cache not populated from fallback: %+v err=%v", got, err)
	}
	if down.calls.Load() != 1 || up.calls.Load() != 1 {
		t.Fatalf("call counts: primary=%d secondary=%d", down.calls.Load(), up.calls.Load())
	}
	if len(hub.events) != 1 || hub.events[0] != "BTC@secondary" {
		t.Fatalf("hub events: %v", hub.events)
	}
}

func TestRefresh_AllFail_KeepsCachedValue(t *testing.T) {
	down := &fakeSource{name: "down", fetch: func(ctx context.Context, symbol string) (source.Record, error) {
		return source.Record{}, source.ErrUnavailable
	}}

	// tiny TTL so the preloaded record is already stale
	c := cache.New(time.Nanosecond)
	old := okRecord("seed", "BTC", 100)
	old.FetchedAt = time.Now().Add(-time.Hour)
	c.Put(old)

	r := newRefresher(c, &fakeNotifier{}, down)

	if _, err := r.Refresh(context.Background(), "BTC"); err == nil {
		t.Fatal("want error from total outage")
	}
	got, err := c.Get("BTC")
	if err != nil {
		t.Fatalf("cached value lost during outage: %v", err)
	}
	if !got.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("cached value mutated: %+v", got)
	}
	if !c.IsStale("BTC") {
		t.Fatal("stale record must report stale")
	}
}

func TestLookup_StaleServedWhileOutage(t *testing.T) {
	down := &fakeSource{name: "down", fetch: func(ctx context.Context, symbol string) (source.Record, error) {
		return source.Record{}, source.ErrUnavailable
	}}
	c := cache.New(time.Nanosecond)
	old := okRecord("seed", "BTC", 100)
	old.FetchedAt = time.Now().Add(-time.Hour)
	c.Put(old)

	r := newRefresher(c, &fakeNotifier{}, down)

	got, err := r.Lookup(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("stale value must still be served: %v", err)
	}
	if got.Source != "seed" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestLookup_MissWithOutageFailsPriceUnavailable(t *testing.T) {
	down := &fakeSource{name: "down", fetch: func(ctx context.Context, symbol string) (source.Record, error) {
		return source.Record{}, source.ErrUnavailable
	}}
	r := newRefresher(cache.New(time.Minute), &fakeNotifier{}, down)

	_, err := r.Lookup(context.Background(), "BTC")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("want ErrPriceUnavailable, got %v", err)
	}
}

func TestLookup_FailureKeepsSourceErrorInspectable(t *testing.T) {
	cases := []struct {
		name     string
		srcErr   error
		wantBoth error
	}{
		{"unknown symbol", source.ErrNotFound, source.ErrNotFound},
		{"rate limited", source.ErrRateLimited, source.ErrRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			down := &fakeSource{name: "down", fetch: func(ctx context.Context, symbol string) (source.Record, error) {
				return source.Record{}, tc.srcErr
			}}
			r := newRefresher(cache.New(time.Minute), &fakeNotifier{}, down)

			_, err := r.Lookup(context.Background(), "NOPE")
			if !errors.Is(err, ErrPriceUnavailable) {
				t.Fatalf("want ErrPriceUnavailable, got %v", err)
			}
			// the cause must survive the wrap so the API layer can map it
			if !errors.Is(err, tc.wantBoth) {
				t.Fatalf("source error flattened away: %v", err)
			}
		})
	}
}

func TestLookup_MissTriggersOnDemandRefresh(t *testing.T) {
	up := &fakeSource{name: "up", fetch: func(ctx context.Context, symbol string) (source.Record, error) {
		return okRecord("up", symbol, 7), nil
	}}
	r := newRefresher(cache.New(time.Minute), &fakeNotifier{}, up)

	got, err := r.Lookup(context.Background(), "eth") // lower case on purpose
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Symbol != "ETH" || up.calls.Load() != 1 {
		t.Fatalf("on-demand refresh not performed: %+v calls=%d", got, up.calls.Load())
	}
}

func TestRefresh_ConcurrentCallsCoalesce(t *testing.T) {
	release := make(chan struct{})
	slow := &fakeSource{name: "slow"}
	slow.fetch = func(ctx context.Context, symbol string) (source.Record, error) {
		<-release
		return okRecord("slow", symbol, 1), nil
	}

	r := newRefresher(cache.New(time.Minute), &fakeNotifier{}, slow)

	const n = 25
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Refresh(context.Background(), "BTC")
		}(i)
	}

	// give every goroutine time to attach to the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := slow.calls.Load(); got != 1 {
		t.Fatalf("want exactly 1 upstream call, got %d", got)
	}
}

func TestRefresh_LateResultDiscardedByFreshnessRule(t *testing.T) {
	c := cache.New(time.Minute)
	hub := &fakeNotifier{}

	stale := &fakeSource{name: "laggard", fetch: func(ctx context.Context, symbol string) (source.Record, error) {
		rec := okRecord("laggard", symbol, 1)
		rec.FetchedAt = time.Now().Add(-time.Hour) // result of an abandoned earlier attempt
		return rec, nil
	}}
	r := newRefresher(c, hub, stale)

	fresh := okRecord("current", "BTC", 2)
	c.Put(fresh)

	if _, err := r.Refresh(context.Background(), "BTC"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, _ := c.Get("BTC")
	if got.Source != "current" {
		t.Fatalf("late result overwrote newer record: %+v", got)
	}
	// a discarded record must not be broadcast
	if len(hub.events) != 0 {
		t.Fatalf("hub notified for discarded record: %v", hub.events)
	}
}
