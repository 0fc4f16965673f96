package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/internal/source"
)

func rec(symbol string, price float64, at time.Time) source.Record {
	return source.Record{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(price),
		Source:    "test",
		FetchedAt: at,
	}
}

func TestPut_NewestWins_OutOfOrderResponses(t *testing.T) {
	c := New(time.Minute)
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	t2 := t1.Add(time.Second)

	if !c.Put(rec("BTC", 101, t2)) {
		t.Fatal("newest record rejected")
	}
	// A slower adapter delivers an older result after the newer one landed.
	if c.Put(rec("BTC", 100, t1)) {
		t.Fatal("stale record accepted")
	}

	got, err := c.Get("BTC")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Price.Equal(decimal.NewFromInt(101)) || !got.FetchedAt.Equal(t2) {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestPut_FetchedAtMonotonic(t *testing.T) {
	c := New(time.Minute)
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	// interleave in-order and out-of-order writes
	offsets := []int{0, 2, 1, 5, 3, 5, 4}
	var last time.Time
	for _, off := range offsets {
		c.Put(rec("ETH", float64(off), base.Add(time.Duration(off)*time.Second)))
		got, err := c.Get("ETH")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.FetchedAt.Before(last) {
			t.Fatalf("FetchedAt went backwards: %v -> %v", last, got.FetchedAt)
		}
		last = got.FetchedAt
	}
}

func TestPut_EqualTimestampAccepted(t *testing.T) {
	c := New(time.Minute)
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c.Put(rec("BTC", 100, ts))
	if !c.Put(rec("BTC", 100.5, ts)) {
		t.Fatal("equal-timestamp record rejected")
	}
}

func TestPut_RejectsInvalidRecords(t *testing.T) {
	c := New(time.Minute)
	if c.Put(source.Record{Symbol: "", FetchedAt: time.Now()}) {
		t.Fatal("accepted record without symbol")
	}
	bad := rec("BTC", 0, time.Now())
	bad.Price = decimal.NewFromInt(-1)
	if c.Put(bad) {
		t.Fatal("accepted negative price")
	}
}

func TestGet_MissFailsNotFound(t *testing.T) {
	c := New(time.Minute)
	if _, err := c.Get("DOGE"); !errors.Is(err, source.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestIsStale_FreshnessWindow(t *testing.T) {
	c := New(time.Minute)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c.nowFunc = func() time.Time { return now }

	c.Put(rec("BTC", 100, now.Add(-59*time.Second)))
	if c.IsStale("BTC") {
		t.Fatal("record inside TTL reported stale")
	}

	c.Put(rec("ETH", 100, now.Add(-61*time.Second)))
	if !c.IsStale("ETH") {
		t.Fatal("record past TTL reported fresh")
	}
	// stale entries stay servable
	if _, err := c.Get("ETH"); err != nil {
		t.Fatalf("stale record not servable: %v", err)
	}

	if !c.IsStale("UNKNOWN") {
		t.Fatal("unknown symbol must be stale")
	}
}

func TestAll_SnapshotSorted(t *testing.T) {
	c := New(time.Minute)
	now := time.Now()
	c.Put(rec("ETH", 2, now))
	c.Put(rec("APT", 1, now))
	c.Put(rec("BTC", 3, now))

	all := c.All()
	if len(all) != 3 {
		t.Fatalf("want 3 records, got %d", len(all))
	}
	for i, want := range []string{"APT", "BTC", "ETH"} {
		if all[i].Symbol != want {
			t.Fatalf("order: want %s at %d, got %s", want, i, all[i].Symbol)
		}
	}
}
