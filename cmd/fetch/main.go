package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"pricefeed/internal/config"
	"pricefeed/internal/httpx"
	"pricefeed/internal/source"
	"pricefeed/internal/source/binance"
	"pricefeed/internal/source/coingecko"
	"pricefeed/internal/source/ratelimit"
)

// fetch is a one-shot CLI: query every enabled source for a set of
// symbols and print the normalized records as JSON. Useful for checking
// credentials, symbol maps and provider schemas without running the server.
func main() {
	var symbolsCSV string
	var timeout int
	var configPath string

	flag.StringVar(&symbolsCSV, "symbols", getenv("SYMBOLS", "BTC,ETH,APT"), "comma-separated canonical symbols")
	flag.IntVar(&timeout, "timeout", 15, "request timeout seconds")
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.json (optional)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	httpClient := httpx.New(time.Duration(timeout) * time.Second)

	var sources []source.Source
	if cfg.CoinGecko.Enabled {
		sources = append(sources, withPacing(coingecko.New(coingecko.Config{
			URL:       cfg.CoinGecko.Endpoint,
			APIKey:    cfg.CoinGecko.APIKey,
			Currency:  cfg.CoinGecko.Currency,
			SymbolMap: cfg.CoinGecko.SymbolMap,
		}, httpClient), cfg.CoinGecko.MinIntervalMS))
	}
	if cfg.Binance.Enabled {
		sources = append(sources, withPacing(binance.New(binance.Config{
			URL:       cfg.Binance.Endpoint,
			SymbolMap: cfg.Binance.SymbolMap,
		}, httpClient), cfg.Binance.MinIntervalMS))
	}
	if len(sources) == 0 {
		log.Fatal("no sources enabled; check config")
	}

	symbols := splitCSV(symbolsCSV)
	if len(symbols) == 0 {
		log.Fatal("no symbols provided")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	type result struct {
		name string
		recs []source.Record
		errs []string
	}
	ch := make(chan result, len(sources))
	for _, s := range sources {
		s := s
		go func() {
			r := result{name: s.Name()}
			for _, sym := range symbols {
				rec, err := s.Fetch(ctx, sym)
				if err != nil {
					r.errs = append(r.errs, fmt.Sprintf("%s: %v", sym, err))
					continue
				}
				r.recs = append(r.recs, rec)
			}
			ch <- r
		}()
	}

	var all []source.Record
	for i := 0; i < len(sources); i++ {
		r := <-ch
		for _, e := range r.errs {
			log.Printf("%s error: %s", r.name, e)
		}
		log.Printf("%s: %d records", r.name, len(r.recs))
		all = append(all, r.recs...)
	}
	if len(all) == 0 {
		log.Fatal("no records received")
	}

	out := struct {
		Records []source.Record `json:"records"`
	}{Records: all}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}

// withPacing spaces the per-symbol loop so the one-shot run cannot burst
// past a provider's per-call limits.
func withPacing(s source.Source, minIntervalMS int) source.Source {
	if minIntervalMS <= 0 {
		return s
	}
	return &ratelimit.MinInterval{S: s, Interval: time.Duration(minIntervalMS) * time.Millisecond}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
