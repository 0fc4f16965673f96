package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/internal/cache"
	"pricefeed/internal/config"
	"pricefeed/internal/httpx"
	"pricefeed/internal/hub"
	"pricefeed/internal/quote"
	"pricefeed/internal/refresh"
	"pricefeed/internal/risk"
	"pricefeed/internal/risk/model"
	"pricefeed/internal/source"
	"pricefeed/internal/source/binance"
	"pricefeed/internal/source/coingecko"
	"pricefeed/internal/source/ratelimit"
	"pricefeed/internal/store"
	"pricefeed/internal/store/postgres"
	"pricefeed/internal/store/redisstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	httpClient := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)

	sources := buildSources(cfg, httpClient)
	if len(sources) == 0 {
		log.Fatal("no price sources enabled; check config")
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	if st != nil {
		defer st.Close()
	}

	priceCache := cache.New(time.Duration(cfg.Feed.CacheTTLSeconds) * time.Second)
	broadcast := hub.New(logger)
	refresher := refresh.New(sources, priceCache, broadcast, st, refresh.Config{
		Watchlist:   cfg.Feed.Watchlist,
		Interval:    time.Duration(cfg.Feed.RefreshIntervalSec) * time.Second,
		CallTimeout: time.Duration(cfg.Feed.AdapterTimeoutSec) * time.Second,
	}, logger)

	engine := quote.New(refresher, quote.Config{
		FeeRate:           decimal.NewFromFloat(cfg.Quote.FeeRate),
		SlippageTolerance: decimal.NewFromFloat(cfg.Quote.SlippageTolerance),
		TTL:               time.Duration(cfg.Quote.TTLSeconds) * time.Second,
	})

	var predictor risk.Predictor
	if cfg.Risk.ModelEndpoint != "" {
		client, err := model.NewClient(cfg.Risk.ModelEndpoint, model.WithHTTPClient(httpClient.HTTP))
		if err != nil {
			log.Fatalf("risk model client: %v", err)
		}
		predictor = client
	}
	scorer := risk.New(predictor, risk.Config{
		FlagThreshold: cfg.Risk.FlagThreshold,
		Stablecoins:   cfg.Risk.Stablecoins,
	}, logger)

	srv := &server{
		cache:     priceCache,
		refresher: refresher,
		engine:    engine,
		scorer:    scorer,
		hub:       broadcast,
		log:       logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go refresher.Run(ctx)

	api := http.NewServeMux()
	api.HandleFunc("GET /healthz", srv.handleHealth)
	api.HandleFunc("GET /api/prices", srv.handleAllPrices)
	api.HandleFunc("GET /api/prices/{symbol}", srv.handlePrice)
	api.HandleFunc("GET /api/quote", srv.handleQuote)
	api.HandleFunc("POST /api/risk", srv.handleRisk)

	// The websocket endpoint hijacks the connection, so it stays outside
	// the body-limit/CORS middleware chain.
	root := http.NewServeMux()
	root.HandleFunc("GET /ws", srv.handleWS)
	root.Handle("/", withCORS(recoverPanic(limitBody(api))))

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port, "sources", len(sources))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("server stopped")
}

// buildSources assembles the priority-ordered source chain, wrapping each
// enabled adapter with a token-bucket limiter when a rate is configured.
func buildSources(cfg config.Config, hc *httpx.Client) []source.Source {
	var sources []source.Source
	if cfg.CoinGecko.Enabled {
		var s source.Source = coingecko.New(coingecko.Config{
			URL:       cfg.CoinGecko.Endpoint,
			APIKey:    cfg.CoinGecko.APIKey,
			Currency:  cfg.CoinGecko.Currency,
			SymbolMap: cfg.CoinGecko.SymbolMap,
		}, hc)
		sources = append(sources, withLimit(s, cfg.CoinGecko.MaxRequestsPerMinute, cfg.CoinGecko.Burst, cfg.CoinGecko.MinIntervalMS))
	}
	if cfg.Binance.Enabled {
		var s source.Source = binance.New(binance.Config{
			URL:       cfg.Binance.Endpoint,
			SymbolMap: cfg.Binance.SymbolMap,
		}, hc)
		sources = append(sources, withLimit(s, cfg.Binance.MaxRequestsPerMinute, cfg.Binance.Burst, cfg.Binance.MinIntervalMS))
	}
	return sources
}

func withLimit(s source.Source, rpm, burst, minIntervalMS int) source.Source {
	if rpm > 0 {
		if burst <= 0 {
			burst = 1
		}
		s = &ratelimit.TokenBucketSource{S: s, TB: ratelimit.NewTokenBucket(float64(rpm)/60.0, burst)}
	}
	if minIntervalMS > 0 {
		s = &ratelimit.MinInterval{S: s, Interval: time.Duration(minIntervalMS) * time.Millisecond}
	}
	return s
}

func openStore(cfg config.Store) (store.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch cfg.Driver {
	case "":
		return nil, nil
	case "postgres":
		return postgres.Open(ctx, cfg.PostgresDSN)
	case "redis":
		return redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
