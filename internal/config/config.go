package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Server struct {
	Port              string `json:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

type Feed struct {
	// Watchlist symbols are refreshed on the fixed cadence.
	Watchlist          []string `json:"watchlist"`
	RefreshIntervalSec int      `json:"refresh_interval_sec"`
	CacheTTLSeconds    int      `json:"cache_ttl_sec"`
	// AdapterTimeoutSec bounds each upstream call, capped at 10.
	AdapterTimeoutSec int `json:"adapter_timeout_sec"`
}

type CoinGecko struct {
	Enabled              bool              `json:"enabled"`
	Endpoint             string            `json:"endpoint"`
	APIKey               string            `json:"api_key"`
	Currency             string            `json:"currency"`
	SymbolMap            map[string]string `json:"symbol_map"`
	MaxRequestsPerMinute int               `json:"max_requests_per_minute"`
	Burst                int               `json:"burst"`
	// MinIntervalMS spaces consecutive calls regardless of bucket state.
	MinIntervalMS int `json:"min_interval_ms"`
}

type Binance struct {
	Enabled              bool              `json:"enabled"`
	Endpoint             string            `json:"endpoint"`
	SymbolMap            map[string]string `json:"symbol_map"`
	MaxRequestsPerMinute int               `json:"max_requests_per_minute"`
	Burst                int               `json:"burst"`
	MinIntervalMS        int               `json:"min_interval_ms"`
}

type Quote struct {
	FeeRate           float64 `json:"fee_rate"`
	SlippageTolerance float64 `json:"slippage_tolerance"`
	TTLSeconds        int     `json:"ttl_sec"`
}

type Risk struct {
	// ModelEndpoint enables the delegated mode when non-empty.
	ModelEndpoint string   `json:"model_endpoint"`
	FlagThreshold int      `json:"flag_threshold"`
	Stablecoins   []string `json:"stablecoins"`
}

type Store struct {
	// Driver selects the persistence collaborator: "", "postgres" or "redis".
	Driver        string `json:"driver"`
	PostgresDSN   string `json:"postgres_dsn"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

type Config struct {
	Server    Server    `json:"server"`
	Feed      Feed      `json:"feed"`
	CoinGecko CoinGecko `json:"coingecko"`
	Binance   Binance   `json:"binance"`
	Quote     Quote     `json:"quote"`
	Risk      Risk      `json:"risk"`
	Store     Store     `json:"store"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 10},
		Feed: Feed{
			Watchlist:          []string{"BTC", "ETH", "APT", "SOL", "USDC", "USDT"},
			RefreshIntervalSec: 300,
			CacheTTLSeconds:    60,
			AdapterTimeoutSec:  10,
		},
		CoinGecko: CoinGecko{
			Enabled:  true,
			Endpoint: "https://api.coingecko.com/api/v3/simple/price",
			Currency: "usd",
			SymbolMap: map[string]string{
				"BTC": "bitcoin", "ETH": "ethereum", "APT": "aptos",
				"SOL": "solana", "USDC": "usd-coin", "USDT": "tether",
			},
			MaxRequestsPerMinute: 30,
			Burst:                5,
			MinIntervalMS:        2000,
		},
		Binance: Binance{
			Enabled:  true,
			Endpoint: "https://api.binance.com/api/v3/ticker/24hr",
			SymbolMap: map[string]string{
				"BTC": "BTCUSDT", "ETH": "ETHUSDT", "APT": "APTUSDT",
				"SOL": "SOLUSDT", "USDC": "USDCUSDT",
			},
			MaxRequestsPerMinute: 60,
			Burst:                10,
		},
		Quote: Quote{FeeRate: 0.003, SlippageTolerance: 0.005, TTLSeconds: 30},
		Risk:  Risk{FlagThreshold: 70, Stablecoins: []string{"USDC", "USDT", "DAI", "BUSD", "TUSD"}},
	}
}

// Load reads JSON config from path. If path is empty or the file does not
// exist it returns defaults. A .env file and environment variables override
// select fields so secrets stay out of the config file.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if x := getenvInt("REQUEST_TIMEOUT_SEC"); x > 0 {
		cfg.Server.RequestTimeoutSec = x
	}
	if v := os.Getenv("WATCHLIST"); v != "" {
		cfg.Feed.Watchlist = splitCSV(v)
	}
	if x := getenvInt("REFRESH_INTERVAL_SEC"); x > 0 {
		cfg.Feed.RefreshIntervalSec = x
	}
	if x := getenvInt("CACHE_TTL_SEC"); x > 0 {
		cfg.Feed.CacheTTLSeconds = x
	}
	if x := getenvInt("ADAPTER_TIMEOUT_SEC"); x > 0 {
		cfg.Feed.AdapterTimeoutSec = x
	}

	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		cfg.CoinGecko.APIKey = v
	}
	if v := os.Getenv("COINGECKO_ENDPOINT"); v != "" {
		cfg.CoinGecko.Endpoint = v
	}
	if v, ok := getenvBool("COINGECKO_ENABLED"); ok {
		cfg.CoinGecko.Enabled = v
	}
	if v := os.Getenv("BINANCE_ENDPOINT"); v != "" {
		cfg.Binance.Endpoint = v
	}
	if v, ok := getenvBool("BINANCE_ENABLED"); ok {
		cfg.Binance.Enabled = v
	}

	if v := os.Getenv("RISK_MODEL_ENDPOINT"); v != "" {
		cfg.Risk.ModelEndpoint = v
	}
	if x := getenvInt("RISK_FLAG_THRESHOLD"); x > 0 {
		cfg.Risk.FlagThreshold = x
	}

	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Store.RedisPassword = v
	}
	if x := getenvInt("REDIS_DB"); x > 0 {
		cfg.Store.RedisDB = x
	}
}

func getenvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	var x int
	_, _ = fmt.Sscanf(v, "%d", &x)
	return x
}

func getenvBool(key string) (bool, bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y":
		return true, true
	case "0", "false", "no", "n":
		return false, true
	}
	return false, false
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
