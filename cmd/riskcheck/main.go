package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"pricefeed/internal/config"
	"pricefeed/internal/httpx"
	"pricefeed/internal/risk"
	"pricefeed/internal/risk/model"
)

// riskcheck is a one-shot CLI: score a token identifier and print the
// assessment. With RISK_MODEL_ENDPOINT configured it exercises the
// delegated path, otherwise the local heuristic.
func main() {
	var subjectID, name, symbol, configPath string
	var timeout int

	flag.StringVar(&subjectID, "subject", "", "token identifier, e.g. 0xabc...")
	flag.StringVar(&name, "name", "", "token name (optional)")
	flag.StringVar(&symbol, "symbol", "", "token symbol (optional)")
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.json (optional)")
	flag.IntVar(&timeout, "timeout", 10, "request timeout seconds")
	flag.Parse()

	if subjectID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var predictor risk.Predictor
	if cfg.Risk.ModelEndpoint != "" {
		httpClient := httpx.New(time.Duration(timeout) * time.Second)
		client, err := model.NewClient(cfg.Risk.ModelEndpoint, model.WithHTTPClient(httpClient.HTTP))
		if err != nil {
			log.Fatalf("model client: %v", err)
		}
		predictor = client
		log.Printf("delegated mode via %s", cfg.Risk.ModelEndpoint)
	} else {
		log.Print("heuristic mode (no model endpoint configured)")
	}

	scorer := risk.New(predictor, risk.Config{
		FlagThreshold: cfg.Risk.FlagThreshold,
		Stablecoins:   cfg.Risk.Stablecoins,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	assessment := scorer.Assess(ctx, subjectID, name, symbol)
	b, _ := json.MarshalIndent(assessment, "", "  ")
	fmt.Println(string(b))
}
