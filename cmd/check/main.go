// Command check runs a single evaluation cycle and prints the deviation
// report plus the gate decision, without emitting anything. Useful for
// verifying a config change before the monitor picks it up.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"rebalancer-go/internal/config"
	"rebalancer-go/internal/deviation"
	"rebalancer-go/internal/gate"
	"rebalancer-go/internal/oracle"
	"rebalancer-go/internal/portfolio"
	"rebalancer-go/internal/util"
)

type report struct {
	PortfolioID   string           `json:"portfolio_id"`
	TotalValue    string           `json:"total_value"`
	PerAssetBps   map[string]int64 `json:"per_asset_bps"`
	AggregateBps  int64            `json:"aggregate_bps"`
	ThresholdBps  uint64           `json:"threshold_bps"`
	LastTriggerAt *time.Time       `json:"last_trigger_at,omitempty"`
	WouldTrigger  bool             `json:"would_trigger"`
}

func main() {
	_ = godotenv.Load() // best-effort

	path := os.Getenv("REBALANCER_CONFIG")
	if path == "" {
		path = "configs/config.yaml"
	}

	log := util.NewLogger("warn")
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var source oracle.Source
	switch cfg.Oracle.Provider {
	case "stub":
		source, err = oracle.NewStubSource(cfg.Oracle.StubPrices)
	case "coingecko":
		cg := cfg.Oracle.CoinGecko
		source = oracle.NewCoinGeckoSource(cg.BaseURL, cg.APIKey, cg.QuoteCurrency, cg.IDs)
	case "binance":
		src := oracle.NewBinanceSource(cfg.Oracle.Binance.WSURL, cfg.Oracle.Binance.Pairs, log)
		go func() { _ = src.Run(ctx) }()
		source = src
	default:
		err = fmt.Errorf("unknown oracle provider %q", cfg.Oracle.Provider)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("build oracle source")
	}
	quotes := oracle.NewClient(source, cfg.MaxFeedAge(), cfg.ClockSkew(), log)

	holdings := make([]portfolio.Holding, 0, len(cfg.Portfolio.Holdings))
	for _, h := range cfg.Portfolio.Holdings {
		parsed, err := portfolio.ParseHolding(h.Asset, h.Quantity)
		if err != nil {
			log.Fatal().Err(err).Msg("parse holdings")
		}
		holdings = append(holdings, parsed)
	}
	provider := portfolio.NewStaticProvider(holdings)

	// Streaming sources need a moment before every asset has a quote.
	var snap *portfolio.Snapshot
	for {
		snap, err = portfolio.Build(ctx, provider, quotes, time.Now())
		if err == nil || ctx.Err() != nil || cfg.Oracle.Provider != "binance" {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("build snapshot")
	}

	dev, err := deviation.Compute(snap,
		deviation.TargetsFromWeights(cfg.Policy.Targets),
		deviation.Options{Primary: cfg.Policy.PrimaryAsset, Aggregate: cfg.Policy.Aggregate})
	if err != nil {
		log.Fatal().Err(err).Msg("compute deviation")
	}

	out := report{
		PortfolioID:  cfg.Portfolio.ID,
		TotalValue:   snap.TotalValue.String(),
		PerAssetBps:  dev.PerAssetBps,
		AggregateBps: dev.AggregateBps,
		ThresholdBps: cfg.Policy.ThresholdBps,
	}

	store, err := gate.OpenStore(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	g, err := gate.New(store, cfg.Policy.ThresholdBps, cfg.Cooldown(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("load gate state")
	}
	if last := g.LastTriggerAt(); !last.IsZero() {
		out.LastTriggerAt = &last
	}
	if g.Evaluate(dev.AggregateBps, time.Now()) {
		out.WouldTrigger = true
		g.Rollback()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal().Err(err).Msg("encode report")
	}
}
