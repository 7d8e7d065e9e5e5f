package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"rebalancer-go/internal/agent"
	"rebalancer-go/internal/config"
	"rebalancer-go/internal/emit"
	"rebalancer-go/internal/gate"
	"rebalancer-go/internal/loop"
	"rebalancer-go/internal/metrics"
	"rebalancer-go/internal/oracle"
	"rebalancer-go/internal/portfolio"
	"rebalancer-go/internal/util"
)

func main() {
	_ = godotenv.Load() // best-effort

	path := os.Getenv("REBALANCER_CONFIG")
	if path == "" {
		path = "configs/config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		boot := util.NewLogger("info")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := gate.OpenStore(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	source, err := buildSource(ctx, cfg, log, cancel)
	if err != nil {
		log.Fatal().Err(err).Msg("build oracle source")
	}
	quotes := oracle.NewClient(source, cfg.MaxFeedAge(), cfg.ClockSkew(), util.Component(log, "oracle"))

	holdings, err := parseHoldings(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("parse holdings")
	}
	provider := portfolio.NewStaticProvider(holdings)

	g, err := gate.New(store, cfg.Policy.ThresholdBps, cfg.Cooldown(), util.Component(log, "gate"))
	if err != nil {
		log.Fatal().Err(err).Msg("load gate state")
	}

	chanSink := emit.NewChanSink(64)
	sink := emit.MultiSink{emit.NewLogSink(util.Component(log, "emit")), chanSink}
	if cfg.Emitter.WebhookURL != "" {
		sink = append(sink, emit.NewWebhookSink(cfg.Emitter.WebhookURL))
	}
	emitter := emit.NewEmitter(cfg.Portfolio.ID, sink, store,
		cfg.Emitter.PublishRetries, cfg.PublishBackoff(), util.Component(log, "emit"))

	invoker := agent.NewInvoker(cfg.Agent.URL, cfg.AgentTimeout(), util.Component(log, "agent"))

	watcher := config.NewWatcher(path, cfg, util.Component(log, "config"))
	watcher.OnChange(func(next *config.Config) {
		quotes.SetFreshness(next.MaxFeedAge(), next.ClockSkew())
		g.SetPolicy(next.Policy.ThresholdBps, next.Cooldown())
		invoker.SetTimeout(next.AgentTimeout())
		if h, err := parseHoldings(next); err == nil {
			provider.SetHoldings(h)
		} else {
			log.Error().Err(err).Msg("reloaded holdings rejected, keeping previous")
		}
	})
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("config watcher stopped")
		}
	}()

	l := loop.New(watcher.Current, provider, quotes, g, emitter, invoker, chanSink.C, util.Component(log, "loop"))

	log.Info().
		Str("portfolio", cfg.Portfolio.ID).
		Uint64("threshold_bps", cfg.Policy.ThresholdBps).
		Dur("cooldown", cfg.Cooldown()).
		Msg("rebalance monitor started")
	if err := l.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("monitor loop stopped")
	}
	log.Info().Msg("shutting down")
}

// buildSource constructs the configured price source. The binance source
// streams in the background; losing it permanently tears the process down so
// the supervisor restarts with a clean connection.
func buildSource(ctx context.Context, cfg *config.Config, log zerolog.Logger, cancel context.CancelFunc) (oracle.Source, error) {
	switch cfg.Oracle.Provider {
	case "stub":
		return oracle.NewStubSource(cfg.Oracle.StubPrices)
	case "coingecko":
		cg := cfg.Oracle.CoinGecko
		return oracle.NewCoinGeckoSource(cg.BaseURL, cg.APIKey, cg.QuoteCurrency, cg.IDs), nil
	case "binance":
		src := oracle.NewBinanceSource(cfg.Oracle.Binance.WSURL, cfg.Oracle.Binance.Pairs, util.Component(log, "binance"))
		go func() {
			if err := src.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("binance stream stopped")
				cancel()
			}
		}()
		return src, nil
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Oracle.Provider)
	}
}

func parseHoldings(cfg *config.Config) ([]portfolio.Holding, error) {
	holdings := make([]portfolio.Holding, 0, len(cfg.Portfolio.Holdings))
	for _, h := range cfg.Portfolio.Holdings {
		parsed, err := portfolio.ParseHolding(h.Asset, h.Quantity)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, parsed)
	}
	return holdings, nil
}
