package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rebalancer-go/internal/signal"
)

// SourceBinance identifies the websocket trade-stream source.
const SourceBinance = "binance"

const defaultBinanceWSURL = "wss://stream.binance.com:9443/stream"

type binanceEnvelope struct {
	Stream string       `json:"stream"`
	Data   binanceTrade `json:"data"`
}

type binanceTrade struct {
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// BinanceSource streams trades for the configured pairs and caches the most
// recent price per asset. Quote reads are served from the cache; staleness is
// the client's call based on the trade timestamp.
type BinanceSource struct {
	wsURL string
	pairs map[string]string // asset -> stream pair (BTC -> btcusdt)
	log   zerolog.Logger

	mu     sync.RWMutex
	latest map[string]signal.Quote
}

// NewBinanceSource maps assets to their stream pairs.
func NewBinanceSource(wsURL string, pairs map[string]string, log zerolog.Logger) *BinanceSource {
	if wsURL == "" {
		wsURL = defaultBinanceWSURL
	}
	normalized := make(map[string]string, len(pairs))
	for asset, pair := range pairs {
		normalized[asset] = strings.ToLower(strings.TrimSpace(pair))
	}
	return &BinanceSource{
		wsURL:  wsURL,
		pairs:  normalized,
		log:    log,
		latest: make(map[string]signal.Quote),
	}
}

// Name implements Source.
func (b *BinanceSource) Name() string { return SourceBinance }

// Quote implements Source from the stream cache.
func (b *BinanceSource) Quote(_ context.Context, asset string) (signal.Quote, error) {
	b.mu.RLock()
	q, ok := b.latest[asset]
	b.mu.RUnlock()
	if !ok {
		return signal.Quote{}, fmt.Errorf("no trade observed yet for %s", asset)
	}
	return q, nil
}

// Run maintains the stream until the context is canceled, reconnecting with
// capped backoff.
func (b *BinanceSource) Run(ctx context.Context) error {
	if len(b.pairs) == 0 {
		return fmt.Errorf("binance source requires at least one pair")
	}

	streams := make([]string, 0, len(b.pairs))
	assetByPair := make(map[string]string, len(b.pairs))
	for asset, pair := range b.pairs {
		streams = append(streams, pair+"@trade")
		assetByPair[pair] = asset
	}

	url := fmt.Sprintf("%s?streams=%s", b.wsURL, strings.Join(streams, "/"))
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := b.consumeStream(ctx, url, assetByPair); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn().Err(err).Msg("binance stream disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

func (b *BinanceSource) consumeStream(ctx context.Context, url string, assetByPair map[string]string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	b.log.Info().Str("source", SourceBinance).Int("pairs", len(assetByPair)).Msg("connected price stream")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					b.log.Warn().Err(err).Msg("binance ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		quote, asset, err := decodeBinanceTrade(message, assetByPair)
		if err != nil {
			b.log.Warn().Err(err).Msg("failed to decode binance message")
			continue
		}
		b.mu.Lock()
		b.latest[asset] = quote
		b.mu.Unlock()
	}
}

func decodeBinanceTrade(message []byte, assetByPair map[string]string) (signal.Quote, string, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return signal.Quote{}, "", err
	}
	pair := strings.SplitN(env.Stream, "@", 2)[0]
	asset, ok := assetByPair[pair]
	if !ok {
		return signal.Quote{}, "", fmt.Errorf("trade for unknown pair %q", pair)
	}
	px, err := decimal.NewFromString(env.Data.Price)
	if err != nil {
		return signal.Quote{}, "", fmt.Errorf("invalid price from binance: %w", err)
	}
	return signal.Quote{
		Asset:      asset,
		Price:      px,
		ObservedAt: time.UnixMilli(env.Data.TradeTime),
		Source:     SourceBinance,
	}, asset, nil
}
