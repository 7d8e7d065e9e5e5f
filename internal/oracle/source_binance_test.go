package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDecodeBinanceTrade(t *testing.T) {
	assetByPair := map[string]string{"btcusdt": "BTC"}
	message := []byte(`{"stream":"btcusdt@trade","data":{"p":"50123.45","T":1767225600000}}`)

	quote, asset, err := decodeBinanceTrade(message, assetByPair)
	if err != nil {
		t.Fatalf("decodeBinanceTrade returned error: %v", err)
	}
	if asset != "BTC" {
		t.Fatalf("unexpected asset %s", asset)
	}
	if quote.Price.String() != "50123.45" {
		t.Fatalf("unexpected price %s", quote.Price)
	}
	if !quote.ObservedAt.Equal(time.UnixMilli(1767225600000)) {
		t.Fatalf("unexpected observation time %s", quote.ObservedAt)
	}
}

func TestDecodeBinanceTradeUnknownPair(t *testing.T) {
	message := []byte(`{"stream":"ethusdt@trade","data":{"p":"2500","T":1767225600000}}`)
	if _, _, err := decodeBinanceTrade(message, map[string]string{"btcusdt": "BTC"}); err == nil {
		t.Fatalf("expected error for unknown pair")
	}
}

func TestDecodeBinanceTradeBadPrice(t *testing.T) {
	message := []byte(`{"stream":"btcusdt@trade","data":{"p":"oops","T":1767225600000}}`)
	if _, _, err := decodeBinanceTrade(message, map[string]string{"btcusdt": "BTC"}); err == nil {
		t.Fatalf("expected error for bad price")
	}
}

func TestBinanceQuoteBeforeFirstTrade(t *testing.T) {
	src := NewBinanceSource("", map[string]string{"BTC": "BTCUSDT"}, zerolog.Nop())
	if _, err := src.Quote(context.Background(), "BTC"); err == nil {
		t.Fatalf("expected error before any trade is cached")
	}
}

func TestBinanceRunRequiresPairs(t *testing.T) {
	src := NewBinanceSource("", nil, zerolog.Nop())
	if err := src.Run(context.Background()); err == nil {
		t.Fatalf("expected error for empty pair set")
	}
}
