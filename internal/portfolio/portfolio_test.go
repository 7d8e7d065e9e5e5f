package portfolio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer-go/internal/signal"
)

type mapQuotes map[string]signal.Quote

func (m mapQuotes) GetQuote(_ context.Context, asset string) (signal.Quote, error) {
	q, ok := m[asset]
	if !ok {
		return signal.Quote{}, errors.New("no quote")
	}
	return q, nil
}

func quoteAt(asset string, price int64, ts time.Time) signal.Quote {
	return signal.Quote{Asset: asset, Price: decimal.NewFromInt(price), ObservedAt: ts, Source: "test"}
}

func TestBuildValuesHoldings(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	provider := NewStaticProvider([]Holding{
		{Asset: "BTC", Quantity: decimal.RequireFromString("0.2")},
		{Asset: "ETH", Quantity: decimal.RequireFromString("2")},
	})
	quotes := mapQuotes{
		"BTC": quoteAt("BTC", 50000, now),
		"ETH": quoteAt("ETH", 2500, now),
	}

	snap, err := Build(context.Background(), provider, quotes, now)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if !snap.TotalValue.Equal(decimal.NewFromInt(15000)) {
		t.Fatalf("expected total 15000, got %s", snap.TotalValue)
	}
	if !snap.Values["BTC"].Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("expected BTC value 10000, got %s", snap.Values["BTC"])
	}
	if !snap.Values["ETH"].Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("expected ETH value 5000, got %s", snap.Values["ETH"])
	}
	if !snap.AsOf.Equal(now) {
		t.Fatalf("unexpected AsOf %s", snap.AsOf)
	}
}

func TestBuildAbortsOnMissingQuote(t *testing.T) {
	now := time.Now()
	provider := NewStaticProvider([]Holding{
		{Asset: "BTC", Quantity: decimal.NewFromInt(1)},
		{Asset: "ETH", Quantity: decimal.NewFromInt(1)},
	})
	quotes := mapQuotes{"BTC": quoteAt("BTC", 50000, now)}

	_, err := Build(context.Background(), provider, quotes, now)
	if !errors.Is(err, ErrInconsistentSnapshot) {
		t.Fatalf("expected ErrInconsistentSnapshot, got %v", err)
	}
}

func TestBuildRejectsNegativeQuantity(t *testing.T) {
	now := time.Now()
	provider := NewStaticProvider([]Holding{
		{Asset: "BTC", Quantity: decimal.NewFromInt(-1)},
	})
	_, err := Build(context.Background(), provider, mapQuotes{"BTC": quoteAt("BTC", 50000, now)}, now)
	if !errors.Is(err, ErrInconsistentSnapshot) {
		t.Fatalf("expected ErrInconsistentSnapshot, got %v", err)
	}
}

func TestStaticProviderCopies(t *testing.T) {
	holdings := []Holding{{Asset: "BTC", Quantity: decimal.NewFromInt(1)}}
	provider := NewStaticProvider(holdings)

	got, err := provider.GetSnapshot(context.Background())
	if err != nil {
		t.Fatalf("GetSnapshot returned error: %v", err)
	}
	got[0].Asset = "MUTATED"

	again, _ := provider.GetSnapshot(context.Background())
	if again[0].Asset != "BTC" {
		t.Fatalf("provider state leaked to callers")
	}

	provider.SetHoldings([]Holding{{Asset: "ETH", Quantity: decimal.NewFromInt(2)}})
	updated, _ := provider.GetSnapshot(context.Background())
	if len(updated) != 1 || updated[0].Asset != "ETH" {
		t.Fatalf("SetHoldings not applied: %+v", updated)
	}
}

func TestParseHolding(t *testing.T) {
	h, err := ParseHolding("BTC", "0.25")
	if err != nil {
		t.Fatalf("ParseHolding returned error: %v", err)
	}
	if !h.Quantity.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("unexpected quantity %s", h.Quantity)
	}
	if _, err := ParseHolding("BTC", "-1"); err == nil {
		t.Fatalf("expected error for negative quantity")
	}
	if _, err := ParseHolding("BTC", "abc"); err == nil {
		t.Fatalf("expected error for junk quantity")
	}
}
