package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer-go/internal/signal"
)

// SourceStub identifies the deterministic offline source.
const SourceStub = "stub"

// StubSource serves fixed prices, useful offline and in tests.
type StubSource struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	now    func() time.Time
}

// NewStubSource parses the configured asset -> decimal price table.
func NewStubSource(prices map[string]string) (*StubSource, error) {
	parsed := make(map[string]decimal.Decimal, len(prices))
	for asset, raw := range prices {
		px, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("stub price for %s: %w", asset, err)
		}
		parsed[asset] = px
	}
	return &StubSource{prices: parsed, now: time.Now}, nil
}

// SetPrice replaces the stub price for one asset.
func (s *StubSource) SetPrice(asset string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[asset] = price
	s.mu.Unlock()
}

// Name implements Source.
func (s *StubSource) Name() string { return SourceStub }

// Quote implements Source. Every quote is observed "now" so the stub never
// goes stale on its own.
func (s *StubSource) Quote(_ context.Context, asset string) (signal.Quote, error) {
	s.mu.RLock()
	px, ok := s.prices[asset]
	s.mu.RUnlock()
	if !ok {
		return signal.Quote{}, fmt.Errorf("no stub price for %s", asset)
	}
	return signal.Quote{
		Asset:      asset,
		Price:      px,
		ObservedAt: s.now(),
		Source:     SourceStub,
	}, nil
}
