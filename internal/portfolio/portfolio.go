// Package portfolio values holdings into an internally consistent snapshot.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer-go/internal/signal"
)

// ErrInconsistentSnapshot marks a snapshot with a holding that could not be
// valued by a matching quote.
var ErrInconsistentSnapshot = errors.New("inconsistent snapshot")

// Holding is one position as reported by the portfolio collaborator. The
// monitor only ever reads holdings, it never mutates them.
type Holding struct {
	Asset    string
	Quantity decimal.Decimal
}

// Snapshot is a point-in-time valuation of every holding. TotalValue is the
// sum of quantity times price across holdings.
type Snapshot struct {
	Holdings   []Holding
	Quotes     map[string]signal.Quote
	Values     map[string]decimal.Decimal
	TotalValue decimal.Decimal
	AsOf       time.Time
}

// Provider supplies the current holdings.
type Provider interface {
	GetSnapshot(ctx context.Context) ([]Holding, error)
}

// QuoteGetter is the oracle surface needed to value holdings.
type QuoteGetter interface {
	GetQuote(ctx context.Context, asset string) (signal.Quote, error)
}

// StaticProvider serves holdings fixed by configuration. Quantities change
// only through hot reload; custody and balance sync live elsewhere.
type StaticProvider struct {
	mu       sync.RWMutex
	holdings []Holding
}

// NewStaticProvider copies the given holdings.
func NewStaticProvider(holdings []Holding) *StaticProvider {
	p := &StaticProvider{}
	p.SetHoldings(holdings)
	return p
}

// SetHoldings replaces the holdings; applied between cycles on config reload.
func (p *StaticProvider) SetHoldings(holdings []Holding) {
	copied := make([]Holding, len(holdings))
	copy(copied, holdings)
	p.mu.Lock()
	p.holdings = copied
	p.mu.Unlock()
}

// GetSnapshot implements Provider. Callers get their own copy.
func (p *StaticProvider) GetSnapshot(context.Context) ([]Holding, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Holding, len(p.holdings))
	copy(out, p.holdings)
	return out, nil
}

// Build fetches a quote per holding and derives the total value. Quote
// fetches run concurrently since they are independent reads; the first
// failure aborts the build because a partially priced snapshot cannot yield
// a trustworthy deviation.
func Build(ctx context.Context, provider Provider, quotes QuoteGetter, asOf time.Time) (*Snapshot, error) {
	holdings, err := provider.GetSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("get holdings: %w", err)
	}
	for _, h := range holdings {
		if h.Quantity.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative quantity %s for %s", ErrInconsistentSnapshot, h.Quantity, h.Asset)
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Asset < holdings[j].Asset })

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	quoteByAsset := make(map[string]signal.Quote, len(holdings))

	for _, h := range holdings {
		wg.Add(1)
		go func(asset string) {
			defer wg.Done()
			q, err := quotes.GetQuote(fetchCtx, asset)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: %s: %v", ErrInconsistentSnapshot, asset, err)
					cancel()
				}
				return
			}
			quoteByAsset[asset] = q
		}(h.Asset)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	values := make(map[string]decimal.Decimal, len(holdings))
	total := decimal.Zero
	for _, h := range holdings {
		q, ok := quoteByAsset[h.Asset]
		if !ok {
			return nil, fmt.Errorf("%w: no quote for %s", ErrInconsistentSnapshot, h.Asset)
		}
		value := h.Quantity.Mul(q.Price)
		values[h.Asset] = values[h.Asset].Add(value)
		total = total.Add(value)
	}

	return &Snapshot{
		Holdings:   holdings,
		Quotes:     quoteByAsset,
		Values:     values,
		TotalValue: total,
		AsOf:       asOf,
	}, nil
}

// ParseHolding builds a holding from a decimal quantity string, as declared
// in configuration.
func ParseHolding(asset, quantity string) (Holding, error) {
	qty, err := decimal.NewFromString(quantity)
	if err != nil {
		return Holding{}, fmt.Errorf("quantity for %s: %w", asset, err)
	}
	if qty.Sign() < 0 {
		return Holding{}, fmt.Errorf("quantity for %s is negative", asset)
	}
	return Holding{Asset: asset, Quantity: qty}, nil
}
