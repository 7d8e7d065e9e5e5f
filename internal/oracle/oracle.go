// Package oracle hosts price sources and the freshness-checked client the
// evaluation cycle reads quotes through.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"rebalancer-go/internal/metrics"
	"rebalancer-go/internal/signal"
)

var (
	// ErrStaleFeed marks a quote older than the configured max age.
	ErrStaleFeed = errors.New("stale price feed")
	// ErrInvalidFeed marks an unreachable source, a non-positive price, or a
	// quote timestamped in the future beyond clock-skew tolerance.
	ErrInvalidFeed = errors.New("invalid price feed")
)

// Source produces the latest observed quote for one asset.
type Source interface {
	Name() string
	Quote(ctx context.Context, asset string) (signal.Quote, error)
}

// Client enforces validity and freshness on top of a price source. Each call
// is independent per asset so one bad feed never blocks quotes for others;
// the caller decides whether a partial failure aborts the cycle.
type Client struct {
	source  Source
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger

	mu     sync.RWMutex
	maxAge time.Duration
	skew   time.Duration

	now func() time.Time
}

// NewClient wraps a source with a circuit breaker and freshness policy.
func NewClient(source Source, maxAge, skew time.Duration, log zerolog.Logger) *Client {
	settings := gobreaker.Settings{Name: source.Name()}
	settings.Interval = 60 * time.Second
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &Client{
		source:  source,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
		maxAge:  maxAge,
		skew:    skew,
		now:     time.Now,
	}
}

// SetFreshness updates the staleness policy; applied between cycles on
// config reload.
func (c *Client) SetFreshness(maxAge, skew time.Duration) {
	c.mu.Lock()
	c.maxAge = maxAge
	c.skew = skew
	c.mu.Unlock()
}

func (c *Client) freshness() (time.Duration, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxAge, c.skew
}

// GetQuote returns a validated, fresh quote for the asset.
func (c *Client) GetQuote(ctx context.Context, asset string) (signal.Quote, error) {
	v, err := c.breaker.Execute(func() (any, error) {
		q, err := c.source.Quote(ctx, asset)
		if err != nil {
			return nil, err
		}
		if q.Price.Sign() <= 0 {
			return nil, fmt.Errorf("non-positive price %s for %s", q.Price, asset)
		}
		return q, nil
	})
	if err != nil {
		return signal.Quote{}, fmt.Errorf("%w: %s: %v", ErrInvalidFeed, asset, err)
	}
	quote := v.(signal.Quote)

	maxAge, skew := c.freshness()
	now := c.now()
	if quote.ObservedAt.After(now.Add(skew)) {
		return signal.Quote{}, fmt.Errorf("%w: %s observed in the future at %s", ErrInvalidFeed, asset, quote.ObservedAt)
	}
	if now.Sub(quote.ObservedAt) > maxAge {
		return signal.Quote{}, fmt.Errorf("%w: %s observed at %s, max age %s", ErrStaleFeed, asset, quote.ObservedAt, maxAge)
	}

	metrics.QuotesTotal.WithLabelValues(asset, quote.Source).Inc()
	return quote, nil
}
