// Package emit publishes rebalance signals to external sinks.
package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"rebalancer-go/internal/metrics"
	"rebalancer-go/internal/signal"
)

// ErrPublishFailed marks an emission that exhausted its retry budget. The
// caller must not commit the gate in that case so the imbalance is reported
// again next cycle; a duplicate signal is always preferable to a missed one.
var ErrPublishFailed = errors.New("signal publication failed")

const maxPublishBackoff = 10 * time.Second

// NonceStore issues durable monotonic nonces and journals emitted signals.
// The gate store implements it.
type NonceStore interface {
	NextNonce() (uint64, error)
	Journal(sig signal.RebalanceSignal) error
}

// Emitter assigns nonces and publishes signals with bounded retry.
type Emitter struct {
	portfolioID string
	sink        Sink
	store       NonceStore
	retries     int
	backoff     time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// NewEmitter wires a sink and the nonce store.
func NewEmitter(portfolioID string, sink Sink, store NonceStore, retries int, backoff time.Duration, log zerolog.Logger) *Emitter {
	if retries < 0 {
		retries = 0
	}
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	return &Emitter{
		portfolioID: portfolioID,
		sink:        sink,
		store:       store,
		retries:     retries,
		backoff:     backoff,
		now:         time.Now,
		log:         log,
	}
}

// Emit builds the signal for the report and publishes it, retrying transient
// sink failures with capped exponential backoff. On success the signal is
// journaled and returned; only then may the caller commit the gate.
func (e *Emitter) Emit(ctx context.Context, report signal.DeviationReport) (signal.RebalanceSignal, error) {
	nonce, err := e.store.NextNonce()
	if err != nil {
		return signal.RebalanceSignal{}, fmt.Errorf("assign nonce: %w", err)
	}
	sig := signal.RebalanceSignal{
		PortfolioID:  e.portfolioID,
		DeviationBps: report.AggregateBps,
		Timestamp:    e.now().UTC(),
		Nonce:        nonce,
	}

	backoff := e.backoff
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return signal.RebalanceSignal{}, fmt.Errorf("%w: %v", ErrPublishFailed, ctx.Err())
			}
			if backoff *= 2; backoff > maxPublishBackoff {
				backoff = maxPublishBackoff
			}
		}
		if lastErr = e.sink.Publish(ctx, sig); lastErr == nil {
			if err := e.store.Journal(sig); err != nil {
				e.log.Warn().Err(err).Uint64("nonce", sig.Nonce).Msg("failed to journal signal")
			}
			metrics.SignalsTotal.Inc()
			e.log.Info().
				Str("portfolio", sig.PortfolioID).
				Int64("deviation_bps", sig.DeviationBps).
				Uint64("nonce", sig.Nonce).
				Msg("rebalance signal emitted")
			return sig, nil
		}
		metrics.PublishRetriesTotal.Inc()
		e.log.Warn().Err(lastErr).Uint64("nonce", sig.Nonce).Int("attempt", attempt+1).Msg("signal publish failed")
	}
	return signal.RebalanceSignal{}, fmt.Errorf("%w after %d attempts: %v", ErrPublishFailed, e.retries+1, lastErr)
}
