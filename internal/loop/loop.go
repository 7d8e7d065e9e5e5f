// Package loop drives periodic evaluation and forwards emitted signals to
// the decision agent. The two sides are decoupled so a slow or failing agent
// invocation never delays price evaluation.
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rebalancer-go/internal/config"
	"rebalancer-go/internal/deviation"
	"rebalancer-go/internal/emit"
	"rebalancer-go/internal/gate"
	"rebalancer-go/internal/metrics"
	"rebalancer-go/internal/portfolio"
	"rebalancer-go/internal/signal"
)

const (
	maxAgentBackoff = 30 * time.Second
	seenCap         = 1024
)

// Invoker hands a signal to the external decision agent.
type Invoker interface {
	Invoke(ctx context.Context, sig signal.RebalanceSignal) error
}

// Loop owns the evaluation schedule and the signal listener.
type Loop struct {
	cfg      func() *config.Config
	provider portfolio.Provider
	quotes   portfolio.QuoteGetter
	gate     *gate.Gate
	emitter  *emit.Emitter
	invoker  Invoker
	signals  <-chan signal.RebalanceSignal
	log      zerolog.Logger
	now      func() time.Time

	// evalMu enforces the single-writer discipline over gate state: at most
	// one evaluation cycle is ever in flight.
	evalMu sync.Mutex

	seenMu    sync.Mutex
	seen      map[uint64]struct{}
	seenOrder []uint64
}

// New wires the loop. cfg returns the current config snapshot so hot reloads
// apply between cycles without restarting anything.
func New(cfg func() *config.Config, provider portfolio.Provider, quotes portfolio.QuoteGetter,
	g *gate.Gate, emitter *emit.Emitter, invoker Invoker,
	signals <-chan signal.RebalanceSignal, log zerolog.Logger) *Loop {
	return &Loop{
		cfg:      cfg,
		provider: provider,
		quotes:   quotes,
		gate:     g,
		emitter:  emitter,
		invoker:  invoker,
		signals:  signals,
		log:      log,
		now:      time.Now,
		seen:     make(map[uint64]struct{}),
	}
}

// Run ticks evaluation cycles and consumes signals until the context is
// canceled. Cycle errors are logged and absorbed; every failure is scoped to
// its own cycle and the next tick retries from scratch.
func (l *Loop) Run(ctx context.Context) error {
	go l.runListener(ctx)

	interval := l.cfg().EvaluationInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.log.Info().Dur("interval", interval).Msg("evaluation loop started")
	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("evaluation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := l.Cycle(ctx); err != nil {
				l.log.Warn().Err(err).Msg("evaluation cycle failed")
			}
			if next := l.cfg().EvaluationInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				l.log.Info().Dur("interval", interval).Msg("evaluation interval updated")
			}
		}
	}
}

// Cycle runs one full evaluation: snapshot, deviation, gate, emission,
// commit. It computes, gates and emits under one lock so there is no window
// between checking and acting. If another cycle is still in flight the tick
// is skipped rather than queued; queued work would evaluate stale prices.
func (l *Loop) Cycle(ctx context.Context) error {
	if !l.evalMu.TryLock() {
		metrics.EvaluationsTotal.WithLabelValues("skipped").Inc()
		l.log.Debug().Msg("evaluation already in flight, skipping tick")
		return nil
	}
	defer l.evalMu.Unlock()

	cfg := l.cfg()
	now := l.now()

	snap, err := portfolio.Build(ctx, l.provider, l.quotes, now)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return err
	}

	report, err := deviation.Compute(snap,
		deviation.TargetsFromWeights(cfg.Policy.Targets),
		deviation.Options{Primary: cfg.Policy.PrimaryAsset, Aggregate: cfg.Policy.Aggregate})
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return err
	}
	for asset, bps := range report.PerAssetBps {
		metrics.DeviationBps.WithLabelValues(asset).Set(float64(bps))
	}

	if !l.gate.Evaluate(report.AggregateBps, now) {
		metrics.EvaluationsTotal.WithLabelValues("no_trigger").Inc()
		l.log.Debug().Int64("aggregate_bps", report.AggregateBps).Msg("no trigger warranted")
		return nil
	}

	sig, err := l.emitter.Emit(ctx, report)
	if err != nil {
		// Fail closed: the gate stays untouched so the imbalance is
		// re-reported next cycle.
		l.gate.Rollback()
		metrics.EvaluationsTotal.WithLabelValues("publish_failed").Inc()
		return err
	}
	if err := l.gate.Commit(now); err != nil {
		l.log.Error().Err(err).Msg("gate commit failed after publish")
	}

	metrics.EvaluationsTotal.WithLabelValues("triggered").Inc()
	l.log.Info().
		Int64("aggregate_bps", report.AggregateBps).
		Uint64("nonce", sig.Nonce).
		Msg("rebalance trigger committed")
	return nil
}

func (l *Loop) runListener(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-l.signals:
			if l.alreadySeen(sig.Nonce) {
				l.log.Debug().Uint64("nonce", sig.Nonce).Msg("duplicate signal dropped")
				continue
			}
			go l.handleSignal(ctx, sig)
		}
	}
}

// alreadySeen records the nonce and reports whether it was recorded before.
// Memory is bounded: once seenCap nonces are held the oldest is forgotten.
// Nonces are monotonic, so an evicted one can only recur if the publisher
// replays far beyond any sink buffer.
func (l *Loop) alreadySeen(nonce uint64) bool {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	if _, ok := l.seen[nonce]; ok {
		return true
	}
	l.seen[nonce] = struct{}{}
	l.seenOrder = append(l.seenOrder, nonce)
	if len(l.seenOrder) > seenCap {
		delete(l.seen, l.seenOrder[0])
		l.seenOrder = l.seenOrder[1:]
	}
	return false
}

// handleSignal invokes the agent with bounded retry. An exhausted budget is
// logged at error level for the operator channel; it never feeds back into
// the evaluation side.
func (l *Loop) handleSignal(ctx context.Context, sig signal.RebalanceSignal) {
	cfg := l.cfg()
	retries := cfg.Agent.MaxRetries
	if retries < 0 {
		retries = 0
	}
	backoff := cfg.AgentRetryBackoff()
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > maxAgentBackoff {
				backoff = maxAgentBackoff
			}
		}
		if lastErr = l.invoker.Invoke(ctx, sig); lastErr == nil {
			return
		}
		l.log.Warn().Err(lastErr).Uint64("nonce", sig.Nonce).Int("attempt", attempt+1).Msg("agent invocation failed")
	}
	l.log.Error().Err(lastErr).Uint64("nonce", sig.Nonce).Msg("agent invocation retry budget exhausted")
}
