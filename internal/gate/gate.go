// Package gate owns the threshold-plus-cooldown policy that authorizes
// rebalance triggers. GateState is the only mutable cross-cycle resource in
// the monitor and every write goes through this package.
package gate

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the persisted gate record. Idle versus cooldown is derived from
// LastTriggerAt and the current time on every evaluation, never stored as an
// enum, so stored state can never drift from the clock.
type State struct {
	LastTriggerAt time.Time // zero means no trigger has ever fired
	ThresholdBps  uint64
	Cooldown      time.Duration
}

// Persistence is the durable backing for the last trigger timestamp.
type Persistence interface {
	LastTrigger() (time.Time, error)
	SaveLastTrigger(t time.Time) error
}

// Gate decides whether a deviation report warrants a trigger. Evaluate
// reserves the gate when it would fire; the reservation is resolved with
// Commit after the signal is published, or Rollback if publication fails.
// The reservation makes concurrent evaluations safe: two racers can never
// both observe "no recent trigger" and both fire.
type Gate struct {
	mu       sync.Mutex
	state    State
	reserved bool
	store    Persistence
	log      zerolog.Logger
}

// New loads the last trigger timestamp from the store, if one is configured.
func New(store Persistence, thresholdBps uint64, cooldown time.Duration, log zerolog.Logger) (*Gate, error) {
	g := &Gate{
		state: State{ThresholdBps: thresholdBps, Cooldown: cooldown},
		store: store,
		log:   log,
	}
	if store != nil {
		last, err := store.LastTrigger()
		if err != nil {
			return nil, err
		}
		g.state.LastTriggerAt = last
	}
	return g, nil
}

// SetPolicy updates threshold and cooldown; applied between cycles on config
// reload.
func (g *Gate) SetPolicy(thresholdBps uint64, cooldown time.Duration) {
	g.mu.Lock()
	g.state.ThresholdBps = thresholdBps
	g.state.Cooldown = cooldown
	g.mu.Unlock()
}

// LastTriggerAt returns the timestamp of the last committed trigger.
func (g *Gate) LastTriggerAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.LastTriggerAt
}

// Evaluate reports whether a trigger is warranted for the aggregate
// deviation at the given instant, and reserves the gate when it is. The
// threshold comparison is strictly greater-than, and the cooldown only
// clears once strictly more than Cooldown has elapsed.
func (g *Gate) Evaluate(aggregateBps int64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reserved {
		return false
	}
	if aggregateBps <= 0 || uint64(aggregateBps) <= g.state.ThresholdBps {
		return false
	}
	if !g.state.LastTriggerAt.IsZero() && now.Sub(g.state.LastTriggerAt) <= g.state.Cooldown {
		return false
	}
	g.reserved = true
	return true
}

// Commit records the trigger instant and releases the reservation. Called
// only after the signal was published; a persistence failure is logged but
// does not undo the in-memory transition, so the process still honors the
// cooldown it just started.
func (g *Gate) Commit(now time.Time) error {
	g.mu.Lock()
	g.state.LastTriggerAt = now
	g.reserved = false
	store := g.store
	g.mu.Unlock()

	if store == nil {
		return nil
	}
	if err := store.SaveLastTrigger(now); err != nil {
		g.log.Error().Err(err).Msg("failed to persist gate state")
		return err
	}
	return nil
}

// Rollback releases the reservation without recording a trigger, leaving the
// gate exactly as it was before Evaluate. Used when publication fails so the
// imbalance is re-reported next cycle.
func (g *Gate) Rollback() {
	g.mu.Lock()
	g.reserved = false
	g.mu.Unlock()
}
