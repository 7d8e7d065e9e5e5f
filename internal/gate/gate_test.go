package gate

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newGate(t *testing.T) *Gate {
	t.Helper()
	g, err := New(nil, 500, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return g
}

func TestEvaluateFiresAboveThreshold(t *testing.T) {
	g := newGate(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !g.Evaluate(667, now) {
		t.Fatalf("expected gate to fire at 667bps with threshold 500")
	}
	if err := g.Commit(now); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if !g.LastTriggerAt().Equal(now) {
		t.Fatalf("expected LastTriggerAt %s, got %s", now, g.LastTriggerAt())
	}
}

func TestEvaluateThresholdIsStrict(t *testing.T) {
	g := newGate(t)
	now := time.Now()

	if g.Evaluate(500, now) {
		t.Fatalf("expected no fire exactly at threshold")
	}
	if !g.Evaluate(501, now) {
		t.Fatalf("expected fire just above threshold")
	}
}

func TestEvaluateRespectsCooldown(t *testing.T) {
	g := newGate(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !g.Evaluate(667, now) {
		t.Fatalf("expected first evaluation to fire")
	}
	if err := g.Commit(now); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}

	// 30 minutes into a 1 hour cooldown: no fire even above threshold.
	if g.Evaluate(667, now.Add(30*time.Minute)) {
		t.Fatalf("expected no fire inside cooldown")
	}
	// Exactly at the cooldown boundary: still closed (strict >).
	if g.Evaluate(667, now.Add(time.Hour)) {
		t.Fatalf("expected no fire exactly at cooldown boundary")
	}
	if !g.Evaluate(667, now.Add(time.Hour+time.Second)) {
		t.Fatalf("expected fire after cooldown elapsed")
	}
}

func TestRollbackLeavesGateUntouched(t *testing.T) {
	g := newGate(t)
	now := time.Now()

	if !g.Evaluate(667, now) {
		t.Fatalf("expected evaluation to fire")
	}
	g.Rollback()

	if !g.LastTriggerAt().IsZero() {
		t.Fatalf("rollback must not advance LastTriggerAt")
	}
	// The imbalance is still reportable on the next cycle.
	if !g.Evaluate(667, now.Add(time.Minute)) {
		t.Fatalf("expected re-fire after rollback")
	}
}

func TestReservationBlocksSecondEvaluation(t *testing.T) {
	g := newGate(t)
	now := time.Now()

	if !g.Evaluate(667, now) {
		t.Fatalf("expected first evaluation to reserve the gate")
	}
	if g.Evaluate(667, now) {
		t.Fatalf("expected reserved gate to refuse a second fire")
	}
}

func TestConcurrentEvaluationsFireAtMostOnce(t *testing.T) {
	g := newGate(t)
	now := time.Now()

	const racers = 32
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired int
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.Evaluate(667, now) {
				mu.Lock()
				fired++
				mu.Unlock()
				_ = g.Commit(now)
			}
		}()
	}
	close(start)
	wg.Wait()

	if fired != 1 {
		t.Fatalf("expected exactly one trigger, got %d", fired)
	}
}

func TestSetPolicyApplies(t *testing.T) {
	g := newGate(t)
	now := time.Now()

	g.SetPolicy(1000, time.Minute)
	if g.Evaluate(900, now) {
		t.Fatalf("expected no fire below raised threshold")
	}
	if !g.Evaluate(1100, now) {
		t.Fatalf("expected fire above raised threshold")
	}
}

func TestNegativeAggregateNeverFires(t *testing.T) {
	g := newGate(t)
	if g.Evaluate(-700, time.Now()) {
		t.Fatalf("expected no fire for negative aggregate")
	}
}
