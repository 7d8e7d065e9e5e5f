// Package agent invokes the external decision agent that turns a rebalance
// signal into a trade decision. The decision itself is out of scope here.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rebalancer-go/internal/metrics"
	"rebalancer-go/internal/signal"
)

// ErrAgentTimeout marks an invocation that exceeded its deadline. The
// listener retries these with backoff.
var ErrAgentTimeout = errors.New("agent invocation timed out")

// Invocation is the payload handed to the decision agent.
type Invocation struct {
	PortfolioID  string    `json:"portfolio_id"`
	DeviationBps int64     `json:"deviation_bps"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id"`
	Prompt       string    `json:"prompt"`
}

// Invoker calls the decision agent over HTTP, once per signal.
type Invoker struct {
	url    string
	client *http.Client
	log    zerolog.Logger

	mu      sync.RWMutex
	timeout time.Duration
}

// NewInvoker targets the agent endpoint with a per-call deadline.
func NewInvoker(url string, timeout time.Duration, log zerolog.Logger) *Invoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Invoker{
		url:     url,
		timeout: timeout,
		client:  &http.Client{},
		log:     log,
	}
}

// SetTimeout updates the per-call deadline; applied on config reload while
// invocations may be in flight.
func (i *Invoker) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	i.mu.Lock()
	i.timeout = timeout
	i.mu.Unlock()
}

func (i *Invoker) deadline() time.Duration {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.timeout
}

// Invoke posts the signal to the agent and waits for acknowledgement. Each
// attempt gets a fresh session id so the agent can keep attempts apart while
// the caller deduplicates by nonce.
func (i *Invoker) Invoke(ctx context.Context, sig signal.RebalanceSignal) error {
	ctx, cancel := context.WithTimeout(ctx, i.deadline())
	defer cancel()

	inv := Invocation{
		PortfolioID:  sig.PortfolioID,
		DeviationBps: sig.DeviationBps,
		Timestamp:    sig.Timestamp,
		SessionID:    fmt.Sprintf("rebalance_%s_%d_%s", sig.PortfolioID, sig.Nonce, uuid.NewString()),
		Prompt: fmt.Sprintf(
			"Automated trigger: rebalancing required for portfolio %s. Current deviation is %d basis points. Signal emitted at %s. Analyze and decide the necessary rebalancing trades.",
			sig.PortfolioID, sig.DeviationBps, sig.Timestamp.Format(time.RFC3339)),
	}
	body, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		metrics.AgentInvocationsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrAgentTimeout, err)
		}
		return fmt.Errorf("invoke agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.AgentInvocationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	metrics.AgentInvocationsTotal.WithLabelValues("ok").Inc()
	i.log.Info().
		Uint64("nonce", sig.Nonce).
		Str("session", inv.SessionID).
		Str("response", string(reply)).
		Msg("decision agent invoked")
	return nil
}
