package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"rebalancer-go/internal/signal"
)

// Sink receives emitted rebalance signals. Delivery is at least once;
// consumers deduplicate by nonce.
type Sink interface {
	Publish(ctx context.Context, sig signal.RebalanceSignal) error
}

// LogSink writes signals to the log, the default sink for dry runs.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink wraps a logger as a sink.
func NewLogSink(log zerolog.Logger) *LogSink { return &LogSink{log: log} }

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, sig signal.RebalanceSignal) error {
	s.log.Info().
		Str("portfolio", sig.PortfolioID).
		Int64("deviation_bps", sig.DeviationBps).
		Uint64("nonce", sig.Nonce).
		Time("at", sig.Timestamp).
		Msg("rebalance requested")
	return nil
}

// ChanSink hands signals to the in-process listener loop.
type ChanSink struct {
	C chan signal.RebalanceSignal
}

// NewChanSink allocates the hand-off channel with some slack so a briefly
// busy listener does not fail the publication.
func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChanSink{C: make(chan signal.RebalanceSignal, buffer)}
}

// Publish implements Sink.
func (s *ChanSink) Publish(ctx context.Context, sig signal.RebalanceSignal) error {
	select {
	case s.C <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WebhookSink POSTs signals to an external event endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink targets the given endpoint.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Publish implements Sink.
func (s *WebhookSink) Publish(ctx context.Context, sig signal.RebalanceSignal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// MultiSink fans a signal out to every sink; the first failure aborts so the
// emitter's retry covers all of them (consumers deduplicate by nonce).
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(ctx context.Context, sig signal.RebalanceSignal) error {
	for _, sink := range m {
		if err := sink.Publish(ctx, sig); err != nil {
			return err
		}
	}
	return nil
}
