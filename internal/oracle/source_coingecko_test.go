package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCoinGeckoQuote(t *testing.T) {
	const body = `{"bitcoin":{"usd":50123.45,"last_updated_at":1767225600}}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "bitcoin" {
			t.Fatalf("unexpected ids query: %s", got)
		}
		if got := r.Header.Get("x-cg-demo-api-key"); got != "test-key" {
			t.Fatalf("expected api key header, got %q", got)
		}
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	src := NewCoinGeckoSource(server.URL, "test-key", "usd", map[string]string{"BTC": "bitcoin"})
	q, err := src.Quote(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("Quote returned error: %v", err)
	}
	if q.Price.String() != "50123.45" {
		t.Fatalf("unexpected price %s", q.Price)
	}
	if q.ObservedAt.Unix() != 1767225600 {
		t.Fatalf("unexpected observation time %s", q.ObservedAt)
	}
	if q.Source != SourceCoinGecko {
		t.Fatalf("unexpected source %s", q.Source)
	}
}

func TestCoinGeckoQuoteUnknownAsset(t *testing.T) {
	src := NewCoinGeckoSource("http://localhost:1", "", "usd", map[string]string{"BTC": "bitcoin"})
	if _, err := src.Quote(context.Background(), "DOGE"); err == nil {
		t.Fatalf("expected error for unmapped asset")
	}
}

func TestCoinGeckoQuoteBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	src := NewCoinGeckoSource(server.URL, "", "usd", map[string]string{"BTC": "bitcoin"})
	if _, err := src.Quote(context.Background(), "BTC"); err == nil {
		t.Fatalf("expected error for non-200 status")
	}
}
