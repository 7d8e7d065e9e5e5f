package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer-go/internal/signal"
)

// SourceCoinGecko identifies the HTTP simple-price source.
const SourceCoinGecko = "coingecko"

const defaultCoinGeckoBaseURL = "https://api.coingecko.com"

// CoinGeckoSource fetches per-asset spot prices from the CoinGecko
// simple-price endpoint.
type CoinGeckoSource struct {
	baseURL  string
	apiKey   string
	currency string
	ids      map[string]string // asset -> coingecko id (BTC -> bitcoin)
	client   *http.Client
}

// NewCoinGeckoSource maps assets to CoinGecko ids.
func NewCoinGeckoSource(baseURL, apiKey, currency string, ids map[string]string) *CoinGeckoSource {
	if baseURL == "" {
		baseURL = defaultCoinGeckoBaseURL
	}
	if currency == "" {
		currency = "usd"
	}
	return &CoinGeckoSource{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		currency: strings.ToLower(currency),
		ids:      ids,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Source.
func (c *CoinGeckoSource) Name() string { return SourceCoinGecko }

// Quote implements Source with one HTTP round trip per asset.
func (c *CoinGeckoSource) Quote(ctx context.Context, asset string) (signal.Quote, error) {
	id, ok := c.ids[asset]
	if !ok {
		return signal.Quote{}, fmt.Errorf("no coingecko id configured for %s", asset)
	}

	endpoint := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=%s&include_last_updated_at=true",
		c.baseURL, url.QueryEscape(id), url.QueryEscape(c.currency))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return signal.Quote{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return signal.Quote{}, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return signal.Quote{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var payload map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return signal.Quote{}, fmt.Errorf("decode response: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return signal.Quote{}, fmt.Errorf("no price entry for %s", id)
	}
	raw, ok := entry[c.currency]
	if !ok {
		return signal.Quote{}, fmt.Errorf("no %s price for %s", c.currency, id)
	}
	px, err := decimal.NewFromString(raw.String())
	if err != nil {
		return signal.Quote{}, fmt.Errorf("invalid price %q: %w", raw.String(), err)
	}

	observedAt := time.Now().UTC()
	if ts, ok := entry["last_updated_at"]; ok {
		if secs, err := ts.Int64(); err == nil && secs > 0 {
			observedAt = time.Unix(secs, 0).UTC()
		}
	}

	return signal.Quote{
		Asset:      asset,
		Price:      px,
		ObservedAt: observedAt,
		Source:     SourceCoinGecko,
	}, nil
}
