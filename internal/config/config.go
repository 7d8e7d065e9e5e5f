// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// weightEpsilon bounds how far target weights may drift from summing to 1.
const weightEpsilon = 1e-6

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// CoinGecko configures the HTTP simple-price oracle source.
type CoinGecko struct {
	BaseURL       string            `yaml:"base_url"`
	APIKey        string            `yaml:"api_key"`
	QuoteCurrency string            `yaml:"quote_currency"`
	IDs           map[string]string `yaml:"ids"` // asset -> coingecko id, e.g. BTC -> bitcoin
}

// Binance configures the websocket trade-stream oracle source.
type Binance struct {
	WSURL string            `yaml:"ws_url"`
	Pairs map[string]string `yaml:"pairs"` // asset -> stream pair, e.g. BTC -> btcusdt
}

// Oracle selects a price source and its freshness policy.
type Oracle struct {
	Provider     string            `yaml:"provider"` // stub | binance | coingecko
	MaxFeedAgeMs int               `yaml:"max_feed_age_ms"`
	ClockSkewMs  int               `yaml:"clock_skew_ms"`
	StubPrices   map[string]string `yaml:"stub_prices"`
	CoinGecko    CoinGecko         `yaml:"coingecko"`
	Binance      Binance           `yaml:"binance"`
}

// HoldingConfig declares one portfolio position. Quantities are decimal
// strings so config round-trips without float loss.
type HoldingConfig struct {
	Asset    string `yaml:"asset"`
	Quantity string `yaml:"quantity"`
}

// Portfolio identifies the monitored portfolio and its holdings source.
type Portfolio struct {
	ID       string          `yaml:"id"`
	Holdings []HoldingConfig `yaml:"holdings"`
}

// Policy encodes the rebalance trigger rules.
type Policy struct {
	ThresholdBps           uint64             `yaml:"threshold_bps"`
	CooldownSecs           int                `yaml:"cooldown_secs"`
	EvaluationIntervalSecs int                `yaml:"evaluation_interval_secs"`
	PrimaryAsset           string             `yaml:"primary_asset"`
	Aggregate              string             `yaml:"aggregate"` // primary (default) | max
	Targets                map[string]float64 `yaml:"targets"`
}

// Emitter configures signal publication.
type Emitter struct {
	WebhookURL       string `yaml:"webhook_url"`
	PublishRetries   int    `yaml:"publish_retries"`
	PublishBackoffMs int    `yaml:"publish_backoff_ms"`
}

// Agent configures the external decision agent endpoint.
type Agent struct {
	URL            string `yaml:"url"`
	TimeoutMs      int    `yaml:"timeout_ms"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
}

// Store locates the sqlite database backing gate state and nonces.
type Store struct {
	Path string `yaml:"path"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app"`
	Oracle    Oracle    `yaml:"oracle"`
	Portfolio Portfolio `yaml:"portfolio"`
	Policy    Policy    `yaml:"policy"`
	Emitter   Emitter   `yaml:"emitter"`
	Agent     Agent     `yaml:"agent"`
	Store     Store     `yaml:"store"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configs that could never drive a trustworthy evaluation.
func (c *Config) Validate() error {
	if c.Portfolio.ID == "" {
		return fmt.Errorf("portfolio.id required")
	}
	if c.Policy.ThresholdBps == 0 {
		return fmt.Errorf("policy.threshold_bps must be positive")
	}
	if c.Policy.CooldownSecs <= 0 {
		return fmt.Errorf("policy.cooldown_secs must be positive")
	}
	if c.Policy.EvaluationIntervalSecs <= 0 {
		return fmt.Errorf("policy.evaluation_interval_secs must be positive")
	}
	if len(c.Policy.Targets) == 0 {
		return fmt.Errorf("policy.targets required")
	}
	sum := 0.0
	for asset, w := range c.Policy.Targets {
		if w < 0 || w > 1 {
			return fmt.Errorf("target weight for %s out of range: %f", asset, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("target weights sum to %f, want 1", sum)
	}
	if _, ok := c.Policy.Targets[c.Policy.PrimaryAsset]; !ok {
		return fmt.Errorf("policy.primary_asset %q not present in targets", c.Policy.PrimaryAsset)
	}
	switch c.Policy.Aggregate {
	case "", "primary", "max":
	default:
		return fmt.Errorf("policy.aggregate %q unknown (want primary or max)", c.Policy.Aggregate)
	}
	if c.Oracle.MaxFeedAgeMs <= 0 {
		return fmt.Errorf("oracle.max_feed_age_ms must be positive")
	}
	// A negative skew would make every freshly observed quote look like it
	// came from the future.
	if c.Oracle.ClockSkewMs < 0 {
		return fmt.Errorf("oracle.clock_skew_ms must not be negative")
	}
	return nil
}

// MaxFeedAge returns the oldest a quote may be before it counts as stale.
func (c *Config) MaxFeedAge() time.Duration {
	return time.Duration(c.Oracle.MaxFeedAgeMs) * time.Millisecond
}

// ClockSkew returns the forward clock-skew tolerance for quote timestamps.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.Oracle.ClockSkewMs) * time.Millisecond
}

// Cooldown returns the minimum spacing between successive triggers.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Policy.CooldownSecs) * time.Second
}

// EvaluationInterval returns the cadence of the evaluation loop.
func (c *Config) EvaluationInterval() time.Duration {
	return time.Duration(c.Policy.EvaluationIntervalSecs) * time.Second
}

// AgentTimeout returns the per-invocation agent deadline.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutMs) * time.Millisecond
}

// PublishBackoff returns the initial backoff between publication retries.
func (c *Config) PublishBackoff() time.Duration {
	return time.Duration(c.Emitter.PublishBackoffMs) * time.Millisecond
}

// AgentRetryBackoff returns the initial backoff between agent retry attempts.
func (c *Config) AgentRetryBackoff() time.Duration {
	return time.Duration(c.Agent.RetryBackoffMs) * time.Millisecond
}
