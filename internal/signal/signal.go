// Package signal standardizes payloads shared between price ingestion, the
// deviation engine, and the trigger pipeline.
package signal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote models the latest observed price for a single portfolio asset.
type Quote struct {
	Asset      string
	Price      decimal.Decimal
	ObservedAt time.Time
	Source     string
}

// DeviationReport captures how far a portfolio drifted from its target
// weights during one evaluation cycle.
type DeviationReport struct {
	// PerAssetBps is the signed deviation per asset: actual value share minus
	// target share, in basis points.
	PerAssetBps map[string]int64
	// AggregateBps is the unsigned magnitude the gate compares against the
	// trigger threshold.
	AggregateBps int64
	AsOf         time.Time
}

// RebalanceSignal is the single authoritative "rebalance requested" payload.
// The nonce is monotonically increasing so downstream consumers can
// deduplicate at-least-once deliveries.
type RebalanceSignal struct {
	PortfolioID  string    `json:"portfolio_id"`
	DeviationBps int64     `json:"deviation_bps"`
	Timestamp    time.Time `json:"timestamp"`
	Nonce        uint64    `json:"nonce"`
}
