// Package deviation computes allocation drift between a valued snapshot and
// target weights.
package deviation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"rebalancer-go/internal/portfolio"
	"rebalancer-go/internal/signal"
)

// ErrEmptyPortfolio marks a snapshot with zero total value; no deviation is
// computable from it.
var ErrEmptyPortfolio = errors.New("portfolio has no value")

// Aggregate modes. AggregatePrimary triggers on the primary asset's drift
// alone; since target weights partition the portfolio, a two-asset book
// drifts symmetrically and the primary tells the whole story. AggregateMax
// takes the largest drift across all assets and must be opted into.
const (
	AggregatePrimary = "primary"
	AggregateMax     = "max"
)

var bpsScale = decimal.NewFromInt(10000)

// Options selects the primary asset and the aggregate metric.
type Options struct {
	Primary   string
	Aggregate string // AggregatePrimary when empty
}

// Compute derives the per-asset and aggregate deviation in basis points.
// It is a pure function: the same snapshot and targets always produce the
// same report.
func Compute(snap *portfolio.Snapshot, targets map[string]decimal.Decimal, opts Options) (signal.DeviationReport, error) {
	if snap == nil {
		return signal.DeviationReport{}, fmt.Errorf("nil snapshot")
	}
	if snap.TotalValue.Sign() == 0 {
		return signal.DeviationReport{}, ErrEmptyPortfolio
	}

	// Union of held and targeted assets: a holding with target weight zero
	// still contributes its full deviation, and a targeted asset with no
	// holding deviates by its full negative target.
	assets := make(map[string]struct{}, len(snap.Values)+len(targets))
	for asset := range snap.Values {
		assets[asset] = struct{}{}
	}
	for asset := range targets {
		assets[asset] = struct{}{}
	}

	perAsset := make(map[string]int64, len(assets))
	for asset := range assets {
		share := snap.Values[asset].Div(snap.TotalValue)
		bps := share.Sub(targets[asset]).Mul(bpsScale).Round(0)
		perAsset[asset] = bps.IntPart()
	}

	mode := opts.Aggregate
	if mode == "" {
		mode = AggregatePrimary
	}
	var aggregate int64
	switch mode {
	case AggregatePrimary:
		aggregate = abs(perAsset[opts.Primary])
	case AggregateMax:
		for _, bps := range perAsset {
			if a := abs(bps); a > aggregate {
				aggregate = a
			}
		}
	default:
		return signal.DeviationReport{}, fmt.Errorf("unknown aggregate mode %q", mode)
	}

	return signal.DeviationReport{
		PerAssetBps:  perAsset,
		AggregateBps: aggregate,
		AsOf:         snap.AsOf,
	}, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// TargetsFromWeights converts configured float weights into decimals.
func TargetsFromWeights(weights map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(weights))
	for asset, w := range weights {
		out[asset] = decimal.NewFromFloat(w)
	}
	return out
}
