// Package pricing provides the reconciliation policy: default unit prices,
// severity thresholds and confidence weights. Every tunable the engine
// consumes lives here.
package pricing

import (
	"github.com/shopspring/decimal"
)

// ConfidenceWeights tunes the engine's confidence score.
type ConfidenceWeights struct {
	// Magnitude weighs the relative size of the delta vs actual usage.
	Magnitude float64 `mapstructure:"magnitude"`
	// Entitlement weighs the presence of a priced entitlement.
	Entitlement float64 `mapstructure:"entitlement"`
	// Coverage weighs how many buckets contributed to the pair.
	Coverage float64 `mapstructure:"coverage"`
	// CoverageTarget is the bucket count at which coverage saturates.
	CoverageTarget int `mapstructure:"coverage_target"`
	// UnpricedCap caps confidence when no rate or default price exists.
	UnpricedCap float64 `mapstructure:"unpriced_cap"`
}

// RenewalDriftPolicy tunes the RENEWAL_DRIFT classifier.
type RenewalDriftPolicy struct {
	// ReportedDropRatio is the minimum relative drop of reported usage vs
	// the prior period for drift to be suspected.
	ReportedDropRatio float64 `mapstructure:"reported_drop_ratio"`
	// ActualDropFactor bounds how much of the reported drop the actual
	// series may mirror before the drop is considered organic.
	ActualDropFactor float64 `mapstructure:"actual_drop_factor"`
}

// SeverityThresholds holds the leak-value cut lines.
type SeverityThresholds struct {
	HighValue   decimal.Decimal
	MediumValue decimal.Decimal
	// HighConfidence promotes a result to HIGH regardless of value.
	HighConfidence float64
}

// Policy is one immutable snapshot of reconciliation tunables.
type Policy struct {
	// DefaultUnitPrices maps product ID to the fallback price used when a
	// pair has no priced entitlement.
	DefaultUnitPrices map[string]decimal.Decimal

	Severity     SeverityThresholds
	Confidence   ConfidenceWeights
	RenewalDrift RenewalDriftPolicy
}

// DefaultPolicy returns the baked-in defaults, used when no policy file is
// configured and as the base the file overrides.
func DefaultPolicy() Policy {
	return Policy{
		DefaultUnitPrices: map[string]decimal.Decimal{},
		Severity: SeverityThresholds{
			HighValue:      decimal.NewFromInt(1000),
			MediumValue:    decimal.NewFromInt(100),
			HighConfidence: 0.9,
		},
		Confidence: ConfidenceWeights{
			Magnitude:      0.5,
			Entitlement:    0.2,
			Coverage:       0.3,
			CoverageTarget: 7,
			UnpricedCap:    0.5,
		},
		RenewalDrift: RenewalDriftPolicy{
			ReportedDropRatio: 0.5,
			ActualDropFactor:  0.5,
		},
	}
}

// DefaultUnitPrice returns the fallback price for a product, if configured.
func (p Policy) DefaultUnitPrice(productID string) (decimal.Decimal, bool) {
	price, ok := p.DefaultUnitPrices[productID]
	return price, ok
}
