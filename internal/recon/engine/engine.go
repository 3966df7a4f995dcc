// Package engine holds the pure reconciliation computation for one
// account/product pair over one period. It has no I/O; callers feed it
// pre-aggregated bucket totals and the entitlement in effect.
package engine

import (
	"time"

	"github.com/shopspring/decimal"

	entdomain "github.com/smallbiznis/recoup/internal/entitlement/domain"
	"github.com/smallbiznis/recoup/internal/pricing"
	recondomain "github.com/smallbiznis/recoup/internal/recon/domain"
	usagedomain "github.com/smallbiznis/recoup/internal/usagestore/domain"
)

// PairInput is everything the engine needs for one pair.
type PairInput struct {
	AccountID   string
	ProductID   string
	PeriodStart time.Time
	PeriodEnd   time.Time

	Actual   []usagedomain.BucketTotal
	Reported []usagedomain.BucketTotal

	// Entitlement is the contract covering the period, nil when none
	// resolves for any bucket.
	Entitlement *entdomain.Entitlement
	// EntitlementEndsInPeriod is set when the entitlement's end date falls
	// inside the period, the precondition for renewal drift.
	EntitlementEndsInPeriod bool

	// Prior-period totals for the same pair, used by the drift classifier.
	// Zero values mean no prior activity.
	PriorActualTotal   decimal.Decimal
	PriorReportedTotal decimal.Decimal
}

// Finding is the engine's verdict for one pair: at most one per call.
type Finding struct {
	AccountID   string
	ProductID   string
	PeriodStart time.Time
	PeriodEnd   time.Time

	ActualUnits      decimal.Decimal
	ReportedUnits    decimal.Decimal
	EntitlementUnits *decimal.Decimal
	OverageRate      *decimal.Decimal
	LeakUnits        decimal.Decimal
	LeakValue        decimal.Decimal

	AnomalyType recondomain.AnomalyType
	Confidence  float64
	Severity    recondomain.Severity
}

// Evaluate runs the full per-pair algorithm: totals, billable delta,
// classification, pricing, confidence and severity. It returns nil when
// the delta is zero or negative; over-reporting is not this detector's
// business.
func Evaluate(in PairInput, pol pricing.Policy) *Finding {
	actualTotal := sumUnits(in.Actual)
	reportedTotal := sumUnits(in.Reported)

	var (
		delta            decimal.Decimal
		billableActual   decimal.Decimal
		billableReported decimal.Decimal
		entitlementUnits *decimal.Decimal
		overageRate      *decimal.Decimal
	)

	if ent := in.Entitlement; ent != nil {
		included := ent.IncludedUnits
		entitlementUnits = &included
		if ent.OverageRate != nil {
			rate := *ent.OverageRate
			overageRate = &rate
		}
		billableActual = maxZero(actualTotal.Sub(included))
		billableReported = maxZero(reportedTotal.Sub(included))
		delta = billableActual.Sub(billableReported)
	} else {
		billableActual = actualTotal
		billableReported = reportedTotal
		delta = actualTotal.Sub(reportedTotal)
	}

	if delta.Sign() <= 0 {
		return nil
	}

	anomaly := classify(in, actualTotal, reportedTotal, billableActual, billableReported, pol.RenewalDrift)

	rate, priced := effectiveRate(in.ProductID, overageRate, pol)
	leakValue := decimal.Zero
	if priced {
		leakValue = delta.Mul(rate)
	}

	// The entitlement weight rewards a priced entitlement; a bare default
	// unit price keeps the leak valued but earns no extra confidence.
	entitled := priced && in.Entitlement != nil
	confidence := score(delta, actualTotal, entitled, bucketCount(in), pol.Confidence)
	if !priced && confidence > pol.Confidence.UnpricedCap {
		confidence = pol.Confidence.UnpricedCap
	}

	return &Finding{
		AccountID:        in.AccountID,
		ProductID:        in.ProductID,
		PeriodStart:      in.PeriodStart,
		PeriodEnd:        in.PeriodEnd,
		ActualUnits:      actualTotal,
		ReportedUnits:    reportedTotal,
		EntitlementUnits: entitlementUnits,
		OverageRate:      overageRate,
		LeakUnits:        delta,
		LeakValue:        leakValue,
		AnomalyType:      anomaly,
		Confidence:       confidence,
		Severity:         severity(leakValue, confidence, pol.Severity),
	}
}

// classify picks the anomaly type. MISSED_OVERAGE is checked before
// RENEWAL_DRIFT before UNDER_REPORTED; first match wins.
func classify(
	in PairInput,
	actualTotal, reportedTotal, billableActual, billableReported decimal.Decimal,
	drift pricing.RenewalDriftPolicy,
) recondomain.AnomalyType {
	if in.Entitlement != nil &&
		in.Entitlement.IncludedUnits.Sign() > 0 &&
		billableReported.Sign() == 0 &&
		billableActual.Sign() > 0 {
		return recondomain.AnomalyMissedOverage
	}

	if in.EntitlementEndsInPeriod && isRenewalDrift(in, actualTotal, reportedTotal, drift) {
		return recondomain.AnomalyRenewalDrift
	}

	return recondomain.AnomalyUnderReported
}

// isRenewalDrift detects a reported series that collapsed around a contract
// boundary while the actual series kept going: the signature of a renewal
// that never made it into billing.
func isRenewalDrift(in PairInput, actualTotal, reportedTotal decimal.Decimal, drift pricing.RenewalDriftPolicy) bool {
	if in.PriorReportedTotal.Sign() <= 0 {
		return false
	}

	reportedDrop := in.PriorReportedTotal.Sub(reportedTotal).Div(in.PriorReportedTotal)
	if reportedDrop.LessThan(decimal.NewFromFloat(drift.ReportedDropRatio)) {
		return false
	}

	actualDrop := decimal.Zero
	if in.PriorActualTotal.Sign() > 0 {
		actualDrop = maxZero(in.PriorActualTotal.Sub(actualTotal)).Div(in.PriorActualTotal)
	}
	return actualDrop.LessThan(reportedDrop.Mul(decimal.NewFromFloat(drift.ActualDropFactor)))
}

// effectiveRate returns the price applied to leaked units: the entitlement's
// overage rate when present, otherwise the configured default for the
// product. The second return is false when neither exists.
func effectiveRate(productID string, overageRate *decimal.Decimal, pol pricing.Policy) (decimal.Decimal, bool) {
	if overageRate != nil {
		return *overageRate, true
	}
	if price, ok := pol.DefaultUnitPrice(productID); ok {
		return price, true
	}
	return decimal.Zero, false
}

// score combines relative delta magnitude, entitlement presence and bucket
// coverage into a weighted confidence in [0,1]. Weights come from policy.
func score(delta, actualTotal decimal.Decimal, hasEntitlement bool, buckets int, w pricing.ConfidenceWeights) float64 {
	total := w.Magnitude + w.Entitlement + w.Coverage
	if total <= 0 {
		return 0
	}

	magnitude := 1.0
	if actualTotal.Sign() > 0 {
		magnitude, _ = delta.Div(actualTotal).Float64()
		if magnitude > 1 {
			magnitude = 1
		}
	}

	entitled := 0.0
	if hasEntitlement {
		entitled = 1.0
	}

	coverage := 1.0
	if w.CoverageTarget > 0 && buckets < w.CoverageTarget {
		coverage = float64(buckets) / float64(w.CoverageTarget)
	}

	s := (w.Magnitude*magnitude + w.Entitlement*entitled + w.Coverage*coverage) / total
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func severity(leakValue decimal.Decimal, confidence float64, t pricing.SeverityThresholds) recondomain.Severity {
	if leakValue.GreaterThanOrEqual(t.HighValue) || confidence >= t.HighConfidence {
		return recondomain.SeverityHigh
	}
	if leakValue.GreaterThanOrEqual(t.MediumValue) {
		return recondomain.SeverityMedium
	}
	return recondomain.SeverityLow
}

func sumUnits(rows []usagedomain.BucketTotal) decimal.Decimal {
	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.Units)
	}
	return total
}

// bucketCount counts distinct buckets across both series.
func bucketCount(in PairInput) int {
	seen := make(map[time.Time]struct{}, len(in.Actual)+len(in.Reported))
	for _, row := range in.Actual {
		seen[row.TimeBucket.UTC()] = struct{}{}
	}
	for _, row := range in.Reported {
		seen[row.TimeBucket.UTC()] = struct{}{}
	}
	return len(seen)
}

func maxZero(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return decimal.Zero
	}
	return d
}
