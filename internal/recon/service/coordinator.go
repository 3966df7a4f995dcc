package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	auditdomain "github.com/smallbiznis/recoup/internal/audit/domain"
	entdomain "github.com/smallbiznis/recoup/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/recoup/internal/observability/metrics"
	"github.com/smallbiznis/recoup/internal/orgcontext"
	recondomain "github.com/smallbiznis/recoup/internal/recon/domain"
	"github.com/smallbiznis/recoup/internal/recon/engine"
	usagedomain "github.com/smallbiznis/recoup/internal/usagestore/domain"
)

// pairOutcome is one worker's verdict for one account/product pair.
type pairOutcome struct {
	pair      usagedomain.Pair
	leakValue decimal.Decimal
	emitted   bool
	err       error
	reason    string
}

// execute drives one run end to end: enumerate pairs, fan out to a bounded
// worker pool, collect outcomes and write the terminal run row. Pair
// failures are contained; only a pre-flight store failure aborts before any
// work starts.
func (s *Service) execute(ctx context.Context, run *recondomain.ReconRun) {
	started := time.Now()
	log := s.log.With(
		zap.String("run_id", run.ID.String()),
		zap.String("org_id", run.OrgID.String()),
		zap.Time("period_start", run.PeriodStart),
		zap.Time("period_end", run.PeriodEnd),
	)
	defer func() {
		obsmetrics.Recon().ObserveRunDuration(time.Since(started))
		s.cancels.Delete(run.ID)
	}()

	pairs, err := s.usage.ListActivePairs(ctx, run.OrgID, run.PeriodStart, run.PeriodEnd)
	if err != nil {
		log.Error("pair enumeration failed, aborting run", zap.Error(err))
		s.finish(run, 0, 0, decimal.Zero, 1, fmt.Sprintf("pair enumeration failed: %v", err))
		return
	}
	log.Info("run started", zap.Int("pairs", len(pairs)))

	resolver := s.entitlements.NewResolver(run.OrgID)

	workers := s.workers
	if workers > len(pairs) {
		workers = len(pairs)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan usagedomain.Pair)
	outcomes := make(chan pairOutcome, len(pairs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pair := range jobs {
				outcomes <- s.computePair(ctx, run, resolver, pair)
			}
		}()
	}

	// Dispatch stops on cancellation; in-flight pairs are left to finish
	// under their own budgets.
	go func() {
		defer close(jobs)
		for _, pair := range pairs {
			select {
			case jobs <- pair:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	// This goroutine is the single writer of the run aggregates; workers
	// never touch the run row.
	var (
		anomalies    int64
		totalLeak    = decimal.Zero
		processed    int64
		failures     int64
		firstFailure string
	)
	for outcome := range outcomes {
		processed++
		obsmetrics.Recon().IncPairProcessed()
		if outcome.err != nil {
			failures++
			obsmetrics.Recon().IncPairFailure(outcome.reason)
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("%s/%s: %v", outcome.pair.AccountID, outcome.pair.ProductID, outcome.err)
			}
			log.Warn("pair failed",
				zap.String("account_id", outcome.pair.AccountID),
				zap.String("product_id", outcome.pair.ProductID),
				zap.String("reason", outcome.reason),
				zap.Error(outcome.err),
			)
			continue
		}
		if outcome.emitted {
			anomalies++
			totalLeak = totalLeak.Add(outcome.leakValue)
		}
	}

	errMsg := terminalErrorMessage(ctx.Err() != nil, failures, firstFailure)
	if ctx.Err() != nil {
		failures++
	}

	s.finish(run, anomalies, processed, totalLeak, failures, errMsg)
	log.Info("run finished",
		zap.String("status", string(run.Status)),
		zap.Int64("anomalies_found", run.AnomaliesFound),
		zap.String("total_leak_value", run.TotalLeakValue.String()),
		zap.Int64("pair_failures", run.PairFailures),
	)
}

// computePair runs the per-pair pipeline under its own timeout: aggregate
// both series, pick the entitlement in effect, evaluate and persist. The
// budget is detached from run cancellation so an already dispatched pair
// still finishes.
func (s *Service) computePair(ctx context.Context, run *recondomain.ReconRun, resolver entdomain.Resolver, pair usagedomain.Pair) pairOutcome {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pairTimeout)
	defer cancel()

	outcome := pairOutcome{pair: pair}

	query := usagedomain.AggregateQuery{
		OrgID:       run.OrgID,
		AccountID:   pair.AccountID,
		ProductID:   pair.ProductID,
		PeriodStart: run.PeriodStart,
		PeriodEnd:   run.PeriodEnd,
	}
	actual, err := s.usage.AggregateActual(pctx, query)
	if err != nil {
		return outcome.fail(err)
	}
	reported, err := s.usage.AggregateReported(pctx, query)
	if err != nil {
		return outcome.fail(err)
	}

	ent, endsInPeriod, err := s.entitlementInEffect(pctx, run, resolver, pair, actual, reported)
	if err != nil {
		return outcome.fail(err)
	}

	input := engine.PairInput{
		AccountID:               pair.AccountID,
		ProductID:               pair.ProductID,
		PeriodStart:             run.PeriodStart,
		PeriodEnd:               run.PeriodEnd,
		Actual:                  actual,
		Reported:                reported,
		Entitlement:             ent,
		EntitlementEndsInPeriod: endsInPeriod,
	}

	if endsInPeriod {
		priorActual, priorReported, err := s.priorTotals(pctx, run, pair)
		if err != nil {
			return outcome.fail(err)
		}
		input.PriorActualTotal = priorActual
		input.PriorReportedTotal = priorReported
	}

	finding := engine.Evaluate(input, s.policy.Current())
	if finding == nil {
		return outcome
	}

	now := time.Now().UTC()
	result := &recondomain.ReconResult{
		ID:               s.genID.Generate(),
		RunID:            run.ID,
		OrgID:            run.OrgID,
		AccountID:        finding.AccountID,
		ProductID:        finding.ProductID,
		PeriodStart:      finding.PeriodStart,
		PeriodEnd:        finding.PeriodEnd,
		ActualUnits:      finding.ActualUnits,
		ReportedUnits:    finding.ReportedUnits,
		EntitlementUnits: finding.EntitlementUnits,
		OverageRate:      finding.OverageRate,
		LeakUnits:        finding.LeakUnits,
		LeakValue:        finding.LeakValue,
		AnomalyType:      finding.AnomalyType,
		Confidence:       finding.Confidence,
		Severity:         finding.Severity,
		Status:           recondomain.ResultStatusNew,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.CreateResult(pctx, result); err != nil {
		return outcome.fail(err)
	}

	leakValue, _ := finding.LeakValue.Float64()
	obsmetrics.Recon().ObserveLeakValue(leakValue)
	s.obsMetrics.RecordReconResult(pctx, string(finding.AnomalyType), string(finding.Severity))

	outcome.emitted = true
	outcome.leakValue = finding.LeakValue
	return outcome
}

// entitlementInEffect resolves every bucket of the pair and picks the
// entitlement covering the most buckets; ties go to the later period_start.
// The second return reports whether that entitlement expires inside the
// run's period.
func (s *Service) entitlementInEffect(
	ctx context.Context,
	run *recondomain.ReconRun,
	resolver entdomain.Resolver,
	pair usagedomain.Pair,
	actual, reported []usagedomain.BucketTotal,
) (*entdomain.Entitlement, bool, error) {
	buckets := make(map[time.Time]struct{}, len(actual)+len(reported))
	for _, row := range actual {
		buckets[row.TimeBucket.UTC()] = struct{}{}
	}
	for _, row := range reported {
		buckets[row.TimeBucket.UTC()] = struct{}{}
	}

	votes := make(map[int64]int)
	candidates := make(map[int64]*entdomain.Entitlement)
	for bucket := range buckets {
		ent, err := resolver.Resolve(ctx, pair.AccountID, pair.ProductID, bucket)
		if err != nil {
			return nil, false, err
		}
		if ent == nil {
			continue
		}
		votes[int64(ent.ID)]++
		candidates[int64(ent.ID)] = ent
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}

	var chosen *entdomain.Entitlement
	best := -1
	for id, ent := range candidates {
		count := votes[id]
		if count > best || (count == best && ent.PeriodStart.After(chosen.PeriodStart)) {
			best = count
			chosen = ent
		}
	}

	endsInPeriod := chosen.PeriodEnd.After(run.PeriodStart) && chosen.PeriodEnd.Before(run.PeriodEnd)
	return chosen, endsInPeriod, nil
}

// priorTotals sums both series over the window of equal length immediately
// before the run's period, for the drift classifier.
func (s *Service) priorTotals(ctx context.Context, run *recondomain.ReconRun, pair usagedomain.Pair) (decimal.Decimal, decimal.Decimal, error) {
	length := run.PeriodEnd.Sub(run.PeriodStart)
	query := usagedomain.AggregateQuery{
		OrgID:       run.OrgID,
		AccountID:   pair.AccountID,
		ProductID:   pair.ProductID,
		PeriodStart: run.PeriodStart.Add(-length),
		PeriodEnd:   run.PeriodStart,
	}

	actual, err := s.usage.AggregateActual(ctx, query)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	reported, err := s.usage.AggregateReported(ctx, query)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	sum := func(rows []usagedomain.BucketTotal) decimal.Decimal {
		total := decimal.Zero
		for _, row := range rows {
			total = total.Add(row.Units)
		}
		return total
	}
	return sum(actual), sum(reported), nil
}

// finish writes the terminal run row. It must succeed even when the run's
// own context is cancelled, so it uses a fresh bounded context.
func (s *Service) finish(run *recondomain.ReconRun, anomalies, processed int64, totalLeak decimal.Decimal, failures int64, errMsg string) {
	status := recondomain.RunStatusCompleted
	if failures > 0 {
		status = recondomain.RunStatusFailed
	}

	now := s.clock.Now()
	run.Status = status
	run.AnomaliesFound = anomalies
	run.TotalLeakValue = totalLeak
	run.PairsProcessed = processed
	run.PairFailures = failures
	run.ErrorMessage = errMsg
	run.FinishedAt = &now
	run.UpdatedAt = now

	ctx, cancel := context.WithTimeout(
		orgcontext.WithOrgID(context.Background(), int64(run.OrgID)),
		10*time.Second,
	)
	defer cancel()
	if err := s.repo.UpdateRun(ctx, run); err != nil {
		s.log.Error("failed to persist terminal run state",
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
	}

	obsmetrics.Recon().IncRunFinished(string(status))
	s.obsMetrics.RecordReconRun(ctx, string(status))
	s.recordAudit(ctx, auditdomain.Entry{
		Action:     "recon.run.finished",
		EntityType: "recon_run",
		EntityID:   run.ID.String(),
		After: map[string]any{
			"status":           string(status),
			"anomalies_found":  anomalies,
			"total_leak_value": totalLeak.String(),
			"pair_failures":    failures,
			"error_message":    errMsg,
		},
	})
}

// terminalErrorMessage summarizes why a run ended FAILED. Cancellation does
// not swallow pair failures that happened before it.
func terminalErrorMessage(cancelled bool, failures int64, firstFailure string) string {
	switch {
	case cancelled && failures > 0:
		return fmt.Sprintf("cancelled; %s (%d pair failure(s))", firstFailure, failures)
	case cancelled:
		return "cancelled"
	case failures > 0:
		return fmt.Sprintf("%s (%d pair failure(s))", firstFailure, failures)
	}
	return ""
}

// fail classifies the error for metrics and returns the failed outcome.
func (o pairOutcome) fail(err error) pairOutcome {
	o.err = err
	switch {
	case errors.Is(err, entdomain.ErrAmbiguousEntitlement):
		o.reason = "ambiguous_entitlement"
	case errors.Is(err, usagedomain.ErrStoreUnavailable):
		o.reason = "store_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		o.reason = "timeout"
	case errors.Is(err, context.Canceled):
		o.reason = "cancelled"
	default:
		o.reason = "other"
	}
	return o
}
