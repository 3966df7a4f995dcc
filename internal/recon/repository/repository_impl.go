package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	recondomain "github.com/smallbiznis/recoup/internal/recon/domain"
	"github.com/smallbiznis/recoup/pkg/db/option"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) recondomain.Repository {
	return &repo{db: db}
}

// CreateRun inserts the run guarded by a same-transaction check for an
// uncompleted run on the org+period, so two concurrent starts cannot both
// pass.
func (r *repo) CreateRun(ctx context.Context, run *recondomain.ReconRun) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&recondomain.ReconRun{}).
			Where("org_id = ? AND period_start = ? AND period_end = ? AND status = ?",
				run.OrgID, run.PeriodStart, run.PeriodEnd, recondomain.RunStatusRunning).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return recondomain.ErrRunAlreadyInProgress
		}
		return tx.Create(run).Error
	})
}

func (r *repo) UpdateRun(ctx context.Context, run *recondomain.ReconRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *repo) FindRun(ctx context.Context, runID snowflake.ID) (*recondomain.ReconRun, error) {
	var run recondomain.ReconRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *repo) ListRuns(ctx context.Context, orgID snowflake.ID, req recondomain.ListRunsRequest) ([]recondomain.ReconRun, int64, error) {
	stmt := r.db.WithContext(ctx).
		Model(&recondomain.ReconRun{}).
		Where("org_id = ?", orgID)
	if req.Status != "" {
		stmt = stmt.Where("status = ?", req.Status)
	}
	if !req.PeriodStart.IsZero() && !req.PeriodEnd.IsZero() {
		stmt = stmt.Where("period_start = ? AND period_end = ?", req.PeriodStart, req.PeriodEnd)
	}

	var total int64
	if err := stmt.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []recondomain.ReconRun
	err := option.ApplyPagination(req.Pagination).Apply(
		stmt.Order("started_at DESC, id DESC"),
	).Find(&runs).Error
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

func (r *repo) CreateResult(ctx context.Context, result *recondomain.ReconResult) error {
	return r.db.WithContext(ctx).Create(result).Error
}

func (r *repo) FindResult(ctx context.Context, resultID snowflake.ID) (*recondomain.ReconResult, error) {
	var result recondomain.ReconResult
	err := r.db.WithContext(ctx).First(&result, "id = ?", resultID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *repo) ListResults(ctx context.Context, orgID snowflake.ID, req recondomain.ListResultsRequest) ([]recondomain.ReconResult, int64, error) {
	stmt := r.db.WithContext(ctx).
		Model(&recondomain.ReconResult{}).
		Where("org_id = ?", orgID)

	for _, cond := range resultConditions(req) {
		stmt = option.ApplyOperator(cond).Apply(stmt)
	}

	var total int64
	if err := stmt.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var results []recondomain.ReconResult
	err := option.ApplyPagination(req.Pagination).Apply(
		stmt.Order("leak_value DESC, id DESC"),
	).Find(&results).Error
	if err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

func resultConditions(req recondomain.ListResultsRequest) []option.Condition {
	var conds []option.Condition
	if req.RunID != 0 {
		conds = append(conds, option.Condition{Field: "run_id", Op: option.EQ, Value: req.RunID})
	}
	if req.AccountID != "" {
		conds = append(conds, option.Condition{Field: "account_id", Op: option.EQ, Value: req.AccountID})
	}
	if req.ProductID != "" {
		conds = append(conds, option.Condition{Field: "product_id", Op: option.EQ, Value: req.ProductID})
	}
	if req.AnomalyType != "" {
		conds = append(conds, option.Condition{Field: "anomaly_type", Op: option.EQ, Value: req.AnomalyType})
	}
	if req.Status != "" {
		conds = append(conds, option.Condition{Field: "status", Op: option.EQ, Value: req.Status})
	}
	if req.Severity != "" {
		conds = append(conds, option.Condition{Field: "severity", Op: option.EQ, Value: req.Severity})
	}
	if !req.PeriodStart.IsZero() {
		conds = append(conds, option.Condition{Field: "period_start", Op: option.GTE, Value: req.PeriodStart})
	}
	if !req.PeriodEnd.IsZero() {
		conds = append(conds, option.Condition{Field: "period_end", Op: option.LTE, Value: req.PeriodEnd})
	}
	if req.MinLeakValue != nil {
		conds = append(conds, option.Condition{Field: "leak_value", Op: option.GTE, Value: *req.MinLeakValue})
	}
	if req.MinConfidence != nil {
		conds = append(conds, option.Condition{Field: "confidence", Op: option.GTE, Value: *req.MinConfidence})
	}
	return conds
}

// UpdateResultStatus persists only the workflow state, never the computed
// fields.
func (r *repo) UpdateResultStatus(ctx context.Context, result *recondomain.ReconResult) error {
	return r.db.WithContext(ctx).
		Model(&recondomain.ReconResult{}).
		Where("id = ?", result.ID).
		Updates(map[string]any{
			"status":     result.Status,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *repo) Summarize(ctx context.Context, orgID snowflake.ID) (*recondomain.Summary, error) {
	row := struct {
		OpenResults    int64
		OpenLeakValue  decimal.Decimal
		HighSeverity   int64
		MediumSeverity int64
		LowSeverity    int64
	}{}

	err := r.db.WithContext(ctx).Raw(
		`SELECT
		   COUNT(*) AS open_results,
		   COALESCE(SUM(leak_value), 0) AS open_leak_value,
		   COALESCE(SUM(CASE WHEN severity = 'HIGH' THEN 1 ELSE 0 END), 0) AS high_severity,
		   COALESCE(SUM(CASE WHEN severity = 'MEDIUM' THEN 1 ELSE 0 END), 0) AS medium_severity,
		   COALESCE(SUM(CASE WHEN severity = 'LOW' THEN 1 ELSE 0 END), 0) AS low_severity
		 FROM recon_results
		 WHERE org_id = ? AND status IN (?, ?)`,
		orgID, recondomain.ResultStatusNew, recondomain.ResultStatusReviewed,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}

	summary := &recondomain.Summary{
		OpenResults:    row.OpenResults,
		OpenLeakValue:  row.OpenLeakValue,
		HighSeverity:   row.HighSeverity,
		MediumSeverity: row.MediumSeverity,
		LowSeverity:    row.LowSeverity,
	}

	var last recondomain.ReconRun
	err = r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("started_at DESC, id DESC").
		First(&last).Error
	if err == nil {
		summary.LastRun = &last
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return summary, nil
}
