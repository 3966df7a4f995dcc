package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagestoredomain "github.com/smallbiznis/recoup/internal/usagestore/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) usagestoredomain.Repository {
	return &repo{db: db}
}

func (r *repo) AggregateActual(ctx context.Context, q usagestoredomain.AggregateQuery) ([]usagestoredomain.BucketTotal, error) {
	return r.aggregate(ctx, "usage_actual", q)
}

func (r *repo) AggregateReported(ctx context.Context, q usagestoredomain.AggregateQuery) ([]usagestoredomain.BucketTotal, error) {
	return r.aggregate(ctx, "usage_reported", q)
}

func (r *repo) aggregate(ctx context.Context, table string, q usagestoredomain.AggregateQuery) ([]usagestoredomain.BucketTotal, error) {
	stmt := r.db.WithContext(ctx).
		Table(table).
		Select("account_id, product_id, time_bucket, SUM(units) AS units").
		Where("org_id = ?", q.OrgID).
		Where("time_bucket >= ? AND time_bucket < ?", q.PeriodStart, q.PeriodEnd)
	if q.AccountID != "" {
		stmt = stmt.Where("account_id = ?", q.AccountID)
	}
	if q.ProductID != "" {
		stmt = stmt.Where("product_id = ?", q.ProductID)
	}

	var rows []usagestoredomain.BucketTotal
	err := stmt.
		Group("account_id, product_id, time_bucket").
		Order("account_id, product_id, time_bucket").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListActivePairs(ctx context.Context, orgID snowflake.ID, periodStart, periodEnd time.Time) ([]usagestoredomain.Pair, error) {
	var pairs []usagestoredomain.Pair
	err := r.db.WithContext(ctx).Raw(
		`SELECT account_id, product_id FROM usage_actual
		 WHERE org_id = ? AND time_bucket >= ? AND time_bucket < ?
		 UNION
		 SELECT account_id, product_id FROM usage_reported
		 WHERE org_id = ? AND time_bucket >= ? AND time_bucket < ?
		 ORDER BY account_id, product_id`,
		orgID, periodStart, periodEnd,
		orgID, periodStart, periodEnd,
	).Scan(&pairs).Error
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

func (r *repo) ListActiveOrgs(ctx context.Context, periodStart, periodEnd time.Time) ([]snowflake.ID, error) {
	var orgIDs []snowflake.ID
	err := r.db.WithContext(ctx).Raw(
		`SELECT DISTINCT org_id FROM usage_actual
		 WHERE time_bucket >= ? AND time_bucket < ?
		 ORDER BY org_id`,
		periodStart, periodEnd,
	).Scan(&orgIDs).Error
	if err != nil {
		return nil, err
	}
	return orgIDs, nil
}
