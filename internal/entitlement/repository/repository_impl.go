package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/recoup/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) entitlementdomain.Repository {
	return &repo{db: db}
}

func (r *repo) WithTrx(tx *gorm.DB) entitlementdomain.Repository {
	return &repo{db: tx}
}

func (r *repo) ListByPair(ctx context.Context, orgID snowflake.ID, accountID, productID string) ([]entitlementdomain.Entitlement, error) {
	var rows []entitlementdomain.Entitlement
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND account_id = ? AND product_id = ?", orgID, accountID, productID).
		Order("period_start asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListOverlapping(ctx context.Context, orgID snowflake.ID, accountID, productID string, start, end time.Time) ([]entitlementdomain.Entitlement, error) {
	var rows []entitlementdomain.Entitlement
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND account_id = ? AND product_id = ?", orgID, accountID, productID).
		Where("period_start < ? AND period_end > ?", end, start).
		Order("period_start asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
