package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/recoup/internal/audit/domain"
	"github.com/smallbiznis/recoup/internal/orgcontext"
	"github.com/smallbiznis/recoup/pkg/db/option"
	"github.com/smallbiznis/recoup/pkg/db/pagination"
	"github.com/smallbiznis/recoup/pkg/repository"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
	repo  repository.Repository[auditdomain.AuditLog]
}

func NewService(p ServiceParam) auditdomain.Service {
	return &Service{
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  repository.ProvideStore[auditdomain.AuditLog](p.DB),
	}
}

func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return auditdomain.ErrInvalidOrganization
	}
	if strings.TrimSpace(entry.Action) == "" {
		return auditdomain.ErrInvalidAction
	}

	actor := strings.TrimSpace(entry.Actor)
	if actor == "" {
		actor = "system"
	}

	return s.repo.Create(ctx, &auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		Actor:      actor,
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Before:     datatypes.JSONMap(entry.Before),
		After:      datatypes.JSONMap(entry.After),
		CreatedAt:  time.Now().UTC(),
	})
}

func (s *Service) List(ctx context.Context, req auditdomain.ListRequest) ([]auditdomain.AuditLog, *pagination.PageInfo, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, nil, auditdomain.ErrInvalidOrganization
	}

	query := &auditdomain.AuditLog{
		OrgID:      orgID,
		Action:     strings.TrimSpace(req.Action),
		EntityType: strings.TrimSpace(req.EntityType),
		EntityID:   strings.TrimSpace(req.EntityID),
	}

	total, err := s.repo.Count(ctx, query)
	if err != nil {
		return nil, nil, err
	}

	req.Pagination = req.Pagination.Normalize()
	rows, err := s.repo.Find(ctx, query,
		option.WithSortBy("created_at", "desc"),
		option.ApplyPagination(req.Pagination),
	)
	if err != nil {
		return nil, nil, err
	}

	logs := make([]auditdomain.AuditLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, *row)
	}
	info := pagination.BuildPageInfo(total, req.Pagination)
	return logs, &info, nil
}
