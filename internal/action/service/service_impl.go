package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	actiondomain "github.com/smallbiznis/recoup/internal/action/domain"
	obsmetrics "github.com/smallbiznis/recoup/internal/observability/metrics"
	"github.com/smallbiznis/recoup/internal/orgcontext"
	recondomain "github.com/smallbiznis/recoup/internal/recon/domain"
	"github.com/smallbiznis/recoup/pkg/db/option"
	"github.com/smallbiznis/recoup/pkg/db/pagination"
	"github.com/smallbiznis/recoup/pkg/repository"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Results    recondomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	repo       repository.Repository[actiondomain.Action]
	results    recondomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) actiondomain.Service {
	return &Service{
		log:        p.Log.Named("action.service"),
		genID:      p.GenID,
		repo:       repository.ProvideStore[actiondomain.Action](p.DB),
		results:    p.Results,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Draft(ctx context.Context, req actiondomain.DraftRequest) (*actiondomain.Action, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, actiondomain.ErrInvalidOrganization
	}
	if !req.Kind.Valid() {
		return nil, actiondomain.ErrInvalidKind
	}

	result, err := s.results.GetResult(ctx, req.ResultID)
	if err != nil {
		return nil, err
	}
	if result.Status != recondomain.ResultStatusNew && result.Status != recondomain.ResultStatusReviewed {
		return nil, actiondomain.ErrResultNotDraftable
	}

	// Workflow only moves one step at a time; a NEW result passes through
	// REVIEWED on its way to ACTION_DRAFTED.
	if result.Status == recondomain.ResultStatusNew {
		if _, err := s.results.UpdateResultStatus(ctx, result.ID, recondomain.ResultStatusReviewed); err != nil {
			return nil, err
		}
	}
	if _, err := s.results.UpdateResultStatus(ctx, result.ID, recondomain.ResultStatusActionDrafted); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	action := &actiondomain.Action{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		ResultID:  result.ID,
		Kind:      req.Kind,
		Status:    actiondomain.StatusPending,
		Payload:   datatypes.JSONMap(req.Payload),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, action); err != nil {
		return nil, err
	}

	s.obsMetrics.RecordActionDraft(ctx, string(req.Kind))
	s.log.Info("action drafted",
		zap.String("action_id", action.ID.String()),
		zap.String("result_id", result.ID.String()),
		zap.String("kind", string(req.Kind)),
	)
	return action, nil
}

func (s *Service) Get(ctx context.Context, actionID snowflake.ID) (*actiondomain.Action, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, actiondomain.ErrInvalidOrganization
	}

	action, err := s.repo.FindOne(ctx, &actiondomain.Action{ID: actionID})
	if err != nil {
		return nil, err
	}
	if action == nil || action.OrgID != orgID {
		return nil, actiondomain.ErrActionNotFound
	}
	return action, nil
}

func (s *Service) List(ctx context.Context, req actiondomain.ListRequest) ([]actiondomain.Action, *pagination.PageInfo, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, nil, actiondomain.ErrInvalidOrganization
	}

	query := &actiondomain.Action{
		OrgID:    orgID,
		ResultID: req.ResultID,
		Kind:     req.Kind,
		Status:   req.Status,
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

	actions := make([]actiondomain.Action, 0, len(rows))
	for _, row := range rows {
		actions = append(actions, *row)
	}
	info := pagination.BuildPageInfo(total, req.Pagination)
	return actions, &info, nil
}

func (s *Service) Complete(ctx context.Context, actionID snowflake.ID, externalRef string) (*actiondomain.Action, error) {
	action, err := s.pending(ctx, actionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	action.Status = actiondomain.StatusSuccess
	action.ExternalRef = externalRef
	action.DispatchedAt = &now
	action.UpdatedAt = now
	if err := s.repo.Update(ctx, action.ID.String(), action); err != nil {
		return nil, err
	}

	if _, err := s.results.UpdateResultStatus(ctx, action.ResultID, recondomain.ResultStatusActionSent); err != nil {
		// The action is already dispatched; a stuck result status is an
		// operator problem, not a reason to report the dispatch failed.
		if !errors.Is(err, recondomain.ErrInvalidStatusTransition) {
			return nil, err
		}
		s.log.Warn("result not moved to ACTION_SENT",
			zap.String("result_id", action.ResultID.String()),
			zap.Error(err),
		)
	}
	return action, nil
}

func (s *Service) Fail(ctx context.Context, actionID snowflake.ID, reason string) (*actiondomain.Action, error) {
	action, err := s.pending(ctx, actionID)
	if err != nil {
		return nil, err
	}

	action.Status = actiondomain.StatusFailed
	action.ErrorReason = reason
	action.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, action.ID.String(), action); err != nil {
		return nil, err
	}
	return action, nil
}

func (s *Service) Cancel(ctx context.Context, actionID snowflake.ID) (*actiondomain.Action, error) {
	action, err := s.pending(ctx, actionID)
	if err != nil {
		return nil, err
	}

	action.Status = actiondomain.StatusCancelled
	action.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, action.ID.String(), action); err != nil {
		return nil, err
	}
	return action, nil
}

func (s *Service) pending(ctx context.Context, actionID snowflake.ID) (*actiondomain.Action, error) {
	action, err := s.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != actiondomain.StatusPending {
		return nil, actiondomain.ErrActionNotPending
	}
	return action, nil
}
