// Package scheduler starts a daily reconciliation run per active org,
// covering the previous UTC day.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/recoup/internal/clock"
	"github.com/smallbiznis/recoup/internal/config"
	"github.com/smallbiznis/recoup/internal/orgcontext"
	recondomain "github.com/smallbiznis/recoup/internal/recon/domain"
	usagedomain "github.com/smallbiznis/recoup/internal/usagestore/domain"
)

// Config controls the sweep cadence.
type Config struct {
	Enabled  bool
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	return c
}

type Param struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock
	Usage usagedomain.Service
	Recon recondomain.Service
}

// Scheduler sweeps active orgs and starts runs for periods that have closed.
type Scheduler struct {
	cfg   Config
	log   *zap.Logger
	clock clock.Clock
	usage usagedomain.Service
	recon recondomain.Service
}

func New(p Param) *Scheduler {
	return &Scheduler{
		cfg:   Config{Enabled: p.Cfg.SchedulerEnabled}.withDefaults(),
		log:   p.Log.Named("scheduler"),
		clock: p.Clock,
		usage: p.Usage,
		recon: p.Recon,
	}
}

// RunForever sweeps once immediately, then on every tick until ctx ends.
func (s *Scheduler) RunForever(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep starts one run per org with usage activity in the previous UTC
// day. An already running or previously completed period is skipped; the
// run-per-period history keeps this idempotent enough for hourly sweeps.
func (s *Scheduler) Sweep(ctx context.Context) {
	periodStart, periodEnd := previousDay(s.clock.Now())

	orgs, err := s.usage.ListActiveOrgs(ctx, periodStart, periodEnd)
	if err != nil {
		s.log.Error("active org enumeration failed", zap.Error(err))
		return
	}

	for _, orgID := range orgs {
		orgCtx := orgcontext.WithOrgID(ctx, int64(orgID))

		if done, err := s.alreadyCovered(orgCtx, periodStart, periodEnd); err != nil {
			s.log.Error("run history lookup failed", zap.String("org_id", orgID.String()), zap.Error(err))
			continue
		} else if done {
			continue
		}

		run, err := s.recon.StartRun(orgCtx, recondomain.StartRunRequest{
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
		})
		if errors.Is(err, recondomain.ErrRunAlreadyInProgress) {
			continue
		}
		if err != nil {
			s.log.Error("scheduled run failed to start",
				zap.String("org_id", orgID.String()),
				zap.Error(err),
			)
			continue
		}
		s.log.Info("scheduled run started",
			zap.String("org_id", orgID.String()),
			zap.String("run_id", run.ID.String()),
			zap.Time("period_start", periodStart),
			zap.Time("period_end", periodEnd),
		)
	}
}

// alreadyCovered reports whether any run, terminal or not, exists for the
// period. The scheduler never re-runs a period on its own; that is an
// operator decision. The period filter runs in the query, so a long run
// history cannot hide a covering run behind a page boundary.
func (s *Scheduler) alreadyCovered(ctx context.Context, periodStart, periodEnd time.Time) (bool, error) {
	runs, _, err := s.recon.ListRuns(ctx, recondomain.ListRunsRequest{
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	})
	if err != nil {
		return false, err
	}
	return len(runs) > 0, nil
}

func previousDay(now time.Time) (time.Time, time.Time) {
	end := now.UTC().Truncate(24 * time.Hour)
	return end.Add(-24 * time.Hour), end
}
