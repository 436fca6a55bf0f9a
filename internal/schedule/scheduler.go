// Package schedule triggers recurring inspection runs from stored cron
// expressions.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/orbitops/inspectd/internal/store"
)

const tickInterval = 30 * time.Second

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RunCreator admits a run. Implemented by the orchestrator.
type RunCreator interface {
	CreateRun(ctx context.Context, clusterID int64, itemIDs []int64, operator string) (*store.Run, error)
}

// Scheduler evaluates due schedules on a fixed tick.
type Scheduler struct {
	store   *store.Store
	creator RunCreator
	logger  *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a scheduler.
func New(st *store.Store, creator RunCreator, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:   st,
		creator: creator,
		logger:  logger,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// ValidateExpr reports whether expr is a valid five-field cron expression.
func ValidateExpr(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Tick triggers every enabled schedule whose next firing time has passed.
// Exposed for tests.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedules failed", zap.Error(err))
		return
	}
	now := s.now()
	for _, sc := range schedules {
		if !sc.Enabled || len(sc.ItemIDs) == 0 {
			continue
		}
		spec, err := cronParser.Parse(sc.CronExpr)
		if err != nil {
			s.logger.Warn("invalid cron expression",
				zap.Int64("schedule_id", sc.ID),
				zap.String("expr", sc.CronExpr),
			)
			continue
		}
		anchor := sc.CreatedAt
		if sc.LastRunAt != nil {
			anchor = *sc.LastRunAt
		}
		if spec.Next(anchor).After(now) {
			continue
		}

		run, err := s.creator.CreateRun(ctx, sc.ClusterID, sc.ItemIDs, "schedule:"+sc.Name)
		if err != nil {
			// License denials and missing clusters are operator problems,
			// not loop failures.
			s.logger.Warn("scheduled run rejected",
				zap.Int64("schedule_id", sc.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("scheduled run triggered",
			zap.Int64("schedule_id", sc.ID),
			zap.Int64("run_id", run.ID),
		)
		if err := s.store.MarkScheduleRun(ctx, sc.ID, now); err != nil {
			s.logger.Error("mark schedule run failed",
				zap.Int64("schedule_id", sc.ID),
				zap.Error(err),
			)
		}
	}
}
