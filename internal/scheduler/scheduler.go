package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	attributiondomain "github.com/clinichq/attrio/internal/attribution/domain"
	auditdomain "github.com/clinichq/attrio/internal/audit/domain"
	"github.com/clinichq/attrio/internal/cache"
	"github.com/clinichq/attrio/internal/clock"
	commissiondomain "github.com/clinichq/attrio/internal/commission/domain"
	obscontext "github.com/clinichq/attrio/internal/observability/obscontext"
	obsmetrics "github.com/clinichq/attrio/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler requires db, log, services and clock")

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	CommissionSvc  commissiondomain.Service
	AttributionSvc attributiondomain.Service
	Locker         *cache.Locker       `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
	Config         Config              `optional:"true"`
}

type Scheduler struct {
	db             *gorm.DB
	log            *zap.Logger
	cfg            Config
	clock          clock.Clock
	commissionSvc  commissiondomain.Service
	attributionSvc attributiondomain.Service
	locker         *cache.Locker
	obsMetrics     *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.CommissionSvc == nil || p.AttributionSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:             p.DB,
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		clock:          p.Clock,
		commissionSvc:  p.CommissionSvc,
		attributionSvc: p.AttributionSvc,
		locker:         p.Locker,
		obsMetrics:     p.ObsMetrics,
	}, nil
}

// RunForever loops until the context is canceled. Jobs are idempotent
// so overlap with another instance is safe; the redis lock only trims
// duplicate work.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(parent, "approve_held_commissions", s.ApproveHeldCommissionsJob))
	if s.cfg.ReconcileEnabled {
		err = errors.Join(err, s.runJob(parent, "reconcile_ref_code_tags", s.ReconcileRefCodeTagsJob))
	}
	return err
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")

	if s.locker != nil {
		key := "attrio:scheduler:" + name
		token, acquired, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("job lock unavailable, running unlocked",
				zap.String("job", name), zap.Error(err))
		} else if !acquired {
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(ctx, key, token); err != nil {
					s.log.Warn("job lock release failed", zap.String("job", name), zap.Error(err))
				}
			}()
		}
	}

	err := fn(ctx)
	if s.obsMetrics != nil {
		s.obsMetrics.ObserveSweepDuration(parent, name, time.Since(start))
	}
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// ApproveHeldCommissionsJob moves PENDING events past their hold
// window to APPROVED.
func (s *Scheduler) ApproveHeldCommissionsJob(ctx context.Context) error {
	approved, err := s.commissionSvc.ApproveDue(ctx)
	if err != nil {
		return err
	}
	if approved > 0 {
		s.log.Info("hold sweep approved commissions", zap.Int64("count", approved))
	}
	return nil
}

// ReconcileRefCodeTagsJob retries tag-only attributions for clinics
// that still carry unresolved referral tags.
func (s *Scheduler) ReconcileRefCodeTagsJob(ctx context.Context) error {
	clinicIDs, err := s.clinicsWithTags(ctx)
	if err != nil {
		return err
	}

	var total int64
	for _, clinicID := range clinicIDs {
		reconciled, err := s.attributionSvc.ReconcileTaggedPatients(ctx, clinicID)
		if err != nil {
			s.log.Warn("tag reconciliation failed",
				zap.String("clinic_id", clinicID.String()),
				zap.Error(err),
			)
			continue
		}
		total += reconciled
	}
	if total > 0 {
		s.log.Info("reconciled tagged patients", zap.Int64("count", total))
	}
	return nil
}

func (s *Scheduler) clinicsWithTags(ctx context.Context) ([]snowflake.ID, error) {
	rows, err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT clinic_id FROM patients
		 WHERE referral_tag IS NOT NULL AND attributed_affiliate_id IS NULL`,
	).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []snowflake.ID
	for rows.Next() {
		var id snowflake.ID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
