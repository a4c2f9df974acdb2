package service

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/clinichq/attrio/internal/affiliate/domain"
	auditdomain "github.com/clinichq/attrio/internal/audit/domain"
	"github.com/clinichq/attrio/internal/clock"
	"github.com/clinichq/attrio/internal/config"
	obsmetrics "github.com/clinichq/attrio/internal/observability/metrics"
	payoutdomain "github.com/clinichq/attrio/internal/payout/domain"
	"github.com/clinichq/attrio/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Policy        *config.PolicyHolder
	Repo          payoutdomain.Repository
	AffiliateRepo affiliatedomain.Repository
	AuditSvc      auditdomain.Service `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	policy        *config.PolicyHolder
	repo          payoutdomain.Repository
	affiliateRepo affiliatedomain.Repository
	auditSvc      auditdomain.Service
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) payoutdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payout.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		policy:        p.Policy,
		repo:          p.Repo,
		affiliateRepo: p.AffiliateRepo,
		auditSvc:      p.AuditSvc,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *Service) RequestWithdrawal(ctx context.Context, req payoutdomain.WithdrawalRequest) (*payoutdomain.AffiliatePayout, error) {
	if req.ClinicID == 0 || req.AffiliateID == 0 || req.AmountCents <= 0 {
		return nil, payoutdomain.ErrInvalidWithdrawal
	}

	policy := s.policy.Get()
	// Rejected before any transaction is opened.
	if req.AmountCents < policy.MinimumPayoutCents {
		s.recordResult(ctx, "below_minimum")
		return nil, payoutdomain.ErrAmountBelowMinimum
	}

	txCtx, cancel := context.WithTimeout(ctx, time.Duration(policy.WithdrawalTxTimeoutSeconds)*time.Second)
	defer cancel()

	var payout *payoutdomain.AffiliatePayout
	run := func(tx *gorm.DB) error {
		locked, err := s.repo.LockAffiliate(txCtx, tx, req.ClinicID, req.AffiliateID)
		if err != nil {
			return err
		}
		if !locked {
			return affiliatedomain.ErrAffiliateNotFound
		}

		inflight, err := s.repo.CountInflight(txCtx, tx, req.AffiliateID)
		if err != nil {
			return err
		}
		if inflight > 0 {
			return payoutdomain.ErrPayoutAlreadyPending
		}

		method, err := s.affiliateRepo.FindDefaultVerifiedMethod(txCtx, tx, req.AffiliateID)
		if err != nil {
			return err
		}
		if method == nil {
			return payoutdomain.ErrNoVerifiedMethod
		}

		// Balance computed inside the transaction; a pre-transaction
		// read would race concurrent claims.
		available, err := s.repo.AvailableBalance(txCtx, tx, req.AffiliateID)
		if err != nil {
			return err
		}
		if req.AmountCents > available {
			return &payoutdomain.BalanceError{
				RequestedCents: req.AmountCents,
				AvailableCents: available,
			}
		}

		now := s.clock.Now()
		payout = &payoutdomain.AffiliatePayout{
			ID:             s.genID.Generate(),
			ClinicID:       req.ClinicID,
			AffiliateID:    req.AffiliateID,
			AmountCents:    req.AmountCents,
			FeeCents:       policy.PayoutFeeCents,
			NetAmountCents: req.AmountCents - policy.PayoutFeeCents,
			Status:         payoutdomain.StatusPending,
			PayoutMethodID: &method.ID,
			MethodType:     method.MethodType,
			RequestedAt:    now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.InsertPayout(txCtx, tx, payout); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return payoutdomain.ErrPayoutAlreadyPending
			}
			return err
		}

		assignable, err := s.repo.ListAssignable(txCtx, tx, req.AffiliateID)
		if err != nil {
			return err
		}

		// Greedy oldest-first, whole events only, stop at the target.
		var ids []snowflake.ID
		var assigned int64
		for _, event := range assignable {
			if assigned >= req.AmountCents {
				break
			}
			ids = append(ids, event.ID)
			assigned += event.AmountCents
		}
		if assigned < req.AmountCents {
			return &payoutdomain.BalanceError{
				RequestedCents: req.AmountCents,
				AvailableCents: assigned,
			}
		}

		affected, err := s.repo.AssignEvents(txCtx, tx, payout.ID, ids)
		if err != nil {
			return err
		}
		if affected != int64(len(ids)) {
			return payoutdomain.ErrWithdrawalConflict
		}
		return nil
	}

	var err error
	if db.IsPostgres(s.db) {
		err = s.db.WithContext(txCtx).Transaction(run, &sql.TxOptions{Isolation: sql.LevelSerializable})
	} else {
		err = s.db.WithContext(txCtx).Transaction(run)
	}
	if err != nil {
		if db.IsSerializationErr(err) {
			err = payoutdomain.ErrWithdrawalConflict
		}
		s.recordResult(ctx, "rejected")
		return nil, err
	}

	s.recordResult(ctx, "accepted")
	s.audit(ctx, req.ClinicID, "payout.requested", "payout", payout.ID.String(), map[string]any{
		"affiliate_id": req.AffiliateID.String(),
		"amount_cents": req.AmountCents,
	})
	return payout, nil
}

func (s *Service) MarkCompleted(ctx context.Context, clinicID, payoutID snowflake.ID) error {
	payout, err := s.repo.FindPayout(ctx, s.db, clinicID, payoutID)
	if err != nil {
		return err
	}
	if payout == nil {
		return payoutdomain.ErrPayoutNotFound
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		affected, err := s.repo.UpdatePayoutStatus(ctx, tx, payoutID,
			[]payoutdomain.PayoutStatus{payoutdomain.StatusPending, payoutdomain.StatusProcessing},
			payoutdomain.StatusCompleted, "")
		if err != nil {
			return err
		}
		if affected == 0 {
			return payoutdomain.ErrPayoutNotFound
		}
		return s.repo.MarkEventsPaid(ctx, tx, payoutID)
	})
	if err != nil {
		return err
	}

	s.audit(ctx, clinicID, "payout.completed", "payout", payoutID.String(), nil)
	return nil
}

func (s *Service) MarkFailed(ctx context.Context, clinicID, payoutID snowflake.ID, reason string) error {
	payout, err := s.repo.FindPayout(ctx, s.db, clinicID, payoutID)
	if err != nil {
		return err
	}
	if payout == nil {
		return payoutdomain.ErrPayoutNotFound
	}

	reason = strings.TrimSpace(reason)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		affected, err := s.repo.UpdatePayoutStatus(ctx, tx, payoutID,
			[]payoutdomain.PayoutStatus{payoutdomain.StatusPending, payoutdomain.StatusProcessing},
			payoutdomain.StatusFailed, reason)
		if err != nil {
			return err
		}
		if affected == 0 {
			return payoutdomain.ErrPayoutNotFound
		}
		// Funds flow back to the available balance.
		return s.repo.ReleaseEvents(ctx, tx, payoutID)
	})
	if err != nil {
		return err
	}

	s.audit(ctx, clinicID, "payout.failed", "payout", payoutID.String(), map[string]any{
		"reason": reason,
	})
	return nil
}

func (s *Service) Earnings(ctx context.Context, clinicID, affiliateID snowflake.ID) (*payoutdomain.Earnings, error) {
	affiliate, err := s.affiliateRepo.FindByID(ctx, s.db, clinicID, affiliateID)
	if err != nil {
		return nil, err
	}
	if affiliate == nil {
		return nil, affiliatedomain.ErrAffiliateNotFound
	}
	return s.repo.EarningsSummary(ctx, s.db, clinicID, affiliateID)
}

func (s *Service) ListPayouts(ctx context.Context, req payoutdomain.ListPayoutsRequest) ([]*payoutdomain.AffiliatePayout, error) {
	if req.Limit <= 0 || req.Limit > 250 {
		req.Limit = 50
	}
	return s.repo.ListPayouts(ctx, s.db, req)
}

func (s *Service) Leaderboard(ctx context.Context, clinicID snowflake.ID, limit int) ([]payoutdomain.LeaderboardEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	return s.repo.Leaderboard(ctx, s.db, clinicID, limit)
}

func (s *Service) recordResult(ctx context.Context, result string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordPayoutRequest(ctx, result)
	}
}

func (s *Service) audit(ctx context.Context, clinicID snowflake.ID, action, resourceType, resourceID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, clinicID, action, resourceType, resourceID, metadata); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}
