package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/clinichq/attrio/internal/affiliate/domain"
	attributiondomain "github.com/clinichq/attrio/internal/attribution/domain"
	auditdomain "github.com/clinichq/attrio/internal/audit/domain"
	"github.com/clinichq/attrio/internal/clock"
	commissiondomain "github.com/clinichq/attrio/internal/commission/domain"
	"github.com/clinichq/attrio/internal/config"
	obsmetrics "github.com/clinichq/attrio/internal/observability/metrics"
	"github.com/clinichq/attrio/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Policy         *config.PolicyHolder
	Repo           commissiondomain.Repository
	AffiliateRepo  affiliatedomain.Repository
	AttributionSvc attributiondomain.Service
	AuditSvc       auditdomain.Service `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	policy         *config.PolicyHolder
	repo           commissiondomain.Repository
	affiliateRepo  affiliatedomain.Repository
	attributionSvc attributiondomain.Service
	auditSvc       auditdomain.Service
	obsMetrics     *obsmetrics.Metrics
}

func NewService(p Params) commissiondomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("commission.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		policy:         p.Policy,
		repo:           p.Repo,
		affiliateRepo:  p.AffiliateRepo,
		attributionSvc: p.AttributionSvc,
		auditSvc:       p.AuditSvc,
		obsMetrics:     p.ObsMetrics,
	}
}

func (s *Service) RecordPaymentCommission(ctx context.Context, req commissiondomain.RecordPaymentRequest) (*commissiondomain.AffiliateCommissionEvent, error) {
	req.StripeEventID = strings.TrimSpace(req.StripeEventID)
	req.StripeObjectID = strings.TrimSpace(req.StripeObjectID)
	if req.ClinicID == 0 || req.PatientID == 0 || req.StripeEventID == "" || req.AmountCents <= 0 {
		return nil, commissiondomain.ErrInvalidEvent
	}

	patient, err := s.attributionSvc.GetPatient(ctx, req.ClinicID, req.PatientID)
	if err != nil {
		return nil, err
	}
	// No attribution is a valid business state, not an error.
	if patient.AttributedAffiliateID == nil {
		return nil, nil
	}
	affiliateID := *patient.AttributedAffiliateID

	existing, err := s.repo.FindEventByStripeEvent(ctx, s.db, affiliateID, req.StripeEventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.log.Info("commission event already recorded",
			zap.String("stripe_event_id", req.StripeEventID),
			zap.String("affiliate_id", affiliateID.String()),
		)
		return nil, nil
	}

	plan, err := s.resolvePlan(ctx, req.ClinicID, affiliateID)
	if err != nil {
		return nil, err
	}

	amountCents := plan.Amount(req.AmountCents)
	occurredAt := req.OccurredAt.UTC()
	holdUntil := occurredAt.AddDate(0, 0, plan.HoldDays)

	details := commissiondomain.CalculationDetails{
		PlanKind:        plan.Kind,
		PercentBps:      plan.PercentBps,
		FlatAmountCents: plan.FlatAmountCents,
		BaseAmountCents: req.AmountCents,
		HoldDays:        plan.HoldDays,
	}
	if plan.ID != 0 {
		details.PlanID = plan.ID.String()
	}
	calculation, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}

	event := &commissiondomain.AffiliateCommissionEvent{
		ID:              s.genID.Generate(),
		ClinicID:        req.ClinicID,
		AffiliateID:     affiliateID,
		PatientID:       &req.PatientID,
		EventType:       strings.TrimSpace(req.StripeEventType),
		StripeEventID:   req.StripeEventID,
		StripeObjectID:  req.StripeObjectID,
		BaseAmountCents: req.AmountCents,
		AmountCents:     amountCents,
		Status:          commissiondomain.StatusPending,
		HoldUntil:       &holdUntil,
		Calculation:     datatypes.JSON(calculation),
		CreatedAt:       s.clock.Now(),
		UpdatedAt:       s.clock.Now(),
	}
	if plan.ID != 0 {
		event.PlanID = &plan.ID
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertEvent(ctx, tx, event); err != nil {
			return err
		}
		return s.affiliateRepo.IncrementLifetime(ctx, tx, affiliateID, 0, req.AmountCents)
	})
	if err != nil {
		// Concurrent webhook replay can still race the pre-check.
		if db.IsDuplicateKeyErr(err) {
			s.log.Info("commission event raced a duplicate insert",
				zap.String("stripe_event_id", req.StripeEventID),
			)
			return nil, nil
		}
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordCommissionEvent(ctx, event.EventType)
	}
	s.audit(ctx, req.ClinicID, "commission.recorded", "commission_event", event.ID.String(), map[string]any{
		"affiliate_id": affiliateID.String(),
		"amount_cents": amountCents,
		"hold_until":   holdUntil.Format(time.RFC3339),
	})
	return event, nil
}

func (s *Service) ReverseCommissionForRefund(ctx context.Context, req commissiondomain.ReverseRequest) (*commissiondomain.AffiliateCommissionEvent, error) {
	req.StripeObjectID = strings.TrimSpace(req.StripeObjectID)
	if req.ClinicID == 0 || req.StripeObjectID == "" {
		return nil, commissiondomain.ErrInvalidEvent
	}
	switch req.Reason {
	case commissiondomain.ReasonRefund, commissiondomain.ReasonChargeback:
	default:
		return nil, commissiondomain.ErrInvalidReason
	}

	event, err := s.repo.FindOriginalByStripeObject(ctx, s.db, req.ClinicID, req.StripeObjectID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		s.log.Info("no commission event for refunded object",
			zap.String("stripe_object_id", req.StripeObjectID),
		)
		return nil, nil
	}
	if event.Status == commissiondomain.StatusReversed {
		s.log.Info("commission event already reversed",
			zap.String("commission_event_id", event.ID.String()),
		)
		return nil, nil
	}

	allowPaid := false
	if event.Status == commissiondomain.StatusPaid {
		plan, err := s.eventPlan(ctx, event)
		if err != nil {
			return nil, err
		}
		if plan == nil || !plan.ClawbackEnabled {
			s.log.Info("clawback disabled, leaving paid commission untouched",
				zap.String("commission_event_id", event.ID.String()),
				zap.String("reason", string(req.Reason)),
			)
			return nil, nil
		}
		allowPaid = true
	}

	now := s.clock.Now()
	affected, err := s.repo.MarkReversed(ctx, s.db, event.ID, allowPaid, string(req.Reason), now)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost a race with another reversal; the end state is the same.
		return nil, nil
	}

	event.Status = commissiondomain.StatusReversed
	reason := string(req.Reason)
	event.ReversalReason = &reason
	event.UpdatedAt = now

	if s.obsMetrics != nil {
		s.obsMetrics.RecordCommissionReversal(ctx, reason)
	}
	s.audit(ctx, req.ClinicID, "commission.reversed", "commission_event", event.ID.String(), map[string]any{
		"reason":       reason,
		"amount_cents": event.AmountCents,
	})
	return event, nil
}

func (s *Service) ApproveDue(ctx context.Context) (int64, error) {
	approved, err := s.repo.ApproveDue(ctx, s.db, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if approved > 0 {
		s.log.Info("approved held commissions", zap.Int64("count", approved))
		if s.obsMetrics != nil {
			s.obsMetrics.RecordCommissionsApproved(ctx, approved)
		}
	}
	return approved, nil
}

func (s *Service) CreatePlan(ctx context.Context, req commissiondomain.CreatePlanRequest) (*commissiondomain.CommissionPlan, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.ClinicID == 0 || req.Name == "" {
		return nil, commissiondomain.ErrInvalidPlan
	}
	switch req.Kind {
	case commissiondomain.PlanFlat:
		if req.FlatAmountCents <= 0 {
			return nil, commissiondomain.ErrInvalidPlan
		}
	case commissiondomain.PlanPercent:
		if req.PercentBps <= 0 || req.PercentBps > 10000 {
			return nil, commissiondomain.ErrInvalidPlan
		}
	default:
		return nil, commissiondomain.ErrInvalidPlan
	}
	if req.HoldDays < 0 {
		return nil, commissiondomain.ErrInvalidPlan
	}

	now := s.clock.Now()
	plan := &commissiondomain.CommissionPlan{
		ID:              s.genID.Generate(),
		ClinicID:        req.ClinicID,
		Name:            req.Name,
		Kind:            req.Kind,
		FlatAmountCents: req.FlatAmountCents,
		PercentBps:      req.PercentBps,
		HoldDays:        req.HoldDays,
		ClawbackEnabled: req.ClawbackEnabled,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.InsertPlan(ctx, s.db, plan); err != nil {
		return nil, err
	}

	s.audit(ctx, req.ClinicID, "commission.plan_created", "commission_plan", plan.ID.String(), map[string]any{
		"kind": string(req.Kind),
	})
	return plan, nil
}

func (s *Service) GetPlan(ctx context.Context, clinicID, planID snowflake.ID) (*commissiondomain.CommissionPlan, error) {
	plan, err := s.repo.FindPlan(ctx, s.db, clinicID, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, commissiondomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) ListEvents(ctx context.Context, req commissiondomain.ListEventsRequest) ([]*commissiondomain.AffiliateCommissionEvent, error) {
	if req.Limit <= 0 || req.Limit > 250 {
		req.Limit = 50
	}
	return s.repo.ListEvents(ctx, s.db, req)
}

// resolvePlan returns the affiliate's assigned plan, or a synthetic
// policy-default percent plan when none is assigned.
func (s *Service) resolvePlan(ctx context.Context, clinicID, affiliateID snowflake.ID) (*commissiondomain.CommissionPlan, error) {
	affiliate, err := s.affiliateRepo.FindByID(ctx, s.db, clinicID, affiliateID)
	if err != nil {
		return nil, err
	}
	if affiliate != nil && affiliate.CommissionPlanID != nil {
		plan, err := s.repo.FindPlan(ctx, s.db, clinicID, *affiliate.CommissionPlanID)
		if err != nil {
			return nil, err
		}
		if plan != nil && plan.Active {
			return plan, nil
		}
	}

	policy := s.policy.Get()
	return &commissiondomain.CommissionPlan{
		Kind:            commissiondomain.PlanPercent,
		PercentBps:      policy.DefaultCommissionPercentBps,
		HoldDays:        policy.DefaultHoldDays,
		ClawbackEnabled: true,
	}, nil
}

func (s *Service) eventPlan(ctx context.Context, event *commissiondomain.AffiliateCommissionEvent) (*commissiondomain.CommissionPlan, error) {
	if event.PlanID == nil {
		// Policy-default plans always allow clawback.
		return &commissiondomain.CommissionPlan{ClawbackEnabled: true}, nil
	}
	return s.repo.FindPlan(ctx, s.db, event.ClinicID, *event.PlanID)
}

func (s *Service) audit(ctx context.Context, clinicID snowflake.ID, action, resourceType, resourceID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, clinicID, action, resourceType, resourceID, metadata); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}
