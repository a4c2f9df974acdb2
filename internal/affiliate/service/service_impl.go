package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/clinichq/attrio/internal/affiliate/domain"
	auditdomain "github.com/clinichq/attrio/internal/audit/domain"
	"github.com/clinichq/attrio/internal/audit/masking"
	"github.com/clinichq/attrio/internal/clock"
	"github.com/clinichq/attrio/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     affiliatedomain.Repository
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     affiliatedomain.Repository
	auditSvc auditdomain.Service
}

func NewService(p Params) affiliatedomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("affiliate.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Create(ctx context.Context, req affiliatedomain.CreateAffiliateRequest) (*affiliatedomain.Affiliate, error) {
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.ClinicID == 0 || req.DisplayName == "" || req.Email == "" {
		return nil, affiliatedomain.ErrInvalidAffiliate
	}

	now := s.clock.Now()
	affiliate := &affiliatedomain.Affiliate{
		ID:               s.genID.Generate(),
		ClinicID:         req.ClinicID,
		DisplayName:      req.DisplayName,
		Email:            req.Email,
		Status:           affiliatedomain.StatusActive,
		CommissionPlanID: req.CommissionPlanID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.Insert(ctx, s.db, affiliate); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, affiliatedomain.ErrInvalidAffiliate
		}
		return nil, err
	}

	s.audit(ctx, req.ClinicID, "affiliate.created", "affiliate", affiliate.ID.String(), map[string]any{
		"display_name": affiliate.DisplayName,
	})
	return affiliate, nil
}

func (s *Service) Get(ctx context.Context, clinicID, affiliateID snowflake.ID) (*affiliatedomain.Affiliate, error) {
	affiliate, err := s.repo.FindByID(ctx, s.db, clinicID, affiliateID)
	if err != nil {
		return nil, err
	}
	if affiliate == nil {
		return nil, affiliatedomain.ErrAffiliateNotFound
	}
	return affiliate, nil
}

func (s *Service) SetStatus(ctx context.Context, clinicID, affiliateID snowflake.ID, status affiliatedomain.AffiliateStatus) error {
	switch status {
	case affiliatedomain.StatusActive, affiliatedomain.StatusInactive:
	default:
		return affiliatedomain.ErrInvalidStatus
	}

	affected, err := s.repo.UpdateStatus(ctx, s.db, clinicID, affiliateID, status)
	if err != nil {
		return err
	}
	if affected == 0 {
		return affiliatedomain.ErrAffiliateNotFound
	}

	s.audit(ctx, clinicID, "affiliate.status_changed", "affiliate", affiliateID.String(), map[string]any{
		"status": string(status),
	})
	return nil
}

func (s *Service) CreateRefCode(ctx context.Context, req affiliatedomain.CreateRefCodeRequest) (*affiliatedomain.AffiliateRefCode, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if req.ClinicID == 0 || req.AffiliateID == 0 || code == "" {
		return nil, affiliatedomain.ErrInvalidRefCode
	}

	affiliate, err := s.repo.FindByID(ctx, s.db, req.ClinicID, req.AffiliateID)
	if err != nil {
		return nil, err
	}
	if affiliate == nil {
		return nil, affiliatedomain.ErrAffiliateNotFound
	}

	refCode := &affiliatedomain.AffiliateRefCode{
		ID:          s.genID.Generate(),
		ClinicID:    req.ClinicID,
		AffiliateID: req.AffiliateID,
		Code:        code,
		Active:      true,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.repo.InsertRefCode(ctx, s.db, refCode); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, affiliatedomain.ErrRefCodeTaken
		}
		return nil, err
	}

	s.audit(ctx, req.ClinicID, "affiliate.ref_code_created", "ref_code", code, map[string]any{
		"affiliate_id": req.AffiliateID.String(),
	})
	return refCode, nil
}

func (s *Service) SetRefCodeActive(ctx context.Context, clinicID snowflake.ID, code string, active bool) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if clinicID == 0 || code == "" {
		return affiliatedomain.ErrInvalidRefCode
	}

	affected, err := s.repo.SetRefCodeActive(ctx, s.db, clinicID, code, active)
	if err != nil {
		return err
	}
	if affected == 0 {
		return affiliatedomain.ErrRefCodeNotFound
	}

	s.audit(ctx, clinicID, "affiliate.ref_code_toggled", "ref_code", code, map[string]any{
		"active": active,
	})
	return nil
}

func (s *Service) AddPayoutMethod(ctx context.Context, req affiliatedomain.AddPayoutMethodRequest) (*affiliatedomain.AffiliatePayoutMethod, error) {
	req.MethodType = strings.TrimSpace(req.MethodType)
	if req.ClinicID == 0 || req.AffiliateID == 0 || req.MethodType == "" {
		return nil, affiliatedomain.ErrInvalidPayoutMethod
	}

	affiliate, err := s.repo.FindByID(ctx, s.db, req.ClinicID, req.AffiliateID)
	if err != nil {
		return nil, err
	}
	if affiliate == nil {
		return nil, affiliatedomain.ErrAffiliateNotFound
	}

	now := s.clock.Now()
	method := &affiliatedomain.AffiliatePayoutMethod{
		ID:          s.genID.Generate(),
		ClinicID:    req.ClinicID,
		AffiliateID: req.AffiliateID,
		MethodType:  req.MethodType,
		Details:     datatypes.JSONMap(req.Details),
		IsDefault:   req.IsDefault,
		Verified:    false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if method.IsDefault {
			if err := s.repo.ClearDefault(ctx, tx, req.AffiliateID); err != nil {
				return err
			}
		}
		return s.repo.InsertPayoutMethod(ctx, tx, method)
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, req.ClinicID, "affiliate.payout_method_added", "payout_method", method.ID.String(), map[string]any{
		"method_type": method.MethodType,
		"details":     masking.MaskJSON(req.Details),
	})
	return method, nil
}

func (s *Service) VerifyPayoutMethod(ctx context.Context, clinicID, methodID snowflake.ID) error {
	affected, err := s.repo.MarkVerified(ctx, s.db, clinicID, methodID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return affiliatedomain.ErrPayoutMethodNotFound
	}

	s.audit(ctx, clinicID, "affiliate.payout_method_verified", "payout_method", methodID.String(), nil)
	return nil
}

func (s *Service) SetDefaultPayoutMethod(ctx context.Context, clinicID, affiliateID, methodID snowflake.ID) error {
	method, err := s.repo.FindPayoutMethod(ctx, s.db, clinicID, methodID)
	if err != nil {
		return err
	}
	if method == nil || method.AffiliateID != affiliateID {
		return affiliatedomain.ErrPayoutMethodNotFound
	}
	if !method.Verified {
		return affiliatedomain.ErrPayoutMethodUnverified
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.ClearDefault(ctx, tx, affiliateID); err != nil {
			return err
		}
		affected, err := s.repo.SetDefault(ctx, tx, affiliateID, methodID)
		if err != nil {
			return err
		}
		if affected == 0 {
			return affiliatedomain.ErrPayoutMethodNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.audit(ctx, clinicID, "affiliate.payout_method_default_changed", "payout_method", methodID.String(), nil)
	return nil
}

func (s *Service) audit(ctx context.Context, clinicID snowflake.ID, action, resourceType, resourceID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, clinicID, action, resourceType, resourceID, metadata); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}
