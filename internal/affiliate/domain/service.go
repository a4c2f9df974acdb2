package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreateAffiliateRequest struct {
	ClinicID         snowflake.ID   `json:"clinic_id"`
	DisplayName      string         `json:"display_name"`
	Email            string         `json:"email"`
	CommissionPlanID *snowflake.ID  `json:"commission_plan_id,omitempty"`
}

type CreateRefCodeRequest struct {
	ClinicID    snowflake.ID `json:"clinic_id"`
	AffiliateID snowflake.ID `json:"affiliate_id"`
	Code        string       `json:"code"`
}

type AddPayoutMethodRequest struct {
	ClinicID    snowflake.ID   `json:"clinic_id"`
	AffiliateID snowflake.ID   `json:"affiliate_id"`
	MethodType  string         `json:"method_type"`
	Details     map[string]any `json:"details,omitempty"`
	IsDefault   bool           `json:"is_default"`
}

type Service interface {
	Create(ctx context.Context, req CreateAffiliateRequest) (*Affiliate, error)
	Get(ctx context.Context, clinicID, affiliateID snowflake.ID) (*Affiliate, error)
	SetStatus(ctx context.Context, clinicID, affiliateID snowflake.ID, status AffiliateStatus) error
	CreateRefCode(ctx context.Context, req CreateRefCodeRequest) (*AffiliateRefCode, error)
	SetRefCodeActive(ctx context.Context, clinicID snowflake.ID, code string, active bool) error
	AddPayoutMethod(ctx context.Context, req AddPayoutMethodRequest) (*AffiliatePayoutMethod, error)
	VerifyPayoutMethod(ctx context.Context, clinicID, methodID snowflake.ID) error
	SetDefaultPayoutMethod(ctx context.Context, clinicID, affiliateID, methodID snowflake.ID) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, affiliate *Affiliate) error
	FindByID(ctx context.Context, db *gorm.DB, clinicID, affiliateID snowflake.ID) (*Affiliate, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, clinicID, affiliateID snowflake.ID, status AffiliateStatus) (int64, error)
	IncrementLifetime(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID, conversions, revenueCents int64) error

	InsertRefCode(ctx context.Context, db *gorm.DB, code *AffiliateRefCode) error
	FindRefCode(ctx context.Context, db *gorm.DB, clinicID snowflake.ID, code string) (*AffiliateRefCode, error)
	FindRefCodeAnyClinic(ctx context.Context, db *gorm.DB, code string) (*AffiliateRefCode, error)
	SetRefCodeActive(ctx context.Context, db *gorm.DB, clinicID snowflake.ID, code string, active bool) (int64, error)

	InsertPayoutMethod(ctx context.Context, db *gorm.DB, method *AffiliatePayoutMethod) error
	FindPayoutMethod(ctx context.Context, db *gorm.DB, clinicID, methodID snowflake.ID) (*AffiliatePayoutMethod, error)
	FindDefaultVerifiedMethod(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) (*AffiliatePayoutMethod, error)
	MarkVerified(ctx context.Context, db *gorm.DB, clinicID, methodID snowflake.ID) (int64, error)
	ClearDefault(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) error
	SetDefault(ctx context.Context, db *gorm.DB, affiliateID, methodID snowflake.ID) (int64, error)
}

var (
	ErrAffiliateNotFound      = errors.New("affiliate_not_found")
	ErrAffiliateInactive      = errors.New("affiliate_inactive")
	ErrInvalidAffiliate       = errors.New("invalid_affiliate")
	ErrInvalidStatus          = errors.New("invalid_status")
	ErrRefCodeTaken           = errors.New("ref_code_taken")
	ErrRefCodeNotFound        = errors.New("ref_code_not_found")
	ErrInvalidRefCode         = errors.New("invalid_ref_code")
	ErrPayoutMethodNotFound   = errors.New("payout_method_not_found")
	ErrPayoutMethodUnverified = errors.New("payout_method_unverified")
	ErrInvalidPayoutMethod    = errors.New("invalid_payout_method")
)
