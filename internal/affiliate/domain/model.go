package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type AffiliateStatus string

const (
	StatusActive   AffiliateStatus = "ACTIVE"
	StatusInactive AffiliateStatus = "INACTIVE"
)

// Affiliate is a referral partner scoped to one clinic. Lifetime
// counters only ever grow, except through explicit admin correction.
type Affiliate struct {
	ID                   snowflake.ID    `gorm:"column:id;primaryKey" json:"id"`
	ClinicID             snowflake.ID    `gorm:"column:clinic_id" json:"clinic_id"`
	DisplayName          string          `gorm:"column:display_name" json:"display_name"`
	Email                string          `gorm:"column:email" json:"email"`
	Status               AffiliateStatus `gorm:"column:status" json:"status"`
	CommissionPlanID     *snowflake.ID   `gorm:"column:commission_plan_id" json:"commission_plan_id,omitempty"`
	LifetimeConversions  int64           `gorm:"column:lifetime_conversions" json:"lifetime_conversions"`
	LifetimeRevenueCents int64           `gorm:"column:lifetime_revenue_cents" json:"lifetime_revenue_cents"`
	CreatedAt            time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Affiliate) TableName() string {
	return "affiliates"
}

// AffiliateRefCode maps a shareable code to exactly one affiliate
// within one clinic. (code, clinic_id) is unique.
type AffiliateRefCode struct {
	ID          snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	ClinicID    snowflake.ID `gorm:"column:clinic_id" json:"clinic_id"`
	AffiliateID snowflake.ID `gorm:"column:affiliate_id" json:"affiliate_id"`
	Code        string       `gorm:"column:code" json:"code"`
	Active      bool         `gorm:"column:active" json:"active"`
	CreatedAt   time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (AffiliateRefCode) TableName() string {
	return "affiliate_ref_codes"
}

// AffiliatePayoutMethod is a withdrawal destination. At most one method
// per affiliate may be default and verified at the same time.
type AffiliatePayoutMethod struct {
	ID          snowflake.ID      `gorm:"column:id;primaryKey" json:"id"`
	ClinicID    snowflake.ID      `gorm:"column:clinic_id" json:"clinic_id"`
	AffiliateID snowflake.ID      `gorm:"column:affiliate_id" json:"affiliate_id"`
	MethodType  string            `gorm:"column:method_type" json:"method_type"`
	Details     datatypes.JSONMap `gorm:"column:details" json:"details,omitempty"`
	IsDefault   bool              `gorm:"column:is_default" json:"is_default"`
	Verified    bool              `gorm:"column:verified" json:"verified"`
	CreatedAt   time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (AffiliatePayoutMethod) TableName() string {
	return "affiliate_payout_methods"
}
