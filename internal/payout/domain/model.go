package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type PayoutStatus string

const (
	StatusPending    PayoutStatus = "PENDING"
	StatusProcessing PayoutStatus = "PROCESSING"
	StatusCompleted  PayoutStatus = "COMPLETED"
	StatusFailed     PayoutStatus = "FAILED"
)

// AffiliatePayout is one withdrawal batch. At most one payout per
// affiliate may be PENDING or PROCESSING at a time.
type AffiliatePayout struct {
	ID             snowflake.ID  `gorm:"column:id;primaryKey" json:"id"`
	ClinicID       snowflake.ID  `gorm:"column:clinic_id" json:"clinic_id"`
	AffiliateID    snowflake.ID  `gorm:"column:affiliate_id" json:"affiliate_id"`
	AmountCents    int64         `gorm:"column:amount_cents" json:"amount_cents"`
	FeeCents       int64         `gorm:"column:fee_cents" json:"fee_cents"`
	NetAmountCents int64         `gorm:"column:net_amount_cents" json:"net_amount_cents"`
	Status         PayoutStatus  `gorm:"column:status" json:"status"`
	PayoutMethodID *snowflake.ID `gorm:"column:payout_method_id" json:"payout_method_id,omitempty"`
	MethodType     string        `gorm:"column:method_type" json:"method_type"`
	FailureReason  *string       `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	RequestedAt    time.Time     `gorm:"column:requested_at" json:"requested_at"`
	CompletedAt    *time.Time    `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (AffiliatePayout) TableName() string {
	return "affiliate_payouts"
}

// Earnings is the balance view derived from the commission ledger.
// available + pending + paid + reversed always equals lifetime.
type Earnings struct {
	AffiliateID    snowflake.ID `json:"affiliate_id"`
	AvailableCents int64        `json:"available_cents"`
	PendingCents   int64        `json:"pending_cents"`
	PaidCents      int64        `json:"paid_cents"`
	ReversedCents  int64        `json:"reversed_cents"`
	LifetimeCents  int64        `json:"lifetime_cents"`
}

// LeaderboardEntry is a read-only clinic ranking row.
type LeaderboardEntry struct {
	AffiliateID snowflake.ID `json:"affiliate_id"`
	DisplayName string       `json:"display_name"`
	TotalCents  int64        `json:"total_cents"`
}
