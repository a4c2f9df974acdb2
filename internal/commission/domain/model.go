package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PlanKind string

const (
	PlanFlat    PlanKind = "FLAT"
	PlanPercent PlanKind = "PERCENT"
)

type EventStatus string

const (
	StatusPending  EventStatus = "PENDING"
	StatusApproved EventStatus = "APPROVED"
	StatusPaid     EventStatus = "PAID"
	StatusReversed EventStatus = "REVERSED"
)

// CommissionPlan decides how much of a payment becomes commission and
// how long it is held before approval.
type CommissionPlan struct {
	ID              snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	ClinicID        snowflake.ID `gorm:"column:clinic_id" json:"clinic_id"`
	Name            string       `gorm:"column:name" json:"name"`
	Kind            PlanKind     `gorm:"column:kind" json:"kind"`
	FlatAmountCents int64        `gorm:"column:flat_amount_cents" json:"flat_amount_cents"`
	PercentBps      int          `gorm:"column:percent_bps" json:"percent_bps"`
	HoldDays        int          `gorm:"column:hold_days" json:"hold_days"`
	ClawbackEnabled bool         `gorm:"column:clawback_enabled" json:"clawback_enabled"`
	Active          bool         `gorm:"column:active" json:"active"`
	CreatedAt       time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (CommissionPlan) TableName() string {
	return "commission_plans"
}

// Amount computes the commission for a payment. The result is stored
// verbatim on the event so later plan edits never rewrite history.
func (p CommissionPlan) Amount(eventAmountCents int64) int64 {
	switch p.Kind {
	case PlanFlat:
		return p.FlatAmountCents
	case PlanPercent:
		return eventAmountCents * int64(p.PercentBps) / 10000
	}
	return 0
}

// AffiliateCommissionEvent is one ledger line. State machine:
// PENDING -> APPROVED -> PAID, with PENDING|APPROVED -> REVERSED on
// refund or chargeback. PAID is terminal unless clawback applies.
type AffiliateCommissionEvent struct {
	ID              snowflake.ID   `gorm:"column:id;primaryKey" json:"id"`
	ClinicID        snowflake.ID   `gorm:"column:clinic_id" json:"clinic_id"`
	AffiliateID     snowflake.ID   `gorm:"column:affiliate_id" json:"affiliate_id"`
	PatientID       *snowflake.ID  `gorm:"column:patient_id" json:"patient_id,omitempty"`
	PlanID          *snowflake.ID  `gorm:"column:plan_id" json:"plan_id,omitempty"`
	EventType       string         `gorm:"column:event_type" json:"event_type"`
	StripeEventID   string         `gorm:"column:stripe_event_id" json:"stripe_event_id"`
	StripeObjectID  string         `gorm:"column:stripe_object_id" json:"stripe_object_id"`
	BaseAmountCents int64          `gorm:"column:base_amount_cents" json:"base_amount_cents"`
	AmountCents     int64          `gorm:"column:amount_cents" json:"amount_cents"`
	Status          EventStatus    `gorm:"column:status" json:"status"`
	HoldUntil       *time.Time     `gorm:"column:hold_until" json:"hold_until,omitempty"`
	PayoutID        *snowflake.ID  `gorm:"column:payout_id" json:"payout_id,omitempty"`
	ReversalOf      *snowflake.ID  `gorm:"column:reversal_of" json:"reversal_of,omitempty"`
	ReversalReason  *string        `gorm:"column:reversal_reason" json:"reversal_reason,omitempty"`
	Calculation     datatypes.JSON `gorm:"column:calculation" json:"calculation,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (AffiliateCommissionEvent) TableName() string {
	return "affiliate_commission_events"
}

// CalculationDetails is the typed shape stored in the calculation
// column; decoded explicitly at the boundary.
type CalculationDetails struct {
	PlanID          string   `json:"plan_id,omitempty"`
	PlanKind        PlanKind `json:"plan_kind"`
	PercentBps      int      `json:"percent_bps,omitempty"`
	FlatAmountCents int64    `json:"flat_amount_cents,omitempty"`
	BaseAmountCents int64    `json:"base_amount_cents"`
	HoldDays        int      `json:"hold_days"`
}
