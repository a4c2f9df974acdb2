package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ReversalReason string

const (
	ReasonRefund     ReversalReason = "refund"
	ReasonChargeback ReversalReason = "chargeback"
)

type RecordPaymentRequest struct {
	ClinicID        snowflake.ID `json:"clinic_id"`
	PatientID       snowflake.ID `json:"patient_id"`
	StripeEventID   string       `json:"stripe_event_id"`
	StripeObjectID  string       `json:"stripe_object_id"`
	StripeEventType string       `json:"stripe_event_type"`
	AmountCents     int64        `json:"amount_cents"`
	OccurredAt      time.Time    `json:"occurred_at"`
	IsFirstPayment  bool         `json:"is_first_payment"`
}

type ReverseRequest struct {
	ClinicID        snowflake.ID   `json:"clinic_id"`
	StripeEventID   string         `json:"stripe_event_id"`
	StripeObjectID  string         `json:"stripe_object_id"`
	StripeEventType string         `json:"stripe_event_type"`
	AmountCents     int64          `json:"amount_cents"`
	OccurredAt      time.Time      `json:"occurred_at"`
	Reason          ReversalReason `json:"reason"`
}

type CreatePlanRequest struct {
	ClinicID        snowflake.ID `json:"clinic_id"`
	Name            string       `json:"name"`
	Kind            PlanKind     `json:"kind"`
	FlatAmountCents int64        `json:"flat_amount_cents"`
	PercentBps      int          `json:"percent_bps"`
	HoldDays        int          `json:"hold_days"`
	ClawbackEnabled bool         `json:"clawback_enabled"`
}

type ListEventsRequest struct {
	ClinicID    snowflake.ID
	AffiliateID snowflake.ID
	Status      EventStatus
	Limit       int
}

type Service interface {
	// RecordPaymentCommission is idempotent on (affiliateId,
	// stripeEventId); returns (nil, nil) when the patient carries no
	// attribution or when the event was already credited.
	RecordPaymentCommission(ctx context.Context, req RecordPaymentRequest) (*AffiliateCommissionEvent, error)

	// ReverseCommissionForRefund locates the original event by stripe
	// object lineage. Already-reversed events, and paid events under a
	// clawback-disabled plan, are logged no-ops returning (nil, nil).
	ReverseCommissionForRefund(ctx context.Context, req ReverseRequest) (*AffiliateCommissionEvent, error)

	// ApproveDue transitions PENDING events whose hold has elapsed to
	// APPROVED. Idempotent; safe to run from any number of sweeps.
	ApproveDue(ctx context.Context) (int64, error)

	CreatePlan(ctx context.Context, req CreatePlanRequest) (*CommissionPlan, error)
	GetPlan(ctx context.Context, clinicID, planID snowflake.ID) (*CommissionPlan, error)
	ListEvents(ctx context.Context, req ListEventsRequest) ([]*AffiliateCommissionEvent, error)
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *AffiliateCommissionEvent) error
	FindEventByStripeEvent(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID, stripeEventID string) (*AffiliateCommissionEvent, error)
	FindOriginalByStripeObject(ctx context.Context, db *gorm.DB, clinicID snowflake.ID, stripeObjectID string) (*AffiliateCommissionEvent, error)
	ListEvents(ctx context.Context, db *gorm.DB, req ListEventsRequest) ([]*AffiliateCommissionEvent, error)
	// MarkReversed only fires for states the machine allows; returns 0
	// rows when the event was concurrently reversed or is locked PAID.
	MarkReversed(ctx context.Context, db *gorm.DB, eventID snowflake.ID, allowPaid bool, reason string, at time.Time) (int64, error)
	ApproveDue(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)

	InsertPlan(ctx context.Context, db *gorm.DB, plan *CommissionPlan) error
	FindPlan(ctx context.Context, db *gorm.DB, clinicID, planID snowflake.ID) (*CommissionPlan, error)
}

var (
	ErrInvalidEvent   = errors.New("invalid_commission_event")
	ErrInvalidPlan    = errors.New("invalid_commission_plan")
	ErrPlanNotFound   = errors.New("commission_plan_not_found")
	ErrInvalidReason  = errors.New("invalid_reversal_reason")
)
