package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type WithdrawalRequest struct {
	ClinicID    snowflake.ID `json:"clinic_id"`
	AffiliateID snowflake.ID `json:"affiliate_id"`
	AmountCents int64        `json:"amount_cents"`
}

type ListPayoutsRequest struct {
	ClinicID    snowflake.ID
	AffiliateID snowflake.ID
	Limit       int
}

type Service interface {
	// RequestWithdrawal runs the whole precondition chain inside one
	// serialized transaction holding the affiliate row lock. Under
	// contention exactly one concurrent request succeeds.
	RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*AffiliatePayout, error)

	MarkCompleted(ctx context.Context, clinicID, payoutID snowflake.ID) error
	MarkFailed(ctx context.Context, clinicID, payoutID snowflake.ID, reason string) error

	Earnings(ctx context.Context, clinicID, affiliateID snowflake.ID) (*Earnings, error)
	ListPayouts(ctx context.Context, req ListPayoutsRequest) ([]*AffiliatePayout, error)
	Leaderboard(ctx context.Context, clinicID snowflake.ID, limit int) ([]LeaderboardEntry, error)
}

type Repository interface {
	LockAffiliate(ctx context.Context, db *gorm.DB, clinicID, affiliateID snowflake.ID) (bool, error)
	CountInflight(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) (int64, error)
	AvailableBalance(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) (int64, error)
	InsertPayout(ctx context.Context, db *gorm.DB, payout *AffiliatePayout) error
	FindPayout(ctx context.Context, db *gorm.DB, clinicID, payoutID snowflake.ID) (*AffiliatePayout, error)
	ListPayouts(ctx context.Context, db *gorm.DB, req ListPayoutsRequest) ([]*AffiliatePayout, error)
	UpdatePayoutStatus(ctx context.Context, db *gorm.DB, payoutID snowflake.ID, from []PayoutStatus, to PayoutStatus, reason string) (int64, error)

	// ListAssignable returns APPROVED unassigned events oldest first.
	ListAssignable(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) ([]AssignableEvent, error)
	AssignEvents(ctx context.Context, db *gorm.DB, payoutID snowflake.ID, eventIDs []snowflake.ID) (int64, error)
	MarkEventsPaid(ctx context.Context, db *gorm.DB, payoutID snowflake.ID) error
	ReleaseEvents(ctx context.Context, db *gorm.DB, payoutID snowflake.ID) error

	EarningsSummary(ctx context.Context, db *gorm.DB, clinicID, affiliateID snowflake.ID) (*Earnings, error)
	Leaderboard(ctx context.Context, db *gorm.DB, clinicID snowflake.ID, limit int) ([]LeaderboardEntry, error)
}

type AssignableEvent struct {
	ID          snowflake.ID
	AmountCents int64
}

var (
	ErrPayoutAlreadyPending = errors.New("payout_already_pending")
	ErrNoVerifiedMethod     = errors.New("no_verified_method")
	ErrAmountBelowMinimum   = errors.New("amount_below_minimum")
	ErrAmountExceedsBalance = errors.New("amount_exceeds_balance")
	ErrPayoutNotFound       = errors.New("payout_not_found")
	ErrWithdrawalConflict   = errors.New("withdrawal_conflict")
	ErrInvalidWithdrawal    = errors.New("invalid_withdrawal")
)

// BalanceError carries the actionable available balance for the
// user-facing rejection message.
type BalanceError struct {
	RequestedCents int64
	AvailableCents int64
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("requested amount %d exceeds available balance of %d cents", e.RequestedCents, e.AvailableCents)
}

func (e *BalanceError) Unwrap() error {
	return ErrAmountExceedsBalance
}
