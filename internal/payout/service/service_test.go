package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/clinichq/attrio/internal/affiliate/domain"
	affiliaterepo "github.com/clinichq/attrio/internal/affiliate/repository"
	"github.com/clinichq/attrio/internal/clock"
	"github.com/clinichq/attrio/internal/config"
	payoutdomain "github.com/clinichq/attrio/internal/payout/domain"
	"github.com/clinichq/attrio/internal/payout/repository"
	"github.com/clinichq/attrio/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc       payoutdomain.Service
	db        *gorm.DB
	clock     *clock.FakeClock
	genID     *snowflake.Node
	clinic    snowflake.ID
	affiliate snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn := testutil.OpenDB(t)
	node := testutil.SnowflakeNode(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:            conn,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         fake,
		Policy:        config.NewStaticPolicyHolder(config.DefaultPolicyConfig()),
		Repo:          repository.Provide(),
		AffiliateRepo: affiliaterepo.Provide(),
	})

	f := &fixture{
		svc:    svc,
		db:     conn,
		clock:  fake,
		genID:  node,
		clinic: node.Generate(),
	}

	f.affiliate = node.Generate()
	now := fake.Now()
	if err := conn.Exec(
		`INSERT INTO affiliates (id, clinic_id, display_name, email, status, created_at, updated_at)
		 VALUES (?, ?, 'Sarah', 'sarah@example.com', 'ACTIVE', ?, ?)`,
		f.affiliate, f.clinic, now, now,
	).Error; err != nil {
		t.Fatalf("insert affiliate: %v", err)
	}
	return f
}

func (f *fixture) addVerifiedMethod(t *testing.T) snowflake.ID {
	t.Helper()
	methodID := f.genID.Generate()
	now := f.clock.Now()
	if err := f.db.Exec(
		`INSERT INTO affiliate_payout_methods (id, clinic_id, affiliate_id, method_type, is_default, verified, created_at, updated_at)
		 VALUES (?, ?, ?, 'bank_account', TRUE, TRUE, ?, ?)`,
		methodID, f.clinic, f.affiliate, now, now,
	).Error; err != nil {
		t.Fatalf("insert payout method: %v", err)
	}
	return methodID
}

// addEvent seeds a commission ledger row directly; createdAt ordering
// drives oldest-first assignment.
func (f *fixture) addEvent(t *testing.T, amountCents int64, status string, age time.Duration) snowflake.ID {
	t.Helper()
	eventID := f.genID.Generate()
	at := f.clock.Now().Add(-age)
	if err := f.db.Exec(
		`INSERT INTO affiliate_commission_events
		 (id, clinic_id, affiliate_id, event_type, stripe_event_id, amount_cents, base_amount_cents, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'payment_succeeded', ?, ?, ?, ?, ?, ?)`,
		eventID, f.clinic, f.affiliate, "evt_"+eventID.String(), amountCents, amountCents*5, status, at, at,
	).Error; err != nil {
		t.Fatalf("insert commission event: %v", err)
	}
	return eventID
}

func (f *fixture) eventAssigned(t *testing.T, eventID snowflake.ID) bool {
	t.Helper()
	var payoutID sql.NullInt64
	row := f.db.Raw(`SELECT payout_id FROM affiliate_commission_events WHERE id = ?`, eventID).Row()
	if err := row.Scan(&payoutID); err != nil {
		t.Fatalf("read payout_id: %v", err)
	}
	return payoutID.Valid
}

func TestWithdrawalBelowMinimum(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestWithdrawal(context.Background(), payoutdomain.WithdrawalRequest{
		ClinicID:    f.clinic,
		AffiliateID: f.affiliate,
		AmountCents: 4999,
	})
	if !errors.Is(err, payoutdomain.ErrAmountBelowMinimum) {
		t.Fatalf("expected below minimum, got %v", err)
	}
}

func TestWithdrawalUnknownAffiliate(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestWithdrawal(context.Background(), payoutdomain.WithdrawalRequest{
		ClinicID:    f.clinic,
		AffiliateID: f.genID.Generate(),
		AmountCents: 5000,
	})
	if !errors.Is(err, affiliatedomain.ErrAffiliateNotFound) {
		t.Fatalf("expected affiliate not found, got %v", err)
	}
}

func TestWithdrawalRequiresVerifiedMethod(t *testing.T) {
	f := newFixture(t)
	f.addEvent(t, 10000, "APPROVED", time.Hour)

	_, err := f.svc.RequestWithdrawal(context.Background(), payoutdomain.WithdrawalRequest{
		ClinicID:    f.clinic,
		AffiliateID: f.affiliate,
		AmountCents: 5000,
	})
	if !errors.Is(err, payoutdomain.ErrNoVerifiedMethod) {
		t.Fatalf("expected no verified method, got %v", err)
	}
}

func TestWithdrawalExceedsBalance(t *testing.T) {
	f := newFixture(t)
	f.addVerifiedMethod(t)
	f.addEvent(t, 6000, "APPROVED", time.Hour)
	f.addEvent(t, 2000, "PENDING", time.Hour)

	_, err := f.svc.RequestWithdrawal(context.Background(), payoutdomain.WithdrawalRequest{
		ClinicID:    f.clinic,
		AffiliateID: f.affiliate,
		AmountCents: 8000,
	})
	if !errors.Is(err, payoutdomain.ErrAmountExceedsBalance) {
		t.Fatalf("expected exceeds balance, got %v", err)
	}
	var balanceErr *payoutdomain.BalanceError
	if !errors.As(err, &balanceErr) {
		t.Fatalf("expected BalanceError, got %T", err)
	}
	if balanceErr.AvailableCents != 6000 {
		t.Fatalf("available = %d, want 6000 (PENDING never counts)", balanceErr.AvailableCents)
	}
}

func TestWithdrawalAssignsOldestEventsFirst(t *testing.T) {
	f := newFixture(t)
	methodID := f.addVerifiedMethod(t)
	oldest := f.addEvent(t, 3000, "APPROVED", 72*time.Hour)
	middle := f.addEvent(t, 4000, "APPROVED", 48*time.Hour)
	newest := f.addEvent(t, 5000, "APPROVED", 24*time.Hour)

	payout, err := f.svc.RequestWithdrawal(context.Background(), payoutdomain.WithdrawalRequest{
		ClinicID:    f.clinic,
		AffiliateID: f.affiliate,
		AmountCents: 6000,
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if payout.Status != payoutdomain.StatusPending {
		t.Fatalf("status = %s, want PENDING", payout.Status)
	}
	if payout.AmountCents != 6000 {
		t.Fatalf("amount = %d, want 6000", payout.AmountCents)
	}
	if payout.PayoutMethodID == nil || *payout.PayoutMethodID != methodID {
		t.Fatalf("method = %v, want %v", payout.PayoutMethodID, methodID)
	}

	// 3000 + 4000 covers the request; the newest event stays free.
	if !f.eventAssigned(t, oldest) {
		t.Fatal("oldest event should be assigned")
	}
	if !f.eventAssigned(t, middle) {
		t.Fatal("middle event should be assigned")
	}
	if f.eventAssigned(t, newest) {
		t.Fatal("newest event should remain available")
	}

	// A second in-flight withdrawal is refused outright.
	_, err = f.svc.RequestWithdrawal(context.Background(), payoutdomain.WithdrawalRequest{
		ClinicID:    f.clinic,
		AffiliateID: f.affiliate,
		AmountCents: 5000,
	})
	if !errors.Is(err, payoutdomain.ErrPayoutAlreadyPending) {
		t.Fatalf("expected already pending, got %v", err)
	}
}

func TestMarkCompletedPaysAssignedEvents(t *testing.T) {
	f := newFixture(t)
	f.addVerifiedMethod(t)
	event := f.addEvent(t, 6000, "APPROVED", time.Hour)

	payout, err := f.svc.RequestWithdrawal(context.Background(), payoutdomain.WithdrawalRequest{
		ClinicID:    f.clinic,
		AffiliateID: f.affiliate,
		AmountCents: 6000,
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if err := f.svc.MarkCompleted(context.Background(), f.clinic, payout.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var status string
	if err := f.db.Raw(`SELECT status FROM affiliate_commission_events WHERE id = ?`, event).Scan(&status).Error; err != nil {
		t.Fatalf("read event status: %v", err)
	}
	if status != "PAID" {
		t.Fatalf("event status = %s, want PAID", status)
	}

	// Completed payouts are terminal.
	if err := f.svc.MarkCompleted(context.Background(), f.clinic, payout.ID); !errors.Is(err, payoutdomain.ErrPayoutNotFound) {
		t.Fatalf("expected not found for terminal payout, got %v", err)
	}
}

func TestMarkFailedReleasesEvents(t *testing.T) {
	f := newFixture(t)
	f.addVerifiedMethod(t)
	event := f.addEvent(t, 6000, "APPROVED", time.Hour)

	payout, err := f.svc.RequestWithdrawal(context.Background(), payoutdomain.WithdrawalRequest{
		ClinicID:    f.clinic,
		AffiliateID: f.affiliate,
		AmountCents: 6000,
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if err := f.svc.MarkFailed(context.Background(), f.clinic, payout.ID, "bank rejected"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if f.eventAssigned(t, event) {
		t.Fatal("failed payout must release its events")
	}

	// Funds flowed back: the same withdrawal works again.
	retry, err := f.svc.RequestWithdrawal(context.Background(), payoutdomain.WithdrawalRequest{
		ClinicID:    f.clinic,
		AffiliateID: f.affiliate,
		AmountCents: 6000,
	})
	if err != nil {
		t.Fatalf("retry withdraw: %v", err)
	}
	if retry.ID == payout.ID {
		t.Fatal("retry must create a fresh payout")
	}
}

func TestEarningsConservation(t *testing.T) {
	f := newFixture(t)
	f.addVerifiedMethod(t)

	f.addEvent(t, 2000, "PENDING", time.Hour)
	f.addEvent(t, 3000, "APPROVED", 2*time.Hour)
	f.addEvent(t, 6000, "APPROVED", 3*time.Hour)
	f.addEvent(t, 1000, "REVERSED", 4*time.Hour)
	f.addEvent(t, 1500, "PAID", 5*time.Hour)

	// Lock 6000 into an in-flight payout: it moves from available to
	// paid-or-assigned.
	if _, err := f.svc.RequestWithdrawal(context.Background(), payoutdomain.WithdrawalRequest{
		ClinicID:    f.clinic,
		AffiliateID: f.affiliate,
		AmountCents: 6000,
	}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	earnings, err := f.svc.Earnings(context.Background(), f.clinic, f.affiliate)
	if err != nil {
		t.Fatalf("earnings: %v", err)
	}

	if earnings.PendingCents != 2000 {
		t.Fatalf("pending = %d, want 2000", earnings.PendingCents)
	}
	if earnings.AvailableCents != 3000 {
		t.Fatalf("available = %d, want 3000", earnings.AvailableCents)
	}
	if earnings.ReversedCents != 1000 {
		t.Fatalf("reversed = %d, want 1000", earnings.ReversedCents)
	}
	if earnings.PaidCents != 7500 {
		t.Fatalf("paid = %d, want 7500 (1500 PAID + 6000 assigned)", earnings.PaidCents)
	}
	sum := earnings.AvailableCents + earnings.PendingCents + earnings.PaidCents + earnings.ReversedCents
	if sum != earnings.LifetimeCents {
		t.Fatalf("conservation broken: %d != lifetime %d", sum, earnings.LifetimeCents)
	}
	if earnings.LifetimeCents != 13500 {
		t.Fatalf("lifetime = %d, want 13500", earnings.LifetimeCents)
	}
}

func TestLeaderboardRanksByEarned(t *testing.T) {
	f := newFixture(t)
	f.addEvent(t, 3000, "APPROVED", time.Hour)
	f.addEvent(t, 1500, "PAID", time.Hour)
	f.addEvent(t, 9000, "PENDING", time.Hour)

	rival := f.genID.Generate()
	now := f.clock.Now()
	if err := f.db.Exec(
		`INSERT INTO affiliates (id, clinic_id, display_name, email, status, created_at, updated_at)
		 VALUES (?, ?, 'Rival', 'rival@example.com', 'ACTIVE', ?, ?)`,
		rival, f.clinic, now, now,
	).Error; err != nil {
		t.Fatalf("insert rival: %v", err)
	}
	if err := f.db.Exec(
		`INSERT INTO affiliate_commission_events
		 (id, clinic_id, affiliate_id, event_type, stripe_event_id, amount_cents, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'payment_succeeded', 'evt_rival', 10000, 'APPROVED', ?, ?)`,
		f.genID.Generate(), f.clinic, rival, now, now,
	).Error; err != nil {
		t.Fatalf("insert rival event: %v", err)
	}

	entries, err := f.svc.Leaderboard(context.Background(), f.clinic, 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].AffiliateID != rival || entries[0].TotalCents != 10000 {
		t.Fatalf("top entry = %+v, want rival with 10000", entries[0])
	}
	if entries[1].AffiliateID != f.affiliate || entries[1].TotalCents != 4500 {
		t.Fatalf("second entry = %+v, want 4500 (PENDING excluded)", entries[1])
	}
}
