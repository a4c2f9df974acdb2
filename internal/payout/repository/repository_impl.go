package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/clinichq/attrio/internal/payout/domain"
	"github.com/clinichq/attrio/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// LockAffiliate takes the per-affiliate row lock that serializes
// concurrent withdrawal attempts. On sqlite the clause is empty and
// the database-level write lock provides the serialization.
func (r *repo) LockAffiliate(ctx context.Context, conn *gorm.DB, clinicID, affiliateID snowflake.ID) (bool, error) {
	var id snowflake.ID
	row := conn.WithContext(ctx).Raw(
		`SELECT id FROM affiliates WHERE clinic_id = ? AND id = ?`+db.LockClause(conn),
		clinicID, affiliateID,
	).Row()
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return id != 0, nil
}

func (r *repo) CountInflight(ctx context.Context, conn *gorm.DB, affiliateID snowflake.ID) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM affiliate_payouts
		 WHERE affiliate_id = ? AND status IN (?, ?)`,
		affiliateID, domain.StatusPending, domain.StatusProcessing,
	).Scan(&count).Error
	return count, err
}

func (r *repo) AvailableBalance(ctx context.Context, conn *gorm.DB, affiliateID snowflake.ID) (int64, error) {
	var total sql.NullInt64
	err := conn.WithContext(ctx).Raw(
		`SELECT SUM(amount_cents) FROM affiliate_commission_events
		 WHERE affiliate_id = ? AND status = 'APPROVED' AND payout_id IS NULL`,
		affiliateID,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (r *repo) InsertPayout(ctx context.Context, conn *gorm.DB, payout *domain.AffiliatePayout) error {
	return conn.WithContext(ctx).Create(payout).Error
}

func (r *repo) FindPayout(ctx context.Context, conn *gorm.DB, clinicID, payoutID snowflake.ID) (*domain.AffiliatePayout, error) {
	var payout domain.AffiliatePayout
	err := conn.WithContext(ctx).
		Where("clinic_id = ? AND id = ?", clinicID, payoutID).
		First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *repo) ListPayouts(ctx context.Context, conn *gorm.DB, req domain.ListPayoutsRequest) ([]*domain.AffiliatePayout, error) {
	stmt := conn.WithContext(ctx).Model(&domain.AffiliatePayout{}).
		Where("clinic_id = ? AND affiliate_id = ?", req.ClinicID, req.AffiliateID).
		Order("created_at desc, id desc")
	if req.Limit > 0 {
		stmt = stmt.Limit(req.Limit)
	}

	var payouts []*domain.AffiliatePayout
	if err := stmt.Find(&payouts).Error; err != nil {
		return nil, err
	}
	return payouts, nil
}

func (r *repo) UpdatePayoutStatus(ctx context.Context, conn *gorm.DB, payoutID snowflake.ID, from []domain.PayoutStatus, to domain.PayoutStatus, reason string) (int64, error) {
	stmt := `UPDATE affiliate_payouts
		 SET status = ?, failure_reason = ?, updated_at = CURRENT_TIMESTAMP`
	if to == domain.StatusCompleted {
		stmt = `UPDATE affiliate_payouts
		 SET status = ?, failure_reason = ?, completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP`
	}
	stmt += ` WHERE id = ? AND status IN ?`

	var reasonValue any
	if reason != "" {
		reasonValue = reason
	}
	res := conn.WithContext(ctx).Exec(stmt, to, reasonValue, payoutID, from)
	return res.RowsAffected, res.Error
}

func (r *repo) ListAssignable(ctx context.Context, conn *gorm.DB, affiliateID snowflake.ID) ([]domain.AssignableEvent, error) {
	rows, err := conn.WithContext(ctx).Raw(
		`SELECT id, amount_cents FROM affiliate_commission_events
		 WHERE affiliate_id = ? AND status = 'APPROVED' AND payout_id IS NULL
		 ORDER BY created_at asc, id asc`,
		affiliateID,
	).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AssignableEvent
	for rows.Next() {
		var event domain.AssignableEvent
		if err := rows.Scan(&event.ID, &event.AmountCents); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *repo) AssignEvents(ctx context.Context, conn *gorm.DB, payoutID snowflake.ID, eventIDs []snowflake.ID) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	res := conn.WithContext(ctx).Exec(
		`UPDATE affiliate_commission_events
		 SET payout_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id IN ? AND status = 'APPROVED' AND payout_id IS NULL`,
		payoutID, eventIDs,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) MarkEventsPaid(ctx context.Context, conn *gorm.DB, payoutID snowflake.ID) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE affiliate_commission_events
		 SET status = 'PAID', updated_at = CURRENT_TIMESTAMP
		 WHERE payout_id = ? AND status = 'APPROVED'`,
		payoutID,
	).Error
}

func (r *repo) ReleaseEvents(ctx context.Context, conn *gorm.DB, payoutID snowflake.ID) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE affiliate_commission_events
		 SET payout_id = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE payout_id = ? AND status = 'APPROVED'`,
		payoutID,
	).Error
}

func (r *repo) EarningsSummary(ctx context.Context, conn *gorm.DB, clinicID, affiliateID snowflake.ID) (*domain.Earnings, error) {
	var sums struct {
		Available sql.NullInt64
		Pending   sql.NullInt64
		Paid      sql.NullInt64
		Reversed  sql.NullInt64
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT
		   SUM(CASE WHEN status = 'APPROVED' AND payout_id IS NULL THEN amount_cents ELSE 0 END) AS available,
		   SUM(CASE WHEN status = 'PENDING' THEN amount_cents ELSE 0 END) AS pending,
		   SUM(CASE WHEN status = 'PAID' OR (status = 'APPROVED' AND payout_id IS NOT NULL) THEN amount_cents ELSE 0 END) AS paid,
		   SUM(CASE WHEN status = 'REVERSED' THEN amount_cents ELSE 0 END) AS reversed
		 FROM affiliate_commission_events
		 WHERE clinic_id = ? AND affiliate_id = ?`,
		clinicID, affiliateID,
	).Scan(&sums).Error
	if err != nil {
		return nil, err
	}

	earnings := &domain.Earnings{
		AffiliateID:    affiliateID,
		AvailableCents: sums.Available.Int64,
		PendingCents:   sums.Pending.Int64,
		PaidCents:      sums.Paid.Int64,
		ReversedCents:  sums.Reversed.Int64,
	}
	earnings.LifetimeCents = earnings.AvailableCents + earnings.PendingCents + earnings.PaidCents + earnings.ReversedCents
	return earnings, nil
}

func (r *repo) Leaderboard(ctx context.Context, conn *gorm.DB, clinicID snowflake.ID, limit int) ([]domain.LeaderboardEntry, error) {
	rows, err := conn.WithContext(ctx).Raw(
		`SELECT e.affiliate_id, a.display_name, SUM(e.amount_cents) AS total
		 FROM affiliate_commission_events e
		 JOIN affiliates a ON a.id = e.affiliate_id
		 WHERE e.clinic_id = ? AND e.status IN ('APPROVED', 'PAID')
		 GROUP BY e.affiliate_id, a.display_name
		 ORDER BY total DESC
		 LIMIT ?`,
		clinicID, limit,
	).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var entry domain.LeaderboardEntry
		if err := rows.Scan(&entry.AffiliateID, &entry.DisplayName, &entry.TotalCents); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
