package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/clinichq/attrio/internal/commission/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.AffiliateCommissionEvent) error {
	return db.WithContext(ctx).Create(event).Error
}

func (r *repo) FindEventByStripeEvent(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID, stripeEventID string) (*domain.AffiliateCommissionEvent, error) {
	var event domain.AffiliateCommissionEvent
	err := db.WithContext(ctx).
		Where("affiliate_id = ? AND stripe_event_id = ?", affiliateID, strings.TrimSpace(stripeEventID)).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repo) FindOriginalByStripeObject(ctx context.Context, db *gorm.DB, clinicID snowflake.ID, stripeObjectID string) (*domain.AffiliateCommissionEvent, error) {
	var event domain.AffiliateCommissionEvent
	err := db.WithContext(ctx).
		Where("clinic_id = ? AND stripe_object_id = ? AND reversal_of IS NULL", clinicID, strings.TrimSpace(stripeObjectID)).
		Order("created_at asc").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, req domain.ListEventsRequest) ([]*domain.AffiliateCommissionEvent, error) {
	stmt := db.WithContext(ctx).Model(&domain.AffiliateCommissionEvent{}).
		Where("clinic_id = ? AND affiliate_id = ?", req.ClinicID, req.AffiliateID)
	if req.Status != "" {
		stmt = stmt.Where("status = ?", req.Status)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if req.Limit > 0 {
		stmt = stmt.Limit(req.Limit)
	}

	var events []*domain.AffiliateCommissionEvent
	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) MarkReversed(ctx context.Context, db *gorm.DB, eventID snowflake.ID, allowPaid bool, reason string, at time.Time) (int64, error) {
	states := []domain.EventStatus{domain.StatusPending, domain.StatusApproved}
	if allowPaid {
		states = append(states, domain.StatusPaid)
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliate_commission_events
		 SET status = ?, reversal_reason = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		domain.StatusReversed, reason, at.UTC(), eventID, states,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ApproveDue(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliate_commission_events
		 SET status = ?, updated_at = ?
		 WHERE status = ? AND hold_until IS NOT NULL AND hold_until <= ?`,
		domain.StatusApproved, now.UTC(), domain.StatusPending, now.UTC(),
	)
	return res.RowsAffected, res.Error
}

func (r *repo) InsertPlan(ctx context.Context, db *gorm.DB, plan *domain.CommissionPlan) error {
	return db.WithContext(ctx).Create(plan).Error
}

func (r *repo) FindPlan(ctx context.Context, db *gorm.DB, clinicID, planID snowflake.ID) (*domain.CommissionPlan, error) {
	var plan domain.CommissionPlan
	err := db.WithContext(ctx).
		Where("clinic_id = ? AND id = ?", clinicID, planID).
		First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}
