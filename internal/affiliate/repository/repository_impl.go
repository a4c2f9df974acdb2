package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/clinichq/attrio/internal/affiliate/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, affiliate *domain.Affiliate) error {
	return db.WithContext(ctx).Create(affiliate).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, clinicID, affiliateID snowflake.ID) (*domain.Affiliate, error) {
	var affiliate domain.Affiliate
	err := db.WithContext(ctx).
		Where("clinic_id = ? AND id = ?", clinicID, affiliateID).
		First(&affiliate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &affiliate, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, clinicID, affiliateID snowflake.ID, status domain.AffiliateStatus) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliates SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE clinic_id = ? AND id = ?`,
		status, clinicID, affiliateID,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) IncrementLifetime(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID, conversions, revenueCents int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE affiliates
		 SET lifetime_conversions = lifetime_conversions + ?,
		     lifetime_revenue_cents = lifetime_revenue_cents + ?,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		conversions, revenueCents, affiliateID,
	).Error
}

func (r *repo) InsertRefCode(ctx context.Context, db *gorm.DB, code *domain.AffiliateRefCode) error {
	return db.WithContext(ctx).Create(code).Error
}

func (r *repo) FindRefCode(ctx context.Context, db *gorm.DB, clinicID snowflake.ID, code string) (*domain.AffiliateRefCode, error) {
	var refCode domain.AffiliateRefCode
	err := db.WithContext(ctx).
		Where("clinic_id = ? AND code = ?", clinicID, strings.ToUpper(strings.TrimSpace(code))).
		First(&refCode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refCode, nil
}

func (r *repo) FindRefCodeAnyClinic(ctx context.Context, db *gorm.DB, code string) (*domain.AffiliateRefCode, error) {
	var refCode domain.AffiliateRefCode
	err := db.WithContext(ctx).
		Where("code = ?", strings.ToUpper(strings.TrimSpace(code))).
		Order("created_at asc").
		First(&refCode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refCode, nil
}

func (r *repo) SetRefCodeActive(ctx context.Context, db *gorm.DB, clinicID snowflake.ID, code string, active bool) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliate_ref_codes SET active = ? WHERE clinic_id = ? AND code = ?`,
		active, clinicID, strings.ToUpper(strings.TrimSpace(code)),
	)
	return res.RowsAffected, res.Error
}

func (r *repo) InsertPayoutMethod(ctx context.Context, db *gorm.DB, method *domain.AffiliatePayoutMethod) error {
	return db.WithContext(ctx).Create(method).Error
}

func (r *repo) FindPayoutMethod(ctx context.Context, db *gorm.DB, clinicID, methodID snowflake.ID) (*domain.AffiliatePayoutMethod, error) {
	var method domain.AffiliatePayoutMethod
	err := db.WithContext(ctx).
		Where("clinic_id = ? AND id = ?", clinicID, methodID).
		First(&method).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &method, nil
}

func (r *repo) FindDefaultVerifiedMethod(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) (*domain.AffiliatePayoutMethod, error) {
	var method domain.AffiliatePayoutMethod
	err := db.WithContext(ctx).
		Where("affiliate_id = ? AND is_default = ? AND verified = ?", affiliateID, true, true).
		First(&method).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &method, nil
}

func (r *repo) MarkVerified(ctx context.Context, db *gorm.DB, clinicID, methodID snowflake.ID) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliate_payout_methods SET verified = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE clinic_id = ? AND id = ?`,
		true, clinicID, methodID,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ClearDefault(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE affiliate_payout_methods SET is_default = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE affiliate_id = ? AND is_default = ?`,
		false, affiliateID, true,
	).Error
}

func (r *repo) SetDefault(ctx context.Context, db *gorm.DB, affiliateID, methodID snowflake.ID) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliate_payout_methods SET is_default = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE affiliate_id = ? AND id = ?`,
		true, affiliateID, methodID,
	)
	return res.RowsAffected, res.Error
}
