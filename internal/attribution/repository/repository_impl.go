package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/clinichq/attrio/internal/attribution/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertTouch(ctx context.Context, db *gorm.DB, touch *domain.AffiliateTouch) error {
	return db.WithContext(ctx).Create(touch).Error
}

func (r *repo) ListTouches(ctx context.Context, db *gorm.DB, filter domain.TouchFilter) ([]*domain.AffiliateTouch, error) {
	fingerprint := strings.TrimSpace(filter.Fingerprint)
	cookieID := strings.TrimSpace(filter.CookieID)
	if fingerprint == "" && cookieID == "" {
		return nil, nil
	}

	stmt := db.WithContext(ctx).Model(&domain.AffiliateTouch{}).
		Where("clinic_id = ?", filter.ClinicID).
		Where("occurred_at >= ?", filter.Since.UTC())

	switch {
	case fingerprint != "" && cookieID != "":
		stmt = stmt.Where("fingerprint = ? OR cookie_id = ?", fingerprint, cookieID)
	case fingerprint != "":
		stmt = stmt.Where("fingerprint = ?", fingerprint)
	default:
		stmt = stmt.Where("cookie_id = ?", cookieID)
	}

	var touches []*domain.AffiliateTouch
	if err := stmt.Order("occurred_at asc, id asc").Find(&touches).Error; err != nil {
		return nil, err
	}
	return touches, nil
}

func (r *repo) SetTouchConversion(ctx context.Context, db *gorm.DB, touchID, patientID snowflake.ID, at time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE affiliate_touches
		 SET converted_patient_id = ?, converted_at = ?
		 WHERE id = ? AND converted_patient_id IS NULL`,
		patientID, at.UTC(), touchID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var existing *snowflake.ID
	row := db.WithContext(ctx).Raw(
		`SELECT converted_patient_id FROM affiliate_touches WHERE id = ?`, touchID,
	).Row()
	if err := row.Scan(&existing); err != nil {
		return err
	}
	if existing != nil && *existing == patientID {
		return nil
	}
	return domain.ErrTouchConverted
}

func (r *repo) FindConfig(ctx context.Context, db *gorm.DB, clinicID snowflake.ID) (*domain.AttributionConfig, error) {
	var cfg domain.AttributionConfig
	err := db.WithContext(ctx).
		Where("clinic_id = ?", clinicID).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *repo) UpsertConfig(ctx context.Context, db *gorm.DB, config *domain.AttributionConfig) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE attribution_configs
		 SET window_days = ?, new_patient_model = ?, returning_patient_model = ?,
		     fingerprint_enabled = ?, updated_at = ?
		 WHERE clinic_id = ?`,
		config.WindowDays, config.NewPatientModel, config.ReturningPatientModel,
		config.FingerprintEnabled, config.UpdatedAt.UTC(), config.ClinicID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return db.WithContext(ctx).Create(config).Error
}

func (r *repo) InsertPatient(ctx context.Context, db *gorm.DB, patient *domain.Patient) error {
	return db.WithContext(ctx).Create(patient).Error
}

func (r *repo) FindPatient(ctx context.Context, db *gorm.DB, clinicID, patientID snowflake.ID) (*domain.Patient, error) {
	var patient domain.Patient
	err := db.WithContext(ctx).
		Where("clinic_id = ? AND id = ?", clinicID, patientID).
		First(&patient).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &patient, nil
}

func (r *repo) AttributePatient(ctx context.Context, db *gorm.DB, clinicID, patientID, affiliateID snowflake.ID, refCode string, model domain.Model, confidence domain.Confidence, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE patients
		 SET attributed_affiliate_id = ?, attributed_ref_code = ?,
		     attribution_model = ?, attribution_confidence = ?,
		     attributed_at = ?, updated_at = ?
		 WHERE clinic_id = ? AND id = ? AND attributed_affiliate_id IS NULL`,
		affiliateID, refCode, model, confidence, at.UTC(), at.UTC(),
		clinicID, patientID,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) TagPatient(ctx context.Context, db *gorm.DB, clinicID, patientID snowflake.ID, refCode, tag string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE patients
		 SET attributed_ref_code = ?, referral_tag = ?, tagged_at = ?, updated_at = ?
		 WHERE clinic_id = ? AND id = ? AND attributed_affiliate_id IS NULL`,
		refCode, tag, at.UTC(), at.UTC(),
		clinicID, patientID,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListTaggedPatients(ctx context.Context, db *gorm.DB, clinicID snowflake.ID, limit int) ([]*domain.Patient, error) {
	stmt := db.WithContext(ctx).Model(&domain.Patient{}).
		Where("clinic_id = ?", clinicID).
		Where("referral_tag IS NOT NULL").
		Where("attributed_affiliate_id IS NULL").
		Order("tagged_at asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}

	var patients []*domain.Patient
	if err := stmt.Find(&patients).Error; err != nil {
		return nil, err
	}
	return patients, nil
}
