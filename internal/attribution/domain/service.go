package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Structured attribution failure reasons. Failures are diagnostic,
// never silently swallowed.
const (
	ReasonCodeNotFound      = "CODE_NOT_FOUND"
	ReasonCodeInactive      = "CODE_INACTIVE"
	ReasonAffiliateInactive = "AFFILIATE_INACTIVE"
	ReasonClinicMismatch    = "CLINIC_MISMATCH"
	ReasonPatientNotFound   = "PATIENT_NOT_FOUND"
	ReasonAlreadyAttributed = "ALREADY_ATTRIBUTED"
	ReasonDatabaseError     = "DATABASE_ERROR"
)

var (
	ErrCodeNotFound      = errors.New("code_not_found")
	ErrCodeInactive      = errors.New("code_inactive")
	ErrAffiliateInactive = errors.New("affiliate_inactive")
	ErrPatientNotFound   = errors.New("patient_not_found")
	ErrIdentifierMissing = errors.New("identifier_missing")
	ErrInvalidConfig     = errors.New("invalid_attribution_config")
	ErrTouchConverted    = errors.New("touch_already_converted")
)

// ClinicMismatchError reports a code that exists but belongs to a
// different clinic; the owning clinic is included for diagnostics.
type ClinicMismatchError struct {
	Code          string
	OwningClinic  snowflake.ID
	RequestClinic snowflake.ID
}

func (e *ClinicMismatchError) Error() string {
	return fmt.Sprintf("clinic_mismatch: code %s belongs to clinic %d, not %d", e.Code, e.OwningClinic, e.RequestClinic)
}

type ResolveRequest struct {
	ClinicID     snowflake.ID `json:"clinic_id"`
	Fingerprint  string       `json:"fingerprint,omitempty"`
	CookieID     string       `json:"cookie_id,omitempty"`
	IsNewPatient bool         `json:"is_new_patient"`
}

type RecordTouchRequest struct {
	ClinicID    snowflake.ID   `json:"clinic_id"`
	Code        string         `json:"code"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	CookieID    string         `json:"cookie_id,omitempty"`
	Source      string         `json:"source,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	OccurredAt  *time.Time     `json:"occurred_at,omitempty"`
}

type IntakeAttributionRequest struct {
	ClinicID  snowflake.ID `json:"clinic_id"`
	PatientID snowflake.ID `json:"patient_id"`
	PromoCode string       `json:"promo_code"`
	Source    string       `json:"source,omitempty"`
}

// IntakeAttributionResult carries either a successful attribution or
// an informational reason (ALREADY_ATTRIBUTED is a success).
type IntakeAttributionResult struct {
	Result  *AttributionResult `json:"result,omitempty"`
	Reason  string             `json:"reason,omitempty"`
	TouchID snowflake.ID       `json:"touch_id,omitempty"`
}

type UpsertConfigRequest struct {
	ClinicID              snowflake.ID `json:"clinic_id"`
	WindowDays            int          `json:"window_days"`
	NewPatientModel       Model        `json:"new_patient_model"`
	ReturningPatientModel Model        `json:"returning_patient_model"`
	FingerprintEnabled    bool         `json:"fingerprint_enabled"`
}

type Service interface {
	// Resolve returns (nil, nil) when no identifier matches any touch
	// inside the window; absence of attribution is not an error.
	Resolve(ctx context.Context, req ResolveRequest) (*AttributionResult, error)

	RecordTouch(ctx context.Context, req RecordTouchRequest) (*AffiliateTouch, error)
	AttributeFromIntake(ctx context.Context, req IntakeAttributionRequest) (*IntakeAttributionResult, error)
	TagPatientWithReferralCodeOnly(ctx context.Context, clinicID, patientID snowflake.ID, promoCode string) (bool, error)
	ReconcileTaggedPatients(ctx context.Context, clinicID snowflake.ID) (int64, error)

	RegisterPatient(ctx context.Context, clinicID snowflake.ID, patientKey string) (*Patient, error)
	GetPatient(ctx context.Context, clinicID, patientID snowflake.ID) (*Patient, error)

	GetConfig(ctx context.Context, clinicID snowflake.ID) (*AttributionConfig, error)
	UpsertConfig(ctx context.Context, req UpsertConfigRequest) (*AttributionConfig, error)
}

type TouchFilter struct {
	ClinicID    snowflake.ID
	Fingerprint string
	CookieID    string
	Since       time.Time
}

type Repository interface {
	InsertTouch(ctx context.Context, db *gorm.DB, touch *AffiliateTouch) error
	ListTouches(ctx context.Context, db *gorm.DB, filter TouchFilter) ([]*AffiliateTouch, error)
	// SetTouchConversion links a touch to a converted patient exactly
	// once; re-linking the same patient is a no-op, a different
	// patient is an error.
	SetTouchConversion(ctx context.Context, db *gorm.DB, touchID, patientID snowflake.ID, at time.Time) error

	FindConfig(ctx context.Context, db *gorm.DB, clinicID snowflake.ID) (*AttributionConfig, error)
	UpsertConfig(ctx context.Context, db *gorm.DB, config *AttributionConfig) error

	InsertPatient(ctx context.Context, db *gorm.DB, patient *Patient) error
	FindPatient(ctx context.Context, db *gorm.DB, clinicID, patientID snowflake.ID) (*Patient, error)
	// AttributePatient applies first-attribution-wins as a conditional
	// update; returns rows affected (0 means already attributed).
	AttributePatient(ctx context.Context, db *gorm.DB, clinicID, patientID, affiliateID snowflake.ID, refCode string, model Model, confidence Confidence, at time.Time) (int64, error)
	TagPatient(ctx context.Context, db *gorm.DB, clinicID, patientID snowflake.ID, refCode, tag string, at time.Time) (int64, error)
	ListTaggedPatients(ctx context.Context, db *gorm.DB, clinicID snowflake.ID, limit int) ([]*Patient, error)
}
