package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Model string

const (
	ModelFirstClick   Model = "FIRST_CLICK"
	ModelLastClick    Model = "LAST_CLICK"
	ModelLinear       Model = "LINEAR"
	ModelTimeDecay    Model = "TIME_DECAY"
	ModelPosition     Model = "POSITION"
	ModelIntakeDirect Model = "INTAKE_DIRECT"
)

func (m Model) Valid() bool {
	switch m {
	case ModelFirstClick, ModelLastClick, ModelLinear, ModelTimeDecay, ModelPosition:
		return true
	}
	return false
}

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// AffiliateTouch is an immutable exposure record. The only permitted
// mutation is setting the conversion linkage, exactly once.
type AffiliateTouch struct {
	ID                 snowflake.ID      `gorm:"column:id;primaryKey" json:"id"`
	ClinicID           snowflake.ID      `gorm:"column:clinic_id" json:"clinic_id"`
	AffiliateID        snowflake.ID      `gorm:"column:affiliate_id" json:"affiliate_id"`
	RefCodeID          *snowflake.ID     `gorm:"column:ref_code_id" json:"ref_code_id,omitempty"`
	RefCode            string            `gorm:"column:ref_code" json:"ref_code"`
	Fingerprint        string            `gorm:"column:fingerprint" json:"fingerprint,omitempty"`
	CookieID           string            `gorm:"column:cookie_id" json:"cookie_id,omitempty"`
	Source             string            `gorm:"column:source" json:"source,omitempty"`
	Metadata           datatypes.JSONMap `gorm:"column:metadata" json:"metadata,omitempty"`
	ConvertedPatientID *snowflake.ID     `gorm:"column:converted_patient_id" json:"converted_patient_id,omitempty"`
	ConvertedAt        *time.Time        `gorm:"column:converted_at" json:"converted_at,omitempty"`
	OccurredAt         time.Time         `gorm:"column:occurred_at" json:"occurred_at"`
	CreatedAt          time.Time         `gorm:"column:created_at" json:"created_at"`
}

func (AffiliateTouch) TableName() string {
	return "affiliate_touches"
}

// AttributionConfig is per-clinic policy: which model applies to new
// vs returning conversions, the lookback window, and whether
// fingerprint matching participates.
type AttributionConfig struct {
	ID                    snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	ClinicID              snowflake.ID `gorm:"column:clinic_id" json:"clinic_id"`
	WindowDays            int          `gorm:"column:window_days" json:"window_days"`
	NewPatientModel       Model        `gorm:"column:new_patient_model" json:"new_patient_model"`
	ReturningPatientModel Model        `gorm:"column:returning_patient_model" json:"returning_patient_model"`
	FingerprintEnabled    bool         `gorm:"column:fingerprint_enabled" json:"fingerprint_enabled"`
	CreatedAt             time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (AttributionConfig) TableName() string {
	return "attribution_configs"
}

// Patient is the narrow slice of the patient directory the resolver
// writes through: durable attribution plus the tag-only fallback.
type Patient struct {
	ID                    snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	ClinicID              snowflake.ID `gorm:"column:clinic_id" json:"clinic_id"`
	PatientKey            string       `gorm:"column:patient_key" json:"patient_key"`
	AttributedAffiliateID *snowflake.ID `gorm:"column:attributed_affiliate_id" json:"attributed_affiliate_id,omitempty"`
	AttributedRefCode     *string      `gorm:"column:attributed_ref_code" json:"attributed_ref_code,omitempty"`
	AttributionModel      *string      `gorm:"column:attribution_model" json:"attribution_model,omitempty"`
	AttributionConfidence *string      `gorm:"column:attribution_confidence" json:"attribution_confidence,omitempty"`
	AttributedAt          *time.Time   `gorm:"column:attributed_at" json:"attributed_at,omitempty"`
	ReferralTag           *string      `gorm:"column:referral_tag" json:"referral_tag,omitempty"`
	TaggedAt              *time.Time   `gorm:"column:tagged_at" json:"tagged_at,omitempty"`
	CreatedAt             time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (Patient) TableName() string {
	return "patients"
}

// WeightedTouch pairs a touch with its normalized model weight.
type WeightedTouch struct {
	Touch  *AffiliateTouch `json:"touch"`
	Weight float64         `json:"weight"`
}

// AttributionResult is the resolver output: the credited affiliate,
// the winning touch, and the full weighted list.
type AttributionResult struct {
	AffiliateID snowflake.ID    `json:"affiliate_id"`
	RefCode     string          `json:"ref_code"`
	TouchID     snowflake.ID    `json:"touch_id"`
	Model       Model           `json:"model"`
	Confidence  Confidence      `json:"confidence"`
	Weight      float64         `json:"weight"`
	Touches     []WeightedTouch `json:"touches,omitempty"`
}
