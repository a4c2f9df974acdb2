package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/clinichq/attrio/internal/affiliate/domain"
	attributiondomain "github.com/clinichq/attrio/internal/attribution/domain"
	auditdomain "github.com/clinichq/attrio/internal/audit/domain"
	"github.com/clinichq/attrio/internal/cache"
	"github.com/clinichq/attrio/internal/clock"
	"github.com/clinichq/attrio/internal/config"
	obsmetrics "github.com/clinichq/attrio/internal/observability/metrics"
	"github.com/clinichq/attrio/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const referralTagPrefix = "affiliate:"

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Policy        *config.PolicyHolder
	Repo          attributiondomain.Repository
	AffiliateRepo affiliatedomain.Repository
	ConfigCache   *cache.AttributionConfigCache `optional:"true"`
	AuditSvc      auditdomain.Service           `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics           `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	policy        *config.PolicyHolder
	repo          attributiondomain.Repository
	affiliateRepo affiliatedomain.Repository
	configCache   *cache.AttributionConfigCache
	auditSvc      auditdomain.Service
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) attributiondomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("attribution.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		policy:        p.Policy,
		repo:          p.Repo,
		affiliateRepo: p.AffiliateRepo,
		configCache:   p.ConfigCache,
		auditSvc:      p.AuditSvc,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *Service) Resolve(ctx context.Context, req attributiondomain.ResolveRequest) (*attributiondomain.AttributionResult, error) {
	fingerprint := strings.TrimSpace(req.Fingerprint)
	cookieID := strings.TrimSpace(req.CookieID)
	if req.ClinicID == 0 || (fingerprint == "" && cookieID == "") {
		return nil, nil
	}

	cfg, err := s.loadConfig(ctx, req.ClinicID)
	if err != nil {
		return nil, err
	}
	if !cfg.FingerprintEnabled {
		fingerprint = ""
		if cookieID == "" {
			return nil, nil
		}
	}

	model := cfg.NewPatientModel
	if !req.IsNewPatient {
		model = cfg.ReturningPatientModel
	}

	now := s.clock.Now()
	touches, err := s.repo.ListTouches(ctx, s.db, attributiondomain.TouchFilter{
		ClinicID:    req.ClinicID,
		Fingerprint: fingerprint,
		CookieID:    cookieID,
		Since:       now.AddDate(0, 0, -cfg.WindowDays),
	})
	if err != nil {
		return nil, err
	}
	if len(touches) == 0 {
		return nil, nil
	}

	weights := attributiondomain.ComputeWeights(model, touches, now)
	winner := attributiondomain.WinningIndex(weights)
	if winner < 0 {
		return nil, nil
	}

	confidence := attributiondomain.ConfidenceLow
	switch {
	case fingerprint != "" && cookieID != "":
		confidence = attributiondomain.ConfidenceHigh
	case fingerprint != "" || cookieID != "":
		confidence = attributiondomain.ConfidenceMedium
	}

	weighted := make([]attributiondomain.WeightedTouch, len(touches))
	for i, touch := range touches {
		weighted[i] = attributiondomain.WeightedTouch{Touch: touch, Weight: weights[i]}
	}

	result := &attributiondomain.AttributionResult{
		AffiliateID: touches[winner].AffiliateID,
		RefCode:     touches[winner].RefCode,
		TouchID:     touches[winner].ID,
		Model:       model,
		Confidence:  confidence,
		Weight:      weights[winner],
		Touches:     weighted,
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordAttribution(ctx, string(model), string(confidence))
	}
	return result, nil
}

func (s *Service) RecordTouch(ctx context.Context, req attributiondomain.RecordTouchRequest) (*attributiondomain.AffiliateTouch, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	fingerprint := strings.TrimSpace(req.Fingerprint)
	cookieID := strings.TrimSpace(req.CookieID)
	if req.ClinicID == 0 || code == "" {
		return nil, attributiondomain.ErrCodeNotFound
	}
	if fingerprint == "" && cookieID == "" {
		return nil, attributiondomain.ErrIdentifierMissing
	}

	refCode, _, err := s.lookupActiveCode(ctx, req.ClinicID, code)
	if err != nil {
		return nil, err
	}

	occurredAt := s.clock.Now()
	if req.OccurredAt != nil && !req.OccurredAt.IsZero() {
		occurredAt = req.OccurredAt.UTC()
	}

	touch := &attributiondomain.AffiliateTouch{
		ID:          s.genID.Generate(),
		ClinicID:    req.ClinicID,
		AffiliateID: refCode.AffiliateID,
		RefCodeID:   &refCode.ID,
		RefCode:     refCode.Code,
		Fingerprint: fingerprint,
		CookieID:    cookieID,
		Source:      strings.TrimSpace(req.Source),
		Metadata:    datatypes.JSONMap(req.Metadata),
		OccurredAt:  occurredAt,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.repo.InsertTouch(ctx, s.db, touch); err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordTouch(ctx, touch.Source)
	}
	return touch, nil
}

// AttributeFromIntake records a touch for every valid code use, and
// applies first-attribution-wins to the patient. A later submission
// with a different code never overwrites an existing attribution.
func (s *Service) AttributeFromIntake(ctx context.Context, req attributiondomain.IntakeAttributionRequest) (*attributiondomain.IntakeAttributionResult, error) {
	code := strings.ToUpper(strings.TrimSpace(req.PromoCode))
	if req.ClinicID == 0 || req.PatientID == 0 || code == "" {
		return nil, attributiondomain.ErrCodeNotFound
	}

	patient, err := s.repo.FindPatient(ctx, s.db, req.ClinicID, req.PatientID)
	if err != nil {
		return nil, err
	}
	if patient == nil {
		s.recordFailure(ctx, attributiondomain.ReasonPatientNotFound)
		return nil, attributiondomain.ErrPatientNotFound
	}

	refCode, affiliate, err := s.lookupActiveCode(ctx, req.ClinicID, code)
	if err != nil {
		return nil, err
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "intake"
	}

	now := s.clock.Now()
	touch := &attributiondomain.AffiliateTouch{
		ID:          s.genID.Generate(),
		ClinicID:    req.ClinicID,
		AffiliateID: refCode.AffiliateID,
		RefCodeID:   &refCode.ID,
		RefCode:     refCode.Code,
		Source:      source,
		OccurredAt:  now,
		CreatedAt:   now,
	}

	attributed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertTouch(ctx, tx, touch); err != nil {
			return err
		}

		affected, err := s.repo.AttributePatient(ctx, tx, req.ClinicID, req.PatientID, refCode.AffiliateID,
			refCode.Code, attributiondomain.ModelIntakeDirect, attributiondomain.ConfidenceHigh, now)
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}

		attributed = true
		if err := s.repo.SetTouchConversion(ctx, tx, touch.ID, req.PatientID, now); err != nil {
			return err
		}
		return s.affiliateRepo.IncrementLifetime(ctx, tx, refCode.AffiliateID, 1, 0)
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordTouch(ctx, source)
	}

	if !attributed {
		s.log.Info("intake attribution skipped, patient already attributed",
			zap.String("clinic_id", req.ClinicID.String()),
			zap.String("patient_id", req.PatientID.String()),
			zap.String("code", refCode.Code),
		)
		return &attributiondomain.IntakeAttributionResult{
			Reason:  attributiondomain.ReasonAlreadyAttributed,
			TouchID: touch.ID,
		}, nil
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordAttribution(ctx, string(attributiondomain.ModelIntakeDirect), string(attributiondomain.ConfidenceHigh))
	}
	s.audit(ctx, req.ClinicID, "attribution.assigned", "patient", req.PatientID.String(), map[string]any{
		"affiliate_id": affiliate.ID.String(),
		"code":         refCode.Code,
		"source":       source,
	})

	return &attributiondomain.IntakeAttributionResult{
		Result: &attributiondomain.AttributionResult{
			AffiliateID: refCode.AffiliateID,
			RefCode:     refCode.Code,
			TouchID:     touch.ID,
			Model:       attributiondomain.ModelIntakeDirect,
			Confidence:  attributiondomain.ConfidenceHigh,
			Weight:      1,
		},
		TouchID: touch.ID,
	}, nil
}

// TagPatientWithReferralCodeOnly is the degraded path for codes that
// are not registered yet: tag the patient for later reconciliation
// without creating a touch or assigning an affiliate.
func (s *Service) TagPatientWithReferralCodeOnly(ctx context.Context, clinicID, patientID snowflake.ID, promoCode string) (bool, error) {
	code := strings.ToUpper(strings.TrimSpace(promoCode))
	if clinicID == 0 || patientID == 0 || code == "" {
		return false, attributiondomain.ErrCodeNotFound
	}

	patient, err := s.repo.FindPatient(ctx, s.db, clinicID, patientID)
	if err != nil {
		return false, err
	}
	if patient == nil {
		return false, attributiondomain.ErrPatientNotFound
	}

	affected, err := s.repo.TagPatient(ctx, s.db, clinicID, patientID, code, referralTagPrefix+code, s.clock.Now())
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReconcileTaggedPatients converts referral tags into real
// attributions once the code has been registered and activated.
func (s *Service) ReconcileTaggedPatients(ctx context.Context, clinicID snowflake.ID) (int64, error) {
	patients, err := s.repo.ListTaggedPatients(ctx, s.db, clinicID, 500)
	if err != nil {
		return 0, err
	}

	var reconciled int64
	for _, patient := range patients {
		code := tagCode(patient)
		if code == "" {
			continue
		}

		result, err := s.AttributeFromIntake(ctx, attributiondomain.IntakeAttributionRequest{
			ClinicID:  clinicID,
			PatientID: patient.ID,
			PromoCode: code,
			Source:    "reconciliation",
		})
		if err != nil {
			// Unregistered codes stay tagged until the code appears.
			s.log.Debug("tag reconciliation skipped",
				zap.String("patient_id", patient.ID.String()),
				zap.String("code", code),
				zap.Error(err),
			)
			continue
		}
		if result.Result != nil {
			reconciled++
		}
	}
	return reconciled, nil
}

func (s *Service) RegisterPatient(ctx context.Context, clinicID snowflake.ID, patientKey string) (*attributiondomain.Patient, error) {
	patientKey = strings.TrimSpace(patientKey)
	if clinicID == 0 || patientKey == "" {
		return nil, attributiondomain.ErrPatientNotFound
	}

	now := s.clock.Now()
	patient := &attributiondomain.Patient{
		ID:         s.genID.Generate(),
		ClinicID:   clinicID,
		PatientKey: patientKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.InsertPatient(ctx, s.db, patient); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, attributiondomain.ErrPatientNotFound
		}
		return nil, err
	}
	return patient, nil
}

func (s *Service) GetPatient(ctx context.Context, clinicID, patientID snowflake.ID) (*attributiondomain.Patient, error) {
	patient, err := s.repo.FindPatient(ctx, s.db, clinicID, patientID)
	if err != nil {
		return nil, err
	}
	if patient == nil {
		return nil, attributiondomain.ErrPatientNotFound
	}
	return patient, nil
}

func (s *Service) GetConfig(ctx context.Context, clinicID snowflake.ID) (*attributiondomain.AttributionConfig, error) {
	return s.loadConfig(ctx, clinicID)
}

func (s *Service) UpsertConfig(ctx context.Context, req attributiondomain.UpsertConfigRequest) (*attributiondomain.AttributionConfig, error) {
	if req.ClinicID == 0 || req.WindowDays <= 0 {
		return nil, attributiondomain.ErrInvalidConfig
	}
	if !req.NewPatientModel.Valid() || !req.ReturningPatientModel.Valid() {
		return nil, attributiondomain.ErrInvalidConfig
	}

	now := s.clock.Now()
	cfg := &attributiondomain.AttributionConfig{
		ID:                    s.genID.Generate(),
		ClinicID:              req.ClinicID,
		WindowDays:            req.WindowDays,
		NewPatientModel:       req.NewPatientModel,
		ReturningPatientModel: req.ReturningPatientModel,
		FingerprintEnabled:    req.FingerprintEnabled,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.repo.UpsertConfig(ctx, s.db, cfg); err != nil {
		return nil, err
	}

	s.configCache.Invalidate(ctx, req.ClinicID)
	s.audit(ctx, req.ClinicID, "attribution.config_updated", "attribution_config", req.ClinicID.String(), map[string]any{
		"window_days":             req.WindowDays,
		"new_patient_model":       string(req.NewPatientModel),
		"returning_patient_model": string(req.ReturningPatientModel),
	})
	return cfg, nil
}

// lookupActiveCode resolves a normalized code to its active ref code
// and ACTIVE affiliate, reporting each failure mode distinctly.
func (s *Service) lookupActiveCode(ctx context.Context, clinicID snowflake.ID, code string) (*affiliatedomain.AffiliateRefCode, *affiliatedomain.Affiliate, error) {
	refCode, err := s.affiliateRepo.FindRefCode(ctx, s.db, clinicID, code)
	if err != nil {
		return nil, nil, err
	}
	if refCode == nil {
		other, err := s.affiliateRepo.FindRefCodeAnyClinic(ctx, s.db, code)
		if err != nil {
			return nil, nil, err
		}
		if other != nil {
			s.recordFailure(ctx, attributiondomain.ReasonClinicMismatch)
			return nil, nil, &attributiondomain.ClinicMismatchError{
				Code:          code,
				OwningClinic:  other.ClinicID,
				RequestClinic: clinicID,
			}
		}
		s.recordFailure(ctx, attributiondomain.ReasonCodeNotFound)
		return nil, nil, attributiondomain.ErrCodeNotFound
	}
	if !refCode.Active {
		s.recordFailure(ctx, attributiondomain.ReasonCodeInactive)
		return nil, nil, attributiondomain.ErrCodeInactive
	}

	affiliate, err := s.affiliateRepo.FindByID(ctx, s.db, clinicID, refCode.AffiliateID)
	if err != nil {
		return nil, nil, err
	}
	if affiliate == nil || affiliate.Status != affiliatedomain.StatusActive {
		s.recordFailure(ctx, attributiondomain.ReasonAffiliateInactive)
		return nil, nil, attributiondomain.ErrAffiliateInactive
	}
	return refCode, affiliate, nil
}

func (s *Service) loadConfig(ctx context.Context, clinicID snowflake.ID) (*attributiondomain.AttributionConfig, error) {
	if cfg, ok := s.configCache.Get(ctx, clinicID); ok {
		return cfg, nil
	}

	cfg, err := s.repo.FindConfig(ctx, s.db, clinicID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		policy := s.policy.Get()
		cfg = &attributiondomain.AttributionConfig{
			ClinicID:              clinicID,
			WindowDays:            policy.DefaultWindowDays,
			NewPatientModel:       attributiondomain.Model(policy.DefaultNewPatientModel),
			ReturningPatientModel: attributiondomain.Model(policy.DefaultReturningPatientModel),
			FingerprintEnabled:    true,
		}
	}

	s.configCache.Set(ctx, cfg)
	return cfg, nil
}

func (s *Service) recordFailure(ctx context.Context, reason string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordAttributionFailure(ctx, reason)
	}
}

func (s *Service) audit(ctx context.Context, clinicID snowflake.ID, action, resourceType, resourceID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, clinicID, action, resourceType, resourceID, metadata); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func tagCode(patient *attributiondomain.Patient) string {
	if patient == nil {
		return ""
	}
	if patient.ReferralTag != nil && strings.HasPrefix(*patient.ReferralTag, referralTagPrefix) {
		return strings.TrimPrefix(*patient.ReferralTag, referralTagPrefix)
	}
	if patient.AttributedRefCode != nil {
		return strings.ToUpper(strings.TrimSpace(*patient.AttributedRefCode))
	}
	return ""
}
