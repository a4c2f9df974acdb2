package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliaterepo "github.com/clinichq/attrio/internal/affiliate/repository"
	attributiondomain "github.com/clinichq/attrio/internal/attribution/domain"
	"github.com/clinichq/attrio/internal/attribution/repository"
	"github.com/clinichq/attrio/internal/clock"
	"github.com/clinichq/attrio/internal/config"
	"github.com/clinichq/attrio/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc    attributiondomain.Service
	db     *gorm.DB
	clock  *clock.FakeClock
	genID  *snowflake.Node
	clinic snowflake.ID
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

	return &fixture{
		svc:    svc,
		db:     conn,
		clock:  fake,
		genID:  node,
		clinic: node.Generate(),
	}
}

func (f *fixture) createAffiliate(t *testing.T, code string) snowflake.ID {
	t.Helper()

	affiliateID := f.genID.Generate()
	now := f.clock.Now()
	err := f.db.Exec(
		`INSERT INTO affiliates (id, clinic_id, display_name, email, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'ACTIVE', ?, ?)`,
		affiliateID, f.clinic, "Affiliate "+code, code+"@example.com", now, now,
	).Error
	if err != nil {
		t.Fatalf("insert affiliate: %v", err)
	}

	err = f.db.Exec(
		`INSERT INTO affiliate_ref_codes (id, clinic_id, affiliate_id, code, active, created_at)
		 VALUES (?, ?, ?, ?, TRUE, ?)`,
		f.genID.Generate(), f.clinic, affiliateID, code, now,
	).Error
	if err != nil {
		t.Fatalf("insert ref code: %v", err)
	}
	return affiliateID
}

func (f *fixture) registerPatient(t *testing.T, key string) snowflake.ID {
	t.Helper()
	patient, err := f.svc.RegisterPatient(context.Background(), f.clinic, key)
	if err != nil {
		t.Fatalf("register patient: %v", err)
	}
	return patient.ID
}

func TestResolveReturnsNilWithoutTouches(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Resolve(context.Background(), attributiondomain.ResolveRequest{
		ClinicID: f.clinic,
		CookieID: "cookie-1",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no attribution, got %+v", result)
	}
}

func TestResolveReturnsNilWithoutIdentifiers(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Resolve(context.Background(), attributiondomain.ResolveRequest{ClinicID: f.clinic})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no attribution, got %+v", result)
	}
}

func TestResolveModelsByPatientKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	affiliateA := f.createAffiliate(t, "ALPHA")
	affiliateB := f.createAffiliate(t, "BRAVO")

	if _, err := f.svc.RecordTouch(ctx, attributiondomain.RecordTouchRequest{
		ClinicID: f.clinic,
		Code:     "ALPHA",
		CookieID: "cookie-1",
	}); err != nil {
		t.Fatalf("record touch: %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	if _, err := f.svc.RecordTouch(ctx, attributiondomain.RecordTouchRequest{
		ClinicID: f.clinic,
		Code:     "bravo",
	}); !errors.Is(err, attributiondomain.ErrIdentifierMissing) {
		t.Fatalf("expected identifier_missing, got %v", err)
	}
	if _, err := f.svc.RecordTouch(ctx, attributiondomain.RecordTouchRequest{
		ClinicID: f.clinic,
		Code:     "bravo",
		CookieID: "cookie-1",
	}); err != nil {
		t.Fatalf("record touch: %v", err)
	}

	// New patients default to FIRST_CLICK: the earliest touch wins.
	newPatient, err := f.svc.Resolve(ctx, attributiondomain.ResolveRequest{
		ClinicID:     f.clinic,
		CookieID:     "cookie-1",
		IsNewPatient: true,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if newPatient == nil || newPatient.AffiliateID != affiliateA {
		t.Fatalf("expected first-click winner %v, got %+v", affiliateA, newPatient)
	}
	if newPatient.Model != attributiondomain.ModelFirstClick {
		t.Fatalf("expected FIRST_CLICK, got %s", newPatient.Model)
	}

	// Returning patients default to LAST_CLICK: the latest touch wins.
	returning, err := f.svc.Resolve(ctx, attributiondomain.ResolveRequest{
		ClinicID: f.clinic,
		CookieID: "cookie-1",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if returning == nil || returning.AffiliateID != affiliateB {
		t.Fatalf("expected last-click winner %v, got %+v", affiliateB, returning)
	}
	if returning.Confidence != attributiondomain.ConfidenceMedium {
		t.Fatalf("expected medium confidence for single identifier, got %s", returning.Confidence)
	}
}

func TestResolveIgnoresTouchesOutsideWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createAffiliate(t, "ALPHA")

	if _, err := f.svc.RecordTouch(ctx, attributiondomain.RecordTouchRequest{
		ClinicID: f.clinic,
		Code:     "ALPHA",
		CookieID: "cookie-1",
	}); err != nil {
		t.Fatalf("record touch: %v", err)
	}

	f.clock.Advance(31 * 24 * time.Hour)

	result, err := f.svc.Resolve(ctx, attributiondomain.ResolveRequest{
		ClinicID: f.clinic,
		CookieID: "cookie-1",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result != nil {
		t.Fatalf("expected stale touch to fall outside window, got %+v", result)
	}
}

func TestResolveFingerprintDisabledByConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createAffiliate(t, "ALPHA")

	if _, err := f.svc.UpsertConfig(ctx, attributiondomain.UpsertConfigRequest{
		ClinicID:              f.clinic,
		WindowDays:            30,
		NewPatientModel:       attributiondomain.ModelFirstClick,
		ReturningPatientModel: attributiondomain.ModelLastClick,
		FingerprintEnabled:    false,
	}); err != nil {
		t.Fatalf("upsert config: %v", err)
	}

	if _, err := f.svc.RecordTouch(ctx, attributiondomain.RecordTouchRequest{
		ClinicID:    f.clinic,
		Code:        "ALPHA",
		Fingerprint: "fp-1",
	}); err != nil {
		t.Fatalf("record touch: %v", err)
	}

	result, err := f.svc.Resolve(ctx, attributiondomain.ResolveRequest{
		ClinicID:    f.clinic,
		Fingerprint: "fp-1",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result != nil {
		t.Fatalf("fingerprint matching disabled, expected nil result, got %+v", result)
	}
}

func TestAttributeFromIntakeFirstAttributionWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	affiliateA := f.createAffiliate(t, "ALPHA")
	f.createAffiliate(t, "BRAVO")
	patientID := f.registerPatient(t, "patient-1")

	first, err := f.svc.AttributeFromIntake(ctx, attributiondomain.IntakeAttributionRequest{
		ClinicID:  f.clinic,
		PatientID: patientID,
		PromoCode: "alpha",
	})
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	if first.Result == nil || first.Result.AffiliateID != affiliateA {
		t.Fatalf("expected attribution to %v, got %+v", affiliateA, first)
	}

	second, err := f.svc.AttributeFromIntake(ctx, attributiondomain.IntakeAttributionRequest{
		ClinicID:  f.clinic,
		PatientID: patientID,
		PromoCode: "BRAVO",
	})
	if err != nil {
		t.Fatalf("attribute second code: %v", err)
	}
	if second.Result != nil || second.Reason != attributiondomain.ReasonAlreadyAttributed {
		t.Fatalf("expected ALREADY_ATTRIBUTED, got %+v", second)
	}

	patient, err := f.svc.GetPatient(ctx, f.clinic, patientID)
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	if patient.AttributedAffiliateID == nil || *patient.AttributedAffiliateID != affiliateA {
		t.Fatalf("patient attribution overwritten: %+v", patient)
	}

	// Both code uses leave a touch even when attribution is locked.
	var touches int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM affiliate_touches WHERE clinic_id = ?`, f.clinic).Scan(&touches).Error; err != nil {
		t.Fatalf("count touches: %v", err)
	}
	if touches != 2 {
		t.Fatalf("expected 2 touches, got %d", touches)
	}

	var conversions int64
	if err := f.db.Raw(`SELECT lifetime_conversions FROM affiliates WHERE id = ?`, affiliateA).Scan(&conversions).Error; err != nil {
		t.Fatalf("read lifetime: %v", err)
	}
	if conversions != 1 {
		t.Fatalf("expected 1 lifetime conversion, got %d", conversions)
	}
}

func TestAttributeFromIntakeFailureModes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patientID := f.registerPatient(t, "patient-1")

	_, err := f.svc.AttributeFromIntake(ctx, attributiondomain.IntakeAttributionRequest{
		ClinicID:  f.clinic,
		PatientID: patientID,
		PromoCode: "GHOST",
	})
	if !errors.Is(err, attributiondomain.ErrCodeNotFound) {
		t.Fatalf("expected code_not_found, got %v", err)
	}

	affiliateID := f.createAffiliate(t, "ALPHA")
	if err := f.db.Exec(`UPDATE affiliate_ref_codes SET active = FALSE WHERE code = 'ALPHA'`).Error; err != nil {
		t.Fatalf("deactivate code: %v", err)
	}
	_, err = f.svc.AttributeFromIntake(ctx, attributiondomain.IntakeAttributionRequest{
		ClinicID:  f.clinic,
		PatientID: patientID,
		PromoCode: "ALPHA",
	})
	if !errors.Is(err, attributiondomain.ErrCodeInactive) {
		t.Fatalf("expected code_inactive, got %v", err)
	}

	if err := f.db.Exec(`UPDATE affiliate_ref_codes SET active = TRUE WHERE code = 'ALPHA'`).Error; err != nil {
		t.Fatalf("reactivate code: %v", err)
	}
	if err := f.db.Exec(`UPDATE affiliates SET status = 'INACTIVE' WHERE id = ?`, affiliateID).Error; err != nil {
		t.Fatalf("deactivate affiliate: %v", err)
	}
	_, err = f.svc.AttributeFromIntake(ctx, attributiondomain.IntakeAttributionRequest{
		ClinicID:  f.clinic,
		PatientID: patientID,
		PromoCode: "ALPHA",
	})
	if !errors.Is(err, attributiondomain.ErrAffiliateInactive) {
		t.Fatalf("expected affiliate_inactive, got %v", err)
	}

	_, err = f.svc.AttributeFromIntake(ctx, attributiondomain.IntakeAttributionRequest{
		ClinicID:  f.genID.Generate(),
		PatientID: patientID,
		PromoCode: "ALPHA",
	})
	var mismatch *attributiondomain.ClinicMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected clinic mismatch, got %v", err)
	}
	if mismatch.OwningClinic != f.clinic {
		t.Fatalf("mismatch owning clinic = %v, want %v", mismatch.OwningClinic, f.clinic)
	}
}

func TestTagThenReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patientID := f.registerPatient(t, "patient-1")

	tagged, err := f.svc.TagPatientWithReferralCodeOnly(ctx, f.clinic, patientID, "sarah10")
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	if !tagged {
		t.Fatal("expected patient to be tagged")
	}

	// Code still unknown: nothing to reconcile yet, tag stays.
	reconciled, err := f.svc.ReconcileTaggedPatients(ctx, f.clinic)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if reconciled != 0 {
		t.Fatalf("expected 0 reconciled, got %d", reconciled)
	}

	affiliateID := f.createAffiliate(t, "SARAH10")

	reconciled, err = f.svc.ReconcileTaggedPatients(ctx, f.clinic)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if reconciled != 1 {
		t.Fatalf("expected 1 reconciled, got %d", reconciled)
	}

	patient, err := f.svc.GetPatient(ctx, f.clinic, patientID)
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	if patient.AttributedAffiliateID == nil || *patient.AttributedAffiliateID != affiliateID {
		t.Fatalf("expected reconciliation to attribute %v, got %+v", affiliateID, patient)
	}
}

func TestUpsertConfigValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpsertConfig(ctx, attributiondomain.UpsertConfigRequest{
		ClinicID:              f.clinic,
		WindowDays:            0,
		NewPatientModel:       attributiondomain.ModelFirstClick,
		ReturningPatientModel: attributiondomain.ModelLastClick,
	})
	if !errors.Is(err, attributiondomain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}

	_, err = f.svc.UpsertConfig(ctx, attributiondomain.UpsertConfigRequest{
		ClinicID:              f.clinic,
		WindowDays:            7,
		NewPatientModel:       attributiondomain.ModelIntakeDirect,
		ReturningPatientModel: attributiondomain.ModelLastClick,
	})
	if !errors.Is(err, attributiondomain.ErrInvalidConfig) {
		t.Fatalf("INTAKE_DIRECT is not configurable, got %v", err)
	}

	cfg, err := f.svc.UpsertConfig(ctx, attributiondomain.UpsertConfigRequest{
		ClinicID:              f.clinic,
		WindowDays:            7,
		NewPatientModel:       attributiondomain.ModelTimeDecay,
		ReturningPatientModel: attributiondomain.ModelPosition,
		FingerprintEnabled:    true,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if cfg.WindowDays != 7 {
		t.Fatalf("window days = %d, want 7", cfg.WindowDays)
	}

	loaded, err := f.svc.GetConfig(ctx, f.clinic)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if loaded.NewPatientModel != attributiondomain.ModelTimeDecay {
		t.Fatalf("loaded model = %s, want TIME_DECAY", loaded.NewPatientModel)
	}
}
