package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliaterepo "github.com/clinichq/attrio/internal/affiliate/repository"
	attributionrepo "github.com/clinichq/attrio/internal/attribution/repository"
	attributionsvc "github.com/clinichq/attrio/internal/attribution/service"
	"github.com/clinichq/attrio/internal/clock"
	commissionrepo "github.com/clinichq/attrio/internal/commission/repository"
	commissionsvc "github.com/clinichq/attrio/internal/commission/service"
	"github.com/clinichq/attrio/internal/config"
	"github.com/clinichq/attrio/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	sched  *Scheduler
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
	policy := config.NewStaticPolicyHolder(config.DefaultPolicyConfig())
	log := zap.NewNop()

	attrSvc := attributionsvc.NewService(attributionsvc.Params{
		DB:            conn,
		Log:           log,
		GenID:         node,
		Clock:         fake,
		Policy:        policy,
		Repo:          attributionrepo.Provide(),
		AffiliateRepo: affiliaterepo.Provide(),
	})
	commSvc := commissionsvc.NewService(commissionsvc.Params{
		DB:             conn,
		Log:            log,
		GenID:          node,
		Clock:          fake,
		Policy:         policy,
		Repo:           commissionrepo.Provide(),
		AffiliateRepo:  affiliaterepo.Provide(),
		AttributionSvc: attrSvc,
	})

	sched, err := New(Params{
		DB:             conn,
		Log:            log,
		Clock:          fake,
		CommissionSvc:  commSvc,
		AttributionSvc: attrSvc,
		Config:         Config{ReconcileEnabled: true},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	return &fixture{
		sched:  sched,
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
	if err := f.db.Exec(
		`INSERT INTO affiliates (id, clinic_id, display_name, email, status, created_at, updated_at)
		 VALUES (?, ?, 'Sarah', ?, 'ACTIVE', ?, ?)`,
		affiliateID, f.clinic, affiliateID.String()+"@example.com", now, now,
	).Error; err != nil {
		t.Fatalf("insert affiliate: %v", err)
	}
	if err := f.db.Exec(
		`INSERT INTO affiliate_ref_codes (id, clinic_id, affiliate_id, code, active, created_at)
		 VALUES (?, ?, ?, ?, TRUE, ?)`,
		f.genID.Generate(), f.clinic, affiliateID, code, now,
	).Error; err != nil {
		t.Fatalf("insert ref code: %v", err)
	}
	return affiliateID
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Params{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRunOnceApprovesHeldCommissions(t *testing.T) {
	f := newFixture(t)
	affiliateID := f.createAffiliate(t, "SARAH10")

	eventID := f.genID.Generate()
	created := f.clock.Now().AddDate(0, 0, -15)
	holdUntil := f.clock.Now().AddDate(0, 0, -1)
	if err := f.db.Exec(
		`INSERT INTO affiliate_commission_events
		 (id, clinic_id, affiliate_id, event_type, stripe_event_id, amount_cents, status, hold_until, created_at, updated_at)
		 VALUES (?, ?, ?, 'payment_succeeded', 'evt_held', 2000, 'PENDING', ?, ?, ?)`,
		eventID, f.clinic, affiliateID, holdUntil, created, created,
	).Error; err != nil {
		t.Fatalf("insert commission event: %v", err)
	}

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	var status string
	if err := f.db.Raw(`SELECT status FROM affiliate_commission_events WHERE id = ?`, eventID).Scan(&status).Error; err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "APPROVED" {
		t.Fatalf("status = %s, want APPROVED", status)
	}

	// A second pass finds nothing due and still succeeds.
	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestRunOnceLeavesHeldCommissionsAlone(t *testing.T) {
	f := newFixture(t)
	affiliateID := f.createAffiliate(t, "SARAH10")

	eventID := f.genID.Generate()
	now := f.clock.Now()
	if err := f.db.Exec(
		`INSERT INTO affiliate_commission_events
		 (id, clinic_id, affiliate_id, event_type, stripe_event_id, amount_cents, status, hold_until, created_at, updated_at)
		 VALUES (?, ?, ?, 'payment_succeeded', 'evt_fresh', 2000, 'PENDING', ?, ?, ?)`,
		eventID, f.clinic, affiliateID, now.AddDate(0, 0, 14), now, now,
	).Error; err != nil {
		t.Fatalf("insert commission event: %v", err)
	}

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	var status string
	if err := f.db.Raw(`SELECT status FROM affiliate_commission_events WHERE id = ?`, eventID).Scan(&status).Error; err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "PENDING" {
		t.Fatalf("status = %s, want PENDING", status)
	}
}

func TestRunOnceReconcilesTaggedPatients(t *testing.T) {
	f := newFixture(t)

	// Tagged before the code existed; the sweep picks it up once the
	// code is registered.
	patientID := f.genID.Generate()
	now := f.clock.Now()
	if err := f.db.Exec(
		`INSERT INTO patients (id, clinic_id, patient_key, referral_tag, tagged_at, created_at, updated_at)
		 VALUES (?, ?, 'patient-1', 'affiliate:SARAH10', ?, ?, ?)`,
		patientID, f.clinic, now, now, now,
	).Error; err != nil {
		t.Fatalf("insert patient: %v", err)
	}

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once before code exists: %v", err)
	}
	var attributed int64
	if err := f.db.Raw(`SELECT COUNT(1) FROM patients WHERE id = ? AND attributed_affiliate_id IS NOT NULL`, patientID).Scan(&attributed).Error; err != nil {
		t.Fatalf("count attributed: %v", err)
	}
	if attributed != 0 {
		t.Fatal("patient must stay unattributed while the code is unknown")
	}

	affiliateID := f.createAffiliate(t, "SARAH10")

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	var gotAffiliate snowflake.ID
	row := f.db.Raw(`SELECT attributed_affiliate_id FROM patients WHERE id = ?`, patientID).Row()
	if err := row.Scan(&gotAffiliate); err != nil {
		t.Fatalf("read attribution: %v", err)
	}
	if gotAffiliate != affiliateID {
		t.Fatalf("attributed to %d, want %d", gotAffiliate, affiliateID)
	}
}

func TestRunOnceSkipsReconcileWhenDisabled(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.ReconcileEnabled = false
	f.createAffiliate(t, "SARAH10")

	patientID := f.genID.Generate()
	now := f.clock.Now()
	if err := f.db.Exec(
		`INSERT INTO patients (id, clinic_id, patient_key, referral_tag, tagged_at, created_at, updated_at)
		 VALUES (?, ?, 'patient-1', 'affiliate:SARAH10', ?, ?, ?)`,
		patientID, f.clinic, now, now, now,
	).Error; err != nil {
		t.Fatalf("insert patient: %v", err)
	}

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	var attributed int64
	if err := f.db.Raw(`SELECT COUNT(1) FROM patients WHERE id = ? AND attributed_affiliate_id IS NOT NULL`, patientID).Scan(&attributed).Error; err != nil {
		t.Fatalf("count attributed: %v", err)
	}
	if attributed != 0 {
		t.Fatal("reconcile must not run when disabled")
	}
}
