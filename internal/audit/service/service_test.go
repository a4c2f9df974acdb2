package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/clinichq/attrio/internal/audit/domain"
	"github.com/clinichq/attrio/internal/audit/repository"
	"github.com/clinichq/attrio/internal/clinicctx"
	"github.com/clinichq/attrio/internal/clock"
	obscontext "github.com/clinichq/attrio/internal/observability/obscontext"
	"github.com/clinichq/attrio/internal/testutil"
	"github.com/clinichq/attrio/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc    auditdomain.Service
	db     *gorm.DB
	clock  *clock.FakeClock
	clinic snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn := testutil.OpenDB(t)
	node := testutil.SnowflakeNode(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  repository.Provide(),
	})
	return &fixture{
		svc:    svc,
		db:     conn,
		clock:  fake,
		clinic: node.Generate(),
	}
}

func (f *fixture) ctx() context.Context {
	ctx := clinicctx.WithClinicID(context.Background(), f.clinic)
	ctx = obscontext.WithRequestID(ctx, "req-1")
	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeStaff), "staff-7")
	return ctx
}

func TestAuditLogRequiresAction(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.AuditLog(f.ctx(), f.clinic, "  ", "affiliate", "1", nil); !errors.Is(err, auditdomain.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestAuditLogCapturesContextIdentity(t *testing.T) {
	f := newFixture(t)

	err := f.svc.AuditLog(f.ctx(), 0, "affiliate.created", "affiliate", "42", map[string]any{
		"email": "sarah@example.com",
	})
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}

	var entry auditdomain.AuditLog
	if err := f.db.Where("clinic_id = ?", f.clinic).First(&entry).Error; err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if entry.Action != "affiliate.created" {
		t.Fatalf("action = %s", entry.Action)
	}
	if entry.ActorType != string(auditdomain.ActorTypeStaff) || entry.ActorID != "staff-7" {
		t.Fatalf("actor = %s/%s, want staff/staff-7", entry.ActorType, entry.ActorID)
	}
	if entry.RequestID != "req-1" {
		t.Fatalf("request id = %s", entry.RequestID)
	}
	// Clinic fell back to the context when the caller passed zero.
	if entry.ClinicID != f.clinic {
		t.Fatalf("clinic = %d, want %d", entry.ClinicID, f.clinic)
	}
}

func TestListPaginatesWithCursor(t *testing.T) {
	f := newFixture(t)
	ctx := f.ctx()

	for i := 0; i < 5; i++ {
		if err := f.svc.AuditLog(ctx, f.clinic, "affiliate.created", "affiliate", "x", nil); err != nil {
			t.Fatalf("seed entry %d: %v", i, err)
		}
		f.clock.Advance(time.Minute)
	}

	first, err := f.svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2},
	})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.AuditLogs) != 2 {
		t.Fatalf("first page len = %d, want 2", len(first.AuditLogs))
	}
	if !first.PageInfo.HasMore || first.PageInfo.NextPageToken == "" {
		t.Fatalf("expected more pages, got %+v", first.PageInfo)
	}

	second, err := f.svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.PageInfo.NextPageToken},
	})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.AuditLogs) != 2 {
		t.Fatalf("second page len = %d, want 2", len(second.AuditLogs))
	}
	if second.AuditLogs[0].ID == first.AuditLogs[0].ID {
		t.Fatal("pages must not overlap")
	}

	if _, err := f.svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageToken: "not-a-token"},
	}); !errors.Is(err, auditdomain.ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestListRejectsInvertedTimeRange(t *testing.T) {
	f := newFixture(t)

	start := f.clock.Now()
	end := start.Add(-time.Hour)
	_, err := f.svc.List(f.ctx(), auditdomain.ListAuditLogRequest{
		StartAt: &start,
		EndAt:   &end,
	})
	if !errors.Is(err, auditdomain.ErrInvalidTimeRange) {
		t.Fatalf("expected ErrInvalidTimeRange, got %v", err)
	}
}
