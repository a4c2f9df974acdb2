// Package testutil provides the in-memory sqlite database used by
// service-level tests. The schema mirrors the postgres migrations with
// sqlite-compatible defaults.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbCounter atomic.Int64

var schema = []string{
	`CREATE TABLE affiliates (
		id INTEGER PRIMARY KEY,
		clinic_id INTEGER NOT NULL,
		display_name TEXT NOT NULL,
		email TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		commission_plan_id INTEGER,
		lifetime_conversions INTEGER NOT NULL DEFAULT 0,
		lifetime_revenue_cents INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX idx_affiliates_clinic_email ON affiliates (clinic_id, email)`,
	`CREATE TABLE affiliate_ref_codes (
		id INTEGER PRIMARY KEY,
		clinic_id INTEGER NOT NULL,
		affiliate_id INTEGER NOT NULL,
		code TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX idx_affiliate_ref_codes_clinic_code ON affiliate_ref_codes (clinic_id, code)`,
	`CREATE TABLE affiliate_touches (
		id INTEGER PRIMARY KEY,
		clinic_id INTEGER NOT NULL,
		affiliate_id INTEGER NOT NULL,
		ref_code_id INTEGER,
		ref_code TEXT NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		cookie_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		converted_patient_id INTEGER,
		converted_at DATETIME,
		occurred_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE attribution_configs (
		id INTEGER PRIMARY KEY,
		clinic_id INTEGER NOT NULL,
		window_days INTEGER NOT NULL DEFAULT 30,
		new_patient_model TEXT NOT NULL DEFAULT 'FIRST_CLICK',
		returning_patient_model TEXT NOT NULL DEFAULT 'LAST_CLICK',
		fingerprint_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX idx_attribution_configs_clinic ON attribution_configs (clinic_id)`,
	`CREATE TABLE patients (
		id INTEGER PRIMARY KEY,
		clinic_id INTEGER NOT NULL,
		patient_key TEXT NOT NULL,
		attributed_affiliate_id INTEGER,
		attributed_ref_code TEXT,
		attribution_model TEXT,
		attribution_confidence TEXT,
		attributed_at DATETIME,
		referral_tag TEXT,
		tagged_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX idx_patients_clinic_key ON patients (clinic_id, patient_key)`,
	`CREATE TABLE commission_plans (
		id INTEGER PRIMARY KEY,
		clinic_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		flat_amount_cents INTEGER NOT NULL DEFAULT 0,
		percent_bps INTEGER NOT NULL DEFAULT 0,
		hold_days INTEGER NOT NULL DEFAULT 14,
		clawback_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE affiliate_commission_events (
		id INTEGER PRIMARY KEY,
		clinic_id INTEGER NOT NULL,
		affiliate_id INTEGER NOT NULL,
		patient_id INTEGER,
		plan_id INTEGER,
		event_type TEXT NOT NULL,
		stripe_event_id TEXT NOT NULL,
		stripe_object_id TEXT NOT NULL DEFAULT '',
		base_amount_cents INTEGER NOT NULL DEFAULT 0,
		amount_cents INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		hold_until DATETIME,
		payout_id INTEGER,
		reversal_of INTEGER,
		reversal_reason TEXT,
		calculation TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX idx_commission_events_affiliate_stripe_event
		ON affiliate_commission_events (affiliate_id, stripe_event_id)`,
	`CREATE TABLE affiliate_payouts (
		id INTEGER PRIMARY KEY,
		clinic_id INTEGER NOT NULL,
		affiliate_id INTEGER NOT NULL,
		amount_cents INTEGER NOT NULL,
		fee_cents INTEGER NOT NULL DEFAULT 0,
		net_amount_cents INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'PENDING',
		payout_method_id INTEGER,
		method_type TEXT NOT NULL DEFAULT '',
		failure_reason TEXT,
		requested_at DATETIME NOT NULL,
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX idx_affiliate_payouts_single_inflight
		ON affiliate_payouts (affiliate_id)
		WHERE status IN ('PENDING', 'PROCESSING')`,
	`CREATE TABLE affiliate_payout_methods (
		id INTEGER PRIMARY KEY,
		clinic_id INTEGER NOT NULL,
		affiliate_id INTEGER NOT NULL,
		method_type TEXT NOT NULL,
		details TEXT,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY,
		clinic_id INTEGER NOT NULL,
		actor_type TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		request_id TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
}

func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", dbCounter.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	// cache=shared keeps the in-memory db alive across pooled conns.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return conn
}

func SnowflakeNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}
