// Package e2e drives the full affiliate lifecycle over HTTP: onboard
// an affiliate, record touches, attribute a patient, credit a
// commission, sweep the hold window and pay the money out.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliaterepo "github.com/clinichq/attrio/internal/affiliate/repository"
	affiliatesvc "github.com/clinichq/attrio/internal/affiliate/service"
	attributionrepo "github.com/clinichq/attrio/internal/attribution/repository"
	attributionsvc "github.com/clinichq/attrio/internal/attribution/service"
	auditrepo "github.com/clinichq/attrio/internal/audit/repository"
	auditsvc "github.com/clinichq/attrio/internal/audit/service"
	"github.com/clinichq/attrio/internal/clock"
	commissionrepo "github.com/clinichq/attrio/internal/commission/repository"
	commissionsvc "github.com/clinichq/attrio/internal/commission/service"
	"github.com/clinichq/attrio/internal/config"
	payoutrepo "github.com/clinichq/attrio/internal/payout/repository"
	payoutsvc "github.com/clinichq/attrio/internal/payout/service"
	"github.com/clinichq/attrio/internal/scheduler"
	"github.com/clinichq/attrio/internal/server"
	"github.com/clinichq/attrio/internal/testutil"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	t      *testing.T
	ts     *httptest.Server
	db     *gorm.DB
	clock  *clock.FakeClock
	sched  *scheduler.Scheduler
	clinic snowflake.ID
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn := testutil.OpenDB(t)
	node := testutil.SnowflakeNode(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	policy := config.NewStaticPolicyHolder(config.DefaultPolicyConfig())
	log := zap.NewNop()

	audSvc := auditsvc.NewService(auditsvc.Params{
		DB: conn, Log: log, GenID: node, Clock: fake,
		Repo: auditrepo.Provide(),
	})
	affSvc := affiliatesvc.NewService(affiliatesvc.Params{
		DB: conn, Log: log, GenID: node, Clock: fake,
		Repo: affiliaterepo.Provide(), AuditSvc: audSvc,
	})
	attrSvc := attributionsvc.NewService(attributionsvc.Params{
		DB: conn, Log: log, GenID: node, Clock: fake, Policy: policy,
		Repo: attributionrepo.Provide(), AffiliateRepo: affiliaterepo.Provide(),
	})
	commSvc := commissionsvc.NewService(commissionsvc.Params{
		DB: conn, Log: log, GenID: node, Clock: fake, Policy: policy,
		Repo: commissionrepo.Provide(), AffiliateRepo: affiliaterepo.Provide(),
		AttributionSvc: attrSvc, AuditSvc: audSvc,
	})
	paySvc := payoutsvc.NewService(payoutsvc.Params{
		DB: conn, Log: log, GenID: node, Clock: fake, Policy: policy,
		Repo: payoutrepo.Provide(), AffiliateRepo: affiliaterepo.Provide(),
		AuditSvc: audSvc,
	})

	sched, err := scheduler.New(scheduler.Params{
		DB: conn, Log: log, Clock: fake,
		CommissionSvc: commSvc, AttributionSvc: attrSvc,
		Config: scheduler.Config{ReconcileEnabled: true},
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	engine := gin.New()
	engine.Use(server.ErrorHandlingMiddleware())
	srv := server.NewServer(server.ServerParams{
		Gin: engine, Cfg: config.Config{}, DB: conn, Log: log, GenID: node,
		AffiliateSvc: affSvc, AttributionSvc: attrSvc,
		CommissionSvc: commSvc, PayoutSvc: paySvc, AuditSvc: audSvc,
	})
	srv.RegisterV1Routes()

	ts := httptest.NewServer(engine)
	t.Cleanup(ts.Close)

	return &testEnv{
		t:      t,
		ts:     ts,
		db:     conn,
		clock:  fake,
		sched:  sched,
		clinic: node.Generate(),
	}
}

func (e *testEnv) do(method, path string, body any) (int, map[string]any) {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		e.t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Clinic-ID", e.clinic.String())
	req.Header.Set("X-Actor-ID", "e2e")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read body: %v", err)
	}
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			e.t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return resp.StatusCode, decoded
}

func (e *testEnv) post(path string, body any) (int, map[string]any) {
	return e.do(http.MethodPost, path, body)
}

func (e *testEnv) get(path string) (int, map[string]any) {
	return e.do(http.MethodGet, path, nil)
}

func nested(t *testing.T, body map[string]any, key string) map[string]any {
	t.Helper()
	value, ok := body[key].(map[string]any)
	if !ok {
		t.Fatalf("missing object %q in %v", key, body)
	}
	return value
}

func stringField(t *testing.T, obj map[string]any, key string) string {
	t.Helper()
	value, ok := obj[key].(string)
	if !ok {
		t.Fatalf("missing string %q in %v", key, obj)
	}
	return value
}

// onboard creates an ACTIVE affiliate with a ref code and a verified
// default payout method, all through the API.
func (e *testEnv) onboard(code string) (affiliateID string) {
	t := e.t
	t.Helper()

	status, body := e.post("/v1/affiliates", map[string]any{
		"display_name": "Sarah Referrer",
		"email":        fmt.Sprintf("%s@example.com", code),
	})
	if status != http.StatusCreated {
		t.Fatalf("create affiliate: status %d (%v)", status, body)
	}
	affiliateID = stringField(t, nested(t, body, "affiliate"), "id")

	if status, body = e.post("/v1/affiliates/"+affiliateID+"/ref-codes", map[string]any{"code": code}); status != http.StatusCreated {
		t.Fatalf("create ref code: status %d (%v)", status, body)
	}

	status, body = e.post("/v1/affiliates/"+affiliateID+"/payout-methods", map[string]any{
		"method_type": "bank_account",
		"details":     map[string]any{"account_number": "000123456789", "routing_number": "110000000"},
		"is_default":  true,
	})
	if status != http.StatusCreated {
		t.Fatalf("add payout method: status %d (%v)", status, body)
	}
	methodID := stringField(t, nested(t, body, "payout_method"), "id")

	if status, _ = e.post("/v1/affiliates/"+affiliateID+"/payout-methods/"+methodID+"/verify", nil); status != http.StatusNoContent {
		t.Fatalf("verify payout method: status %d", status)
	}
	return affiliateID
}

func TestMissingClinicHeaderRejected(t *testing.T) {
	env := newEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/v1/leaderboard", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAffiliateLifecycle(t *testing.T) {
	env := newEnv(t)
	affiliateID := env.onboard("SARAH10")

	status, body := env.get("/v1/affiliates/" + affiliateID)
	if status != http.StatusOK {
		t.Fatalf("get affiliate: status %d", status)
	}
	affiliate := nested(t, body, "affiliate")
	if affiliate["status"] != "ACTIVE" {
		t.Fatalf("affiliate status = %v, want ACTIVE", affiliate["status"])
	}

	// Duplicate codes are first come, first served.
	status, other := env.post("/v1/affiliates", map[string]any{
		"display_name": "Other",
		"email":        "other@example.com",
	})
	if status != http.StatusCreated {
		t.Fatalf("create second affiliate: status %d", status)
	}
	otherID := stringField(t, nested(t, other, "affiliate"), "id")
	if status, _ = env.post("/v1/affiliates/"+otherID+"/ref-codes", map[string]any{"code": "SARAH10"}); status != http.StatusConflict {
		t.Fatalf("duplicate ref code: status %d, want 409", status)
	}

	if status, _ = env.post("/v1/affiliates/"+affiliateID+"/status", map[string]any{"status": "paused"}); status != http.StatusNoContent {
		t.Fatalf("pause affiliate: status %d", status)
	}
	status, body = env.get("/v1/affiliates/" + affiliateID)
	if status != http.StatusOK || nested(t, body, "affiliate")["status"] != "PAUSED" {
		t.Fatalf("affiliate not paused: %v", body)
	}
}

func TestAttributionToPayoutFlow(t *testing.T) {
	env := newEnv(t)
	affiliateID := env.onboard("SARAH10")

	// Anonymous browsing leaves a touch.
	status, body := env.post("/v1/touches", map[string]any{
		"code":        "sarah10",
		"fingerprint": "fp-alpha",
		"cookie_id":   "ck-alpha",
		"source":      "link",
	})
	if status != http.StatusCreated {
		t.Fatalf("record touch: status %d (%v)", status, body)
	}

	status, body = env.post("/v1/patients", map[string]any{"patient_key": "mrn-1001"})
	if status != http.StatusCreated {
		t.Fatalf("register patient: status %d (%v)", status, body)
	}
	patientID := stringField(t, nested(t, body, "patient"), "id")

	// The resolver sees the touch before any attribution is written.
	status, body = env.post("/v1/attribution/resolve", map[string]any{
		"fingerprint":    "fp-alpha",
		"is_new_patient": true,
	})
	if status != http.StatusOK || body["attributed"] != true {
		t.Fatalf("resolve: status %d body %v", status, body)
	}

	status, body = env.post("/v1/intake/attributions", map[string]any{
		"patient_id": patientID,
		"promo_code": "sarah10",
		"source":     "intake_form",
	})
	if status != http.StatusOK {
		t.Fatalf("intake attribution: status %d (%v)", status, body)
	}
	result := nested(t, body, "result")
	if stringField(t, result, "affiliate_id") != affiliateID {
		t.Fatalf("attributed to %v, want %s", result["affiliate_id"], affiliateID)
	}

	// First payment lands a PENDING commission (20% of 10000 = 2000).
	status, body = env.post("/v1/payment-events", map[string]any{
		"event_id":         "evt_1",
		"event_type":       "payment_succeeded",
		"object_id":        "pi_1",
		"patient_id":       patientID,
		"amount_cents":     10000,
		"occurred_at":      env.clock.Now().Format(time.RFC3339),
		"is_first_payment": true,
	})
	if status != http.StatusOK || body["commission_recorded"] != true {
		t.Fatalf("payment event: status %d body %v", status, body)
	}

	// Replay is idempotent.
	status, body = env.post("/v1/payment-events", map[string]any{
		"event_id":     "evt_1",
		"event_type":   "payment_succeeded",
		"object_id":    "pi_1",
		"patient_id":   patientID,
		"amount_cents": 10000,
	})
	if status != http.StatusOK || body["commission_recorded"] != false {
		t.Fatalf("replayed payment event: status %d body %v", status, body)
	}

	// 2000 sits below the 5000 payout floor.
	status, body = env.post("/v1/affiliates/"+affiliateID+"/withdrawals", map[string]any{"amount_cents": 2000})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("below-minimum withdrawal: status %d (%v)", status, body)
	}

	// Past the hold window the sweep approves the commission.
	env.clock.Advance(15 * 24 * time.Hour)
	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	status, body = env.get("/v1/affiliates/" + affiliateID + "/earnings")
	if status != http.StatusOK {
		t.Fatalf("earnings: status %d", status)
	}
	earnings := nested(t, body, "earnings")
	if earnings["available_cents"] != float64(2000) {
		t.Fatalf("available = %v, want 2000", earnings["available_cents"])
	}

	// 2000 is below the 5000 floor, so top up with a second payment.
	status, body = env.post("/v1/payment-events", map[string]any{
		"event_id":     "evt_2",
		"event_type":   "payment_succeeded",
		"object_id":    "pi_2",
		"patient_id":   patientID,
		"amount_cents": 20000,
		"occurred_at":  env.clock.Now().Format(time.RFC3339),
	})
	if status != http.StatusOK || body["commission_recorded"] != true {
		t.Fatalf("second payment: status %d body %v", status, body)
	}
	env.clock.Advance(15 * 24 * time.Hour)
	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	status, body = env.post("/v1/affiliates/"+affiliateID+"/withdrawals", map[string]any{"amount_cents": 6000})
	if status != http.StatusCreated {
		t.Fatalf("withdrawal: status %d (%v)", status, body)
	}
	payoutID := stringField(t, nested(t, body, "payout"), "id")

	if status, body = env.post("/v1/payouts/"+payoutID+"/complete", nil); status != http.StatusNoContent {
		t.Fatalf("complete payout: status %d (%v)", status, body)
	}

	status, body = env.get("/v1/affiliates/" + affiliateID + "/earnings")
	if status != http.StatusOK {
		t.Fatalf("earnings after payout: status %d", status)
	}
	earnings = nested(t, body, "earnings")
	if earnings["paid_cents"] != float64(6000) {
		t.Fatalf("paid = %v, want 6000", earnings["paid_cents"])
	}
	if earnings["available_cents"] != float64(0) {
		t.Fatalf("available = %v, want 0 after paying out both events", earnings["available_cents"])
	}

	// Leaderboard reflects settled earnings.
	status, body = env.get("/v1/leaderboard")
	if status != http.StatusOK {
		t.Fatalf("leaderboard: status %d", status)
	}
	entries, ok := body["leaderboard"].([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("leaderboard = %v, want one entry", body)
	}
}

func TestRefundReversesCommission(t *testing.T) {
	env := newEnv(t)
	affiliateID := env.onboard("REFME")

	status, body := env.post("/v1/patients", map[string]any{"patient_key": "mrn-2002"})
	if status != http.StatusCreated {
		t.Fatalf("register patient: status %d", status)
	}
	patientID := stringField(t, nested(t, body, "patient"), "id")

	if status, body = env.post("/v1/intake/attributions", map[string]any{
		"patient_id": patientID,
		"promo_code": "REFME",
	}); status != http.StatusOK {
		t.Fatalf("intake attribution: status %d (%v)", status, body)
	}

	if status, body = env.post("/v1/payment-events", map[string]any{
		"event_id":     "evt_pay",
		"event_type":   "payment_succeeded",
		"object_id":    "pi_refund",
		"patient_id":   patientID,
		"amount_cents": 10000,
	}); status != http.StatusOK || body["commission_recorded"] != true {
		t.Fatalf("payment: status %d body %v", status, body)
	}

	if status, body = env.post("/v1/payment-events", map[string]any{
		"event_id":   "evt_refund",
		"event_type": "payment_refunded",
		"object_id":  "pi_refund",
	}); status != http.StatusOK || body["commission_recorded"] != true {
		t.Fatalf("refund: status %d body %v", status, body)
	}

	status, body = env.get("/v1/affiliates/" + affiliateID + "/earnings")
	if status != http.StatusOK {
		t.Fatalf("earnings: status %d", status)
	}
	earnings := nested(t, body, "earnings")
	if earnings["reversed_cents"] != float64(2000) {
		t.Fatalf("reversed = %v, want 2000", earnings["reversed_cents"])
	}
	if earnings["pending_cents"] != float64(0) || earnings["available_cents"] != float64(0) {
		t.Fatalf("refunded commission must not stay spendable: %v", earnings)
	}
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	env := newEnv(t)
	env.onboard("AUDIT1")

	status, body := env.get("/v1/audit-logs?page_size=50")
	if status != http.StatusOK {
		t.Fatalf("list audit logs: status %d (%v)", status, body)
	}
	data, ok := body["data"].([]any)
	if !ok || len(data) == 0 {
		t.Fatalf("expected audit entries, got %v", body)
	}

	actions := make(map[string]bool)
	for _, item := range data {
		entry, ok := item.(map[string]any)
		if !ok {
			t.Fatalf("bad audit entry %v", item)
		}
		actions[stringField(t, entry, "action")] = true
	}
	for _, want := range []string{"affiliate.created", "affiliate.ref_code_created"} {
		if !actions[want] {
			t.Fatalf("missing audit action %s in %v", want, actions)
		}
	}
}
