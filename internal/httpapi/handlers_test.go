package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gudangops/backend/internal/domain"
	"gudangops/backend/internal/reconcile"
	"gudangops/backend/internal/service"
	"gudangops/backend/internal/store/memory"
)

const testStockID = "BERAS-PREMIUM@gudang-utama"

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) (*API, *AuthManager) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo := memory.NewSeeded()
	workflow := reconcile.New(repo, reconcile.Options{Logger: logger})
	svc := service.New(repo, workflow, logger)
	auth := NewAuthManager("test-secret-key")

	return New(svc, auth, "*", logger), auth
}

func mustToken(t *testing.T, auth *AuthManager, username string, role string) string {
	t.Helper()
	token, err := auth.Sign(username, role, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, handler http.Handler, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
}

func submitStockCount(t *testing.T, handler http.Handler, token string, observed string) domain.ReconciliationRecord {
	t.Helper()
	rec := doRequest(t, handler, http.MethodPost, "/api/v1/reconciliations", token, map[string]any{
		"subject":        map[string]string{"kind": domain.SubjectKindStock, "id": testStockID},
		"observed_value": observed,
		"note":           "stock opname",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var record domain.ReconciliationRecord
	decodeBody(t, rec, &record)
	return record
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doRequest(t, api.Handler(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers on response")
	}
}

func TestReconciliations_RequireAuth(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doRequest(t, api.Handler(), http.MethodGet, "/api/v1/reconciliations", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestReconciliations_RejectForeignToken(t *testing.T) {
	api, _ := newTestAPI(t)
	other := NewAuthManager("another-secret")

	token := mustToken(t, other, "budi", service.RoleSupervisor)
	rec := doRequest(t, api.Handler(), http.MethodGet, "/api/v1/reconciliations", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSubmitAndApprove_AppliesVariance(t *testing.T) {
	api, auth := newTestAPI(t)
	handler := api.Handler()
	staff := mustToken(t, auth, "sari", service.RoleStaff)
	supervisor := mustToken(t, auth, "budi", service.RoleSupervisor)

	record := submitStockCount(t, handler, staff, "95")
	if record.Status != domain.RecordStatusPending {
		t.Fatalf("expected pending, got %s", record.Status)
	}
	if !record.AuthoritativeValue.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected authoritative 100, got %s", record.AuthoritativeValue)
	}
	if record.SubmittedBy != "sari" {
		t.Fatalf("expected submitted_by sari, got %q", record.SubmittedBy)
	}

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/reconciliations/"+record.ID+"/approve", supervisor, map[string]string{"note": "counted shortage"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var approved domain.ReconciliationRecord
	decodeBody(t, rec, &approved)
	if approved.Status != domain.RecordStatusApproved || approved.ResolvedBy != "budi" {
		t.Fatalf("unexpected approved record: %+v", approved)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/stock/BERAS-PREMIUM/gudang-utama", staff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var level domain.StockLevel
	decodeBody(t, rec, &level)
	if !level.Qty.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("expected stock 95 after approval, got %s", level.Qty)
	}
}

func TestApprove_WithoutBody(t *testing.T) {
	api, auth := newTestAPI(t)
	handler := api.Handler()
	supervisor := mustToken(t, auth, "budi", service.RoleSupervisor)

	record := submitStockCount(t, handler, supervisor, "103")
	rec := doRequest(t, handler, http.MethodPost, "/api/v1/reconciliations/"+record.ID+"/approve", supervisor, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestApprove_StaffForbidden(t *testing.T) {
	api, auth := newTestAPI(t)
	handler := api.Handler()
	staff := mustToken(t, auth, "sari", service.RoleStaff)

	record := submitStockCount(t, handler, staff, "95")
	rec := doRequest(t, handler, http.MethodPost, "/api/v1/reconciliations/"+record.ID+"/approve", staff, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestApprove_TwiceConflicts(t *testing.T) {
	api, auth := newTestAPI(t)
	handler := api.Handler()
	supervisor := mustToken(t, auth, "budi", service.RoleSupervisor)

	record := submitStockCount(t, handler, supervisor, "95")
	path := "/api/v1/reconciliations/" + record.ID + "/approve"
	if rec := doRequest(t, handler, http.MethodPost, path, supervisor, nil); rec.Code != http.StatusOK {
		t.Fatalf("first approve: expected 200, got %d", rec.Code)
	}

	rec := doRequest(t, handler, http.MethodPost, path, supervisor, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["error"] == "" || body["error"] == nil {
		t.Fatalf("expected user-facing error message, got %v", body)
	}
}

func TestReject_RequiresNote(t *testing.T) {
	api, auth := newTestAPI(t)
	handler := api.Handler()
	supervisor := mustToken(t, auth, "budi", service.RoleSupervisor)

	record := submitStockCount(t, handler, supervisor, "95")
	path := "/api/v1/reconciliations/" + record.ID + "/reject"

	rec := doRequest(t, handler, http.MethodPost, path, supervisor, map[string]string{"note": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodPost, path, supervisor, map[string]string{"note": "recount requested"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var rejected domain.ReconciliationRecord
	decodeBody(t, rec, &rejected)
	if rejected.Status != domain.RecordStatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
}

func TestDelete_OnlyPending(t *testing.T) {
	api, auth := newTestAPI(t)
	handler := api.Handler()
	supervisor := mustToken(t, auth, "budi", service.RoleSupervisor)

	pending := submitStockCount(t, handler, supervisor, "99")
	rec := doRequest(t, handler, http.MethodDelete, "/api/v1/reconciliations/"+pending.ID, supervisor, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, handler, http.MethodGet, "/api/v1/reconciliations/"+pending.ID, supervisor, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}

	approved := submitStockCount(t, handler, supervisor, "97")
	if rec := doRequest(t, handler, http.MethodPost, "/api/v1/reconciliations/"+approved.ID+"/approve", supervisor, nil); rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodDelete, "/api/v1/reconciliations/"+approved.ID, supervisor, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 deleting approved record, got %d", rec.Code)
	}
}

func TestGetReconciliation_NotFound(t *testing.T) {
	api, auth := newTestAPI(t)
	token := mustToken(t, auth, "sari", service.RoleStaff)

	rec := doRequest(t, api.Handler(), http.MethodGet, "/api/v1/reconciliations/rec-missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSubmit_ValidationFields(t *testing.T) {
	api, auth := newTestAPI(t)
	token := mustToken(t, auth, "sari", service.RoleStaff)

	rec := doRequest(t, api.Handler(), http.MethodPost, "/api/v1/reconciliations", token, map[string]any{
		"subject": map[string]string{"kind": "inventory", "id": testStockID},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body struct {
		Fields map[string]string `json:"fields"`
	}
	decodeBody(t, rec, &body)
	if body.Fields["Kind"] != "oneof" {
		t.Fatalf("expected oneof failure on Kind, got %v", body.Fields)
	}
	if body.Fields["ObservedValue"] != "required" {
		t.Fatalf("expected required failure on ObservedValue, got %v", body.Fields)
	}
}

func TestSubmit_UnknownFieldRejected(t *testing.T) {
	api, auth := newTestAPI(t)
	token := mustToken(t, auth, "sari", service.RoleStaff)

	rec := doRequest(t, api.Handler(), http.MethodPost, "/api/v1/reconciliations", token, map[string]any{
		"subject":        map[string]string{"kind": domain.SubjectKindStock, "id": testStockID},
		"observed_value": "95",
		"status":         "approved",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitOpname_CreatesRecords(t *testing.T) {
	api, auth := newTestAPI(t)
	handler := api.Handler()
	token := mustToken(t, auth, "sari", service.RoleStaff)

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/reconciliations/batch", token, map[string]any{
		"location_id": "gudang-utama",
		"notes":       "monthly opname",
		"items": []map[string]string{
			{"product_id": "BERAS-PREMIUM", "counted_qty": "98"},
			{"product_id": "GULA-PASIR", "counted_qty": "250"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Records []domain.ReconciliationRecord `json:"records"`
	}
	decodeBody(t, rec, &body)
	if len(body.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(body.Records))
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/reconciliations?status=pending&subject_kind=stock", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page domain.RecordPage
	decodeBody(t, rec, &page)
	if page.Total != 2 {
		t.Fatalf("expected 2 pending stock records, got %d", page.Total)
	}
}

func TestListReconciliations_BadFilter(t *testing.T) {
	api, auth := newTestAPI(t)
	token := mustToken(t, auth, "sari", service.RoleStaff)

	rec := doRequest(t, api.Handler(), http.MethodGet, "/api/v1/reconciliations?from=yesterday", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = doRequest(t, api.Handler(), http.MethodGet, "/api/v1/reconciliations?status=archived", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestListReconciliations_DateOnlyRangeCoversWholeDay(t *testing.T) {
	api, auth := newTestAPI(t)
	handler := api.Handler()
	token := mustToken(t, auth, "sari", service.RoleStaff)
	submitStockCount(t, handler, token, "97")

	today := time.Now().UTC().Format("2006-01-02")
	rec := doRequest(t, handler, http.MethodGet, "/api/v1/reconciliations?from="+today+"&to="+today, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var page domain.RecordPage
	decodeBody(t, rec, &page)
	if page.Total != 1 {
		t.Fatalf("expected today's record in a same-day range, got %d", page.Total)
	}

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	rec = doRequest(t, handler, http.MethodGet, "/api/v1/reconciliations?to="+yesterday, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	decodeBody(t, rec, &page)
	if page.Total != 0 {
		t.Fatalf("expected no records up to yesterday, got %d", page.Total)
	}
}

func TestSubmit_RejectsUnrepresentableValue(t *testing.T) {
	api, auth := newTestAPI(t)
	token := mustToken(t, auth, "sari", service.RoleStaff)

	for _, observed := range []string{"95.00001", "10000000000000000"} {
		rec := doRequest(t, api.Handler(), http.MethodPost, "/api/v1/reconciliations", token, map[string]any{
			"subject":        map[string]string{"kind": domain.SubjectKindStock, "id": testStockID},
			"observed_value": observed,
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("observed %s: expected 400, got %d (body: %s)", observed, rec.Code, rec.Body.String())
		}
	}
}

func TestReconcileSubject(t *testing.T) {
	api, auth := newTestAPI(t)
	handler := api.Handler()
	supervisor := mustToken(t, auth, "budi", service.RoleSupervisor)

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/subjects/receivable/debt-toko-berkah/reconcile", supervisor, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var out reconcile.Correction
	decodeBody(t, rec, &out)
	if out.Corrected {
		t.Fatalf("seeded debt should already agree with its ledger: %+v", out)
	}
	if !out.Remaining.Equal(decimal.NewFromInt(600_000)) {
		t.Fatalf("expected remaining 600000, got %s", out.Remaining)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/subjects/stock/"+testStockID+"/reconcile", supervisor, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for stock subject, got %d", rec.Code)
	}
}

func TestInstallment_UpdatesDebt(t *testing.T) {
	api, auth := newTestAPI(t)
	handler := api.Handler()
	staff := mustToken(t, auth, "sari", service.RoleStaff)

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/debts/debt-sewa-gudang/installments", staff, map[string]string{
		"amount": "1500000",
		"note":   "termin 1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var view domain.DebtView
	decodeBody(t, rec, &view)
	if !view.Remaining.Equal(decimal.NewFromInt(4_500_000)) {
		t.Fatalf("expected remaining 4500000, got %s", view.Remaining)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/debts/debt-sewa-gudang/installments", staff, map[string]string{
		"amount": "9000000",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for overpayment, got %d", rec.Code)
	}
}

func TestConsignmentLifecycle(t *testing.T) {
	api, auth := newTestAPI(t)
	handler := api.Handler()
	supervisor := mustToken(t, auth, "budi", service.RoleSupervisor)

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/consignments", supervisor, map[string]string{
		"partner_name": "Warung Bu Tini",
		"product_id":   "GULA-PASIR",
		"location_id":  "gudang-utama",
		"qty":          "20",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var c domain.Consignment
	decodeBody(t, rec, &c)

	base := "/api/v1/consignments/" + c.ID
	if rec := doRequest(t, handler, http.MethodPost, base+"/settle", supervisor, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("settle with outstanding: expected 400, got %d", rec.Code)
	}
	if rec := doRequest(t, handler, http.MethodPost, base+"/sales", supervisor, map[string]string{"qty": "15"}); rec.Code != http.StatusOK {
		t.Fatalf("sale: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, handler, http.MethodPost, base+"/returns", supervisor, map[string]string{"qty": "5"}); rec.Code != http.StatusOK {
		t.Fatalf("return: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, handler, http.MethodPost, base+"/settle", supervisor, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &c)
	if c.Status != domain.ConsignmentStatusSettled {
		t.Fatalf("expected settled, got %s", c.Status)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/stock/GULA-PASIR/gudang-utama", supervisor, nil)
	var level domain.StockLevel
	decodeBody(t, rec, &level)
	if !level.Qty.Equal(decimal.NewFromInt(235)) {
		t.Fatalf("expected stock 235 after consign 20 and return 5, got %s", level.Qty)
	}
}

func TestAuditLogs_RecordTransitions(t *testing.T) {
	api, auth := newTestAPI(t)
	handler := api.Handler()
	supervisor := mustToken(t, auth, "budi", service.RoleSupervisor)
	staff := mustToken(t, auth, "sari", service.RoleStaff)

	record := submitStockCount(t, handler, staff, "95")
	if rec := doRequest(t, handler, http.MethodPost, "/api/v1/reconciliations/"+record.ID+"/approve", supervisor, nil); rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d", rec.Code)
	}

	if rec := doRequest(t, handler, http.MethodGet, "/api/v1/audit-logs", staff, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("staff audit logs: expected 403, got %d", rec.Code)
	}

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/audit-logs?limit=10", supervisor, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Logs []domain.AuditLog `json:"logs"`
	}
	decodeBody(t, rec, &body)
	found := false
	for _, entry := range body.Logs {
		if entry.EntityID == record.ID && entry.Action == "reconciliation_submit" && entry.ActorUsername == "sari" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a submit audit entry for %s by sari, got %+v", record.ID, body.Logs)
	}
}
