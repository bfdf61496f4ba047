package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/cache"
	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/service"
	"fuelpos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopDashboardCache{}, service.Config{
		DefaultStationID: "st-main",
	})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, "*")
}

// loginToken logs in through the real handler and returns the access token.
func loginToken(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected access token for %s", username)
	}
	return resp.AccessToken
}

// fetchCSRFToken retrieves a CSRF token from the token endpoint.
func fetchCSRFToken(t *testing.T, handler http.Handler) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token fetch failed: %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}
	return body["csrf_token"]
}

// doJSON issues an authenticated JSON request with a valid CSRF token.
func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, handler))
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	token := loginToken(t, handler, "operator", "operator123")
	if token == "" {
		t.Fatal("expected non-empty token")
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "operator",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	// The loginLimiter allows 5 attempts per minute.
	// Fire 6 requests from the same "IP" (httptest uses RemoteAddr "192.0.2.1:1234").
	payload, _ := json.Marshal(map[string]string{
		"username": "operator",
		"password": "badpass",
	})

	var lastCode int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		lastCode = rec.Code
	}

	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after 6 attempts, got %d", lastCode)
	}
}

func TestHandleCounters_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/counters", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleCounterState(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "operator", "operator123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/counters/ctr-p1-a/state", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		State domain.CounterState `json:"state"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.State.CounterID != "ctr-p1-a" {
		t.Fatalf("expected counter ctr-p1-a, got %q", body.State.CounterID)
	}
	if !body.State.PreviousReading.Equal(decimal.RequireFromString("1250.50")) {
		t.Fatalf("unexpected previous reading %s", body.State.PreviousReading)
	}
}

func TestPostSale_EndToEnd(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "operator", "operator123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"counter_id":      "ctr-p1-a",
		"closing_reading": "1300.50",
		"payment_method":  "cash",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.SaleResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode sale response: %v", err)
	}
	if !resp.Sale.VolumeSold.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("expected volume 50, got %s", resp.Sale.VolumeSold)
	}
	if !resp.Sale.TotalAmount.Equal(decimal.RequireFromString("500000")) {
		t.Fatalf("expected amount 500000, got %s", resp.Sale.TotalAmount)
	}
	if resp.EntryID == "" {
		t.Fatal("expected the sale to carry a ledger entry id")
	}
}

func TestPostSale_RejectsCSRFMissing(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "operator", "operator123")

	payload, _ := json.Marshal(map[string]any{
		"counter_id":      "ctr-p1-a",
		"closing_reading": "1300.50",
		"payment_method":  "cash",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF token, got %d", rec.Code)
	}
}

func TestPostSale_LowerReadingRejected(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "operator", "operator123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"counter_id":      "ctr-p1-a",
		"closing_reading": "1200",
		"payment_method":  "cash",
	}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a lower reading, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestPostEntry_OperatorNeedsSupervisorPIN(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "operator", "operator123")

	entry := map[string]any{
		"type":   "transfer",
		"amount": "50000",
		"from":   map[string]string{"type": "safe", "id": "safe-01"},
		"to":     map[string]string{"type": "bank", "id": "bank-01"},
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/ledger/entries", token, entry, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without PIN, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/ledger/entries", token, entry, map[string]string{
		"X-Supervisor-PIN": "123456",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with PIN, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.EntryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode entry response: %v", err)
	}
	if resp.Entry.ID == "" {
		t.Fatal("expected a persisted entry id")
	}
}

func TestPostEntry_SupervisorDirect(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "supervisor", "supervisor123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/ledger/entries", token, map[string]any{
		"type":     "expense",
		"amount":   "25000",
		"category": "utilities",
		"from":     map[string]string{"type": "safe", "id": "safe-01"},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestTransferWorkflowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	operatorToken := loginToken(t, handler, "operator", "operator123")
	supervisorToken := loginToken(t, handler, "supervisor", "supervisor123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/transfers", operatorToken, map[string]any{
		"from":   map[string]string{"type": "safe", "id": "safe-01"},
		"to":     map[string]string{"type": "bank", "id": "bank-01"},
		"amount": "75000",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating transfer, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var created domain.TransferResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode transfer response: %v", err)
	}
	if created.Transfer.Status != domain.TransferStatusPending {
		t.Fatalf("expected pending transfer, got %q", created.Transfer.Status)
	}

	// An operator without a PIN cannot decide the transfer.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/transfers/"+created.Transfer.ID+"/approve", operatorToken, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator approval, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/transfers/"+created.Transfer.ID+"/approve", supervisorToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 approving transfer, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var decided domain.TransferResponse
	if err := json.NewDecoder(rec.Body).Decode(&decided); err != nil {
		t.Fatalf("decode decided transfer: %v", err)
	}
	if decided.Transfer.Status != domain.TransferStatusApproved {
		t.Fatalf("expected approved, got %q", decided.Transfer.Status)
	}
	if decided.Transfer.EntryID == "" {
		t.Fatal("expected approval to post a ledger entry")
	}

	// Deciding twice conflicts.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/transfers/"+created.Transfer.ID+"/reject", supervisorToken, nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 re-deciding transfer, got %d", rec.Code)
	}
}

func TestReceiveFuel_SupervisorOnly(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	operatorToken := loginToken(t, handler, "operator", "operator123")
	supervisorToken := loginToken(t, handler, "supervisor", "supervisor123")

	payload := map[string]any{
		"tank_id": "tank-solar",
		"volume":  "1000",
		"cost":    "6800000",
		"paid_from": map[string]string{
			"type": "bank", "id": "bank-01",
		},
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/tanks/receive", operatorToken, payload, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator without PIN, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/tanks/receive", supervisorToken, payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.ReceiveResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode receive response: %v", err)
	}
	if !resp.Tank.CurrentVolume.Equal(decimal.RequireFromString("5750")) {
		t.Fatalf("expected tank volume 5750 after delivery, got %s", resp.Tank.CurrentVolume)
	}
	if resp.EntryID == "" {
		t.Fatal("expected delivery cost to post an expense entry")
	}
}

func TestDailyReport_RequiresSupervisorRole(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	operatorToken := loginToken(t, handler, "operator", "operator123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/reports/daily", operatorToken, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator, got %d", rec.Code)
	}
}

func TestDailyReport_AggregatesPostedSales(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	operatorToken := loginToken(t, handler, "operator", "operator123")
	supervisorToken := loginToken(t, handler, "supervisor", "supervisor123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", operatorToken, map[string]any{
		"counter_id":      "ctr-p1-a",
		"closing_reading": "1300.50",
		"payment_method":  "cash",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed sale failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/reports/daily", supervisorToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var report domain.DailyReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Sales != 1 {
		t.Fatalf("expected 1 sale in report, got %d", report.Sales)
	}
	if !report.TotalAmount.Equal(decimal.RequireFromString("500000")) {
		t.Fatalf("expected total amount 500000, got %s", report.TotalAmount)
	}
}

func TestHandleDashboard(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "operator", "operator123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/dashboard", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var snapshot domain.DashboardSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.StationID != "st-main" {
		t.Fatalf("expected default station, got %q", snapshot.StationID)
	}
	if len(snapshot.Tanks) == 0 || len(snapshot.Accounts) == 0 {
		t.Fatalf("expected seeded tanks and accounts, got %d tanks %d accounts", len(snapshot.Tanks), len(snapshot.Accounts))
	}
}

func TestHandleOperators_CreateAndList(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	supervisorToken := loginToken(t, handler, "supervisor", "supervisor123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users/operators", supervisorToken, map[string]string{
		"username": "pump-worker",
		"password": "secret123",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/users/operators", supervisorToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Operators []domain.OperatorUser `json:"operators"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode operators: %v", err)
	}

	found := false
	for _, operator := range body.Operators {
		if operator.Username == "pump-worker" {
			found = true
			if operator.Role != "operator" {
				t.Fatalf("expected operator role, got %q", operator.Role)
			}
		}
	}
	if !found {
		t.Fatal("expected newly created operator in the listing")
	}
}
