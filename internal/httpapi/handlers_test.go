package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"goldencrop/backend/internal/cache"
	"goldencrop/backend/internal/service"
	"goldencrop/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopAnalyticsCache{},
		[]string{"beans", "grain maize", "cowpeas", "groundnuts", "rice", "soybeans"},
		"br-maganjo", time.Minute)
	auth := NewAuthManager("test-secret-key", time.Hour, svc)

	return New(svc, auth, "*")
}

func loginAs(t *testing.T, api *API, username, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d (body: %s)", username, rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("expected access_token, got %v", body)
	}
	return token
}

func fetchCSRFToken(t *testing.T, api *API) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch csrf token failed: %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf body: %v", err)
	}
	return body["csrf_token"]
}

func doJSON(t *testing.T, api *API, method, path, token, csrf string, payload any) *httptest.ResponseRecorder {
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
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"username": "ceo",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestLedgerEndpointsRequireToken(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/stock", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestProcurementSaleAndOversellFlow(t *testing.T) {
	api := newTestAPI(t)
	managerToken := loginAs(t, api, "manager-maganjo", "manager123")
	agentToken := loginAs(t, api, "agent-maganjo", "agent123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/procurements", managerToken, csrf, map[string]any{
		"produce_id":   "prod-beans",
		"dealer_name":  "Okello Dealers",
		"tonnage":      "10",
		"cost_per_ton": "2000000",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for procurement, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", agentToken, csrf, map[string]any{
		"produce_id":    "prod-beans",
		"buyer_name":    "Nakato Traders",
		"tonnage":       "7",
		"price_per_ton": "2600000",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for sale, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var soldBody struct {
		Sale struct {
			ID string `json:"id"`
		} `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&soldBody); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales/"+soldBody.Sale.ID, agentToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for sale read, got %d", rec.Code)
	}
	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales/sale-does-not-exist", agentToken, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sale, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", agentToken, csrf, map[string]any{
		"produce_id":    "prod-beans",
		"tonnage":       "5",
		"price_per_ton": "2600000",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversell, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/stock", agentToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for stock, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"current_tonnage":"3"`) {
		t.Fatalf("expected remaining tonnage 3 in stock view, got %s", rec.Body.String())
	}
}

func TestCreditSalePaymentFlow(t *testing.T) {
	api := newTestAPI(t)
	managerToken := loginAs(t, api, "manager-maganjo", "manager123")
	agentToken := loginAs(t, api, "agent-maganjo", "agent123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/procurements", managerToken, csrf, map[string]any{
		"produce_id":   "prod-maize",
		"tonnage":      "8",
		"cost_per_ton": "1200000",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for procurement, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	dueDate := time.Now().UTC().AddDate(0, 0, 14).Format("2006-01-02")
	rec = doJSON(t, api, http.MethodPost, "/api/v1/credit-sales", agentToken, csrf, map[string]any{
		"produce_id":    "prod-maize",
		"buyer_name":    "Ssemanda Stores",
		"buyer_phone":   "0772000001",
		"tonnage":       "4",
		"price_per_ton": "1900000",
		"due_date":      dueDate,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for credit sale, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var created struct {
		CreditSale struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"credit_sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode credit sale: %v", err)
	}
	if created.CreditSale.Status != "Pending" {
		t.Fatalf("expected Pending credit sale, got %s", created.CreditSale.Status)
	}

	paymentsPath := fmt.Sprintf("/api/v1/credit-sales/%s/payments", created.CreditSale.ID)

	rec = doJSON(t, api, http.MethodPost, paymentsPath, agentToken, csrf, map[string]any{
		"amount": "1000000",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for agent-recorded payment, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, paymentsPath, managerToken, csrf, map[string]any{
		"amount": "99000000",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for overpayment, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, paymentsPath, managerToken, csrf, map[string]any{
		"amount": "7600000",
		"method": "mobile money",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for settling payment, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/credit-sales/"+created.CreditSale.ID, managerToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for credit sale read, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"Paid"`) {
		t.Fatalf("expected Paid status after settlement, got %s", rec.Body.String())
	}
}

func TestUserRoutesAreCEOOnly(t *testing.T) {
	api := newTestAPI(t)
	agentToken := loginAs(t, api, "agent-maganjo", "agent123")
	ceoToken := loginAs(t, api, "ceo", "ceo12345")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/users", agentToken, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for agent listing users, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/users", ceoToken, csrf, map[string]any{
		"username":  "agent-matugga",
		"full_name": "Matugga Sales Agent",
		"password":  "longenough",
		"role":      "agent",
		"branch_id": "br-matugga",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for ceo creating user, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	if token := loginAs(t, api, "agent-matugga", "longenough"); token == "" {
		t.Fatalf("expected new agent to be able to log in")
	}
}

func TestSalesCSVExport(t *testing.T) {
	api := newTestAPI(t)
	managerToken := loginAs(t, api, "manager-maganjo", "manager123")
	agentToken := loginAs(t, api, "agent-maganjo", "agent123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/procurements", managerToken, csrf, map[string]any{
		"produce_id":   "prod-rice",
		"tonnage":      "5",
		"cost_per_ton": "2500000",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for procurement, got %d", rec.Code)
	}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", agentToken, csrf, map[string]any{
		"produce_id": "prod-rice",
		"buyer_name": "Kizza Millers",
		"tonnage":    "2",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for sale, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/reports/sales.csv", managerToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for csv export, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Fatalf("expected text/csv content type, got %q", got)
	}
	if !strings.Contains(rec.Body.String(), "Kizza Millers") {
		t.Fatalf("expected buyer row in export, got %s", rec.Body.String())
	}
}
