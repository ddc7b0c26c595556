package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"smartretail/pos/internal/cache"
	"smartretail/pos/internal/payment"
	"smartretail/pos/internal/reconcile"
	"smartretail/pos/internal/search"
	"smartretail/pos/internal/store/memory"
)

// newTestAPI builds a full API over the in-memory store so handler tests
// exercise the complete request path.
func newTestAPI(t *testing.T) (*API, *memory.Store) {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier123")

	repo := memory.NewSeeded()
	resolver := search.NewResolver(repo, cache.NoopProductPageCache{}, 100, time.Minute)
	engine := reconcile.NewEngine(repo, repo, 50, 4)
	verifier := payment.NewValidator("SmartRetails", "INR")
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(resolver, engine, repo, repo, repo, verifier, auth, "*", 10), repo
}

func loginAs(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	return body.AccessToken
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
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
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, handler http.Handler, token string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode session body: %v", err)
	}
	return body.SessionID
}

func addLine(t *testing.T, handler http.Handler, token, sessionID, productID, price, taxRate string) {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/lines", token, map[string]any{
		"product_id":       productID,
		"name":             "Product " + productID,
		"unit_price":       price,
		"tax_rate_percent": taxRate,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add line: %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestRoutesRequireBearerToken(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	for _, path := range []string{"/api/v1/products", "/api/v1/sessions", "/api/v1/sales"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: %d, want 401", path, rec.Code)
		}
	}
}

func TestMergedStockRequiresAdminRole(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	cashierToken := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/stock/merged", cashierToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cashier on merged stock: %d, want 403", rec.Code)
	}
}

func TestProductSearchFallsBackWhenServerSearchFails(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "cashier", "cashier123")
	repo.FailSearch(true)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products?query=rice", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d (%s)", rec.Code, rec.Body.String())
	}
	var result struct {
		Source string `json:"source"`
		Page   struct {
			TotalElements int `json:"total_elements"`
		} `json:"page"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Source != "fallback" {
		t.Fatalf("source = %s, want fallback", result.Source)
	}
	if result.Page.TotalElements == 0 {
		t.Fatalf("fallback found nothing for rice")
	}
}

func TestCashSaleEndToEnd(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "cashier", "cashier123")
	sessionID := createSession(t, handler, token)

	addLine(t, handler, token, sessionID, "p1", "100", "18")
	addLine(t, handler, token, sessionID, "p1", "100", "18")

	rec := doJSON(t, handler, http.MethodPut, "/api/v1/sessions/"+sessionID+"/discount", token, map[string]any{
		"policy": "flat", "value": "10",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set discount: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPut, "/api/v1/sessions/"+sessionID+"/cashier", token, map[string]any{
		"cashier_id": 7,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set cashier: %d (%s)", rec.Code, rec.Body.String())
	}

	var view struct {
		Totals struct {
			Total string `json:"total"`
		} `json:"totals"`
		Lines []struct {
			Quantity int `json:"quantity"`
		} `json:"lines"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if len(view.Lines) != 1 || view.Lines[0].Quantity != 2 {
		t.Fatalf("lines = %+v, want one merged line qty 2", view.Lines)
	}
	if view.Totals.Total != "226" {
		t.Fatalf("total = %s, want 226", view.Totals.Total)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/finalize", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("finalize: %d (%s)", rec.Code, rec.Body.String())
	}
	var result struct {
		Sale struct {
			ID    string `json:"id"`
			Total string `json:"total"`
		} `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Sale.ID == "" || result.Sale.Total != "226" {
		t.Fatalf("sale = %+v", result.Sale)
	}

	// The archived sale is retrievable.
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/"+result.Sale.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get sale: %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestFinalizeEmptyCartRejected(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "cashier", "cashier123")
	sessionID := createSession(t, handler, token)

	doJSON(t, handler, http.MethodPut, "/api/v1/sessions/"+sessionID+"/cashier", token, map[string]any{"cashier_id": 7})

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/finalize", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("finalize empty cart: %d, want 400", rec.Code)
	}
}

func TestFinalizeStoreFailurePreservesCart(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "cashier", "cashier123")
	sessionID := createSession(t, handler, token)

	addLine(t, handler, token, sessionID, "p1", "50", "0")
	doJSON(t, handler, http.MethodPut, "/api/v1/sessions/"+sessionID+"/cashier", token, map[string]any{"cashier_id": 3})

	repo.FailCreateSale(true)
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/finalize", token, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("finalize with failing store: %d, want 502", rec.Code)
	}

	// Cart contents survived; retry succeeds.
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sessions/"+sessionID, token, nil)
	var view struct {
		State string `json:"state"`
		Lines []any  `json:"lines"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.State != "building" || len(view.Lines) != 1 {
		t.Fatalf("view after failure = %+v", view)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/finalize", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry finalize: %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestQuantityCoercion(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "cashier", "cashier123")
	sessionID := createSession(t, handler, token)
	addLine(t, handler, token, sessionID, "p1", "10", "0")

	rec := doJSON(t, handler, http.MethodPatch, "/api/v1/sessions/"+sessionID+"/lines/p1", token, map[string]any{
		"quantity": "not-a-number",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch quantity: %d (%s)", rec.Code, rec.Body.String())
	}
	var view struct {
		Lines []struct {
			Quantity int `json:"quantity"`
		} `json:"lines"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Lines[0].Quantity != 1 {
		t.Fatalf("quantity = %d, want coerced 1", view.Lines[0].Quantity)
	}
}

func TestGatewayFlowOverHTTP(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "cashier", "cashier123")
	sessionID := createSession(t, handler, token)

	addLine(t, handler, token, sessionID, "p1", "500", "0")
	doJSON(t, handler, http.MethodPut, "/api/v1/sessions/"+sessionID+"/cashier", token, map[string]any{"cashier_id": 2})
	doJSON(t, handler, http.MethodPut, "/api/v1/sessions/"+sessionID+"/payment", token, map[string]any{"mode": "GATEWAY"})

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/finalize", token, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("finalize gateway: %d, want 202 (%s)", rec.Code, rec.Body.String())
	}
	var pending struct {
		GatewayOrder struct {
			OrderID string `json:"order_id"`
		} `json:"gateway_order"`
		Attempt uint64 `json:"attempt"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&pending); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	if pending.GatewayOrder.OrderID == "" {
		t.Fatalf("no gateway order returned")
	}

	// Mutations are locked while the callback is pending.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/lines", token, map[string]any{
		"product_id": "p2", "name": "X", "unit_price": "1", "tax_rate_percent": "0",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("mutation while pending: %d, want 409", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/gateway/complete", token, map[string]any{
		"attempt":    pending.Attempt,
		"order_id":   pending.GatewayOrder.OrderID,
		"payment_id": "pay-99",
		"signature":  "sig",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("gateway complete: %d (%s)", rec.Code, rec.Body.String())
	}

	// A replay of the same callback is stale.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/gateway/complete", token, map[string]any{
		"attempt":    pending.Attempt,
		"order_id":   pending.GatewayOrder.OrderID,
		"payment_id": "pay-99",
		"signature":  "sig",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("replayed callback: %d, want 409", rec.Code)
	}
}

func TestCancelResetsSession(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "cashier", "cashier123")
	sessionID := createSession(t, handler, token)
	addLine(t, handler, token, sessionID, "p1", "10", "0")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/cancel", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d (%s)", rec.Code, rec.Body.String())
	}
	var view struct {
		State string `json:"state"`
		Lines []any  `json:"lines"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.State != "empty" || len(view.Lines) != 0 {
		t.Fatalf("view after cancel = %+v", view)
	}
}

func TestMergedStockReport(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "admin", "admin123")
	repo.FailBatchesFor("prod-dal-toor")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/stock/merged", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("merged stock: %d (%s)", rec.Code, rec.Body.String())
	}
	var report struct {
		Rows []struct {
			Key         string `json:"key"`
			MergedCount int    `json:"merged_count"`
		} `json:"rows"`
		Failures []struct {
			ProductID string `json:"product_id"`
		} `json:"failures"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].ProductID != "prod-dal-toor" {
		t.Fatalf("failures = %+v", report.Failures)
	}
	// Seeded oil batches differ only by batch number whitespace; they must
	// merge into one row.
	found := false
	for _, row := range report.Rows {
		if row.Key == "prod-oil-sunflower::O-77" {
			found = true
			if row.MergedCount != 2 {
				t.Fatalf("oil merged count = %d, want 2", row.MergedCount)
			}
		}
	}
	if !found {
		t.Fatalf("merged oil row missing: %+v", report.Rows)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/sessions/sess-nope", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session: %d, want 404", rec.Code)
	}
}

func TestLoginRateLimiting(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	var last int
	for i := 0; i < 7; i++ {
		payload, _ := json.Marshal(map[string]string{"username": "admin", "password": fmt.Sprintf("wrong-%d", i)})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("after repeated failures: %d, want 429", last)
	}
}
