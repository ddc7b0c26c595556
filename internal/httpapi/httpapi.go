// Package httpapi exposes the POS engine over HTTP: auth, session-scoped
// cart operations, product search, stock reconciliation and the sale
// archive. Handlers translate the store error taxonomy into status codes and
// never leak 5xx internals to clients.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smartretail/pos/internal/cart"
	"smartretail/pos/internal/domain"
	"smartretail/pos/internal/payment"
	"smartretail/pos/internal/reconcile"
	"smartretail/pos/internal/search"
	"smartretail/pos/internal/store"
)

type API struct {
	sessions      *sessionManager
	resolver      *search.Resolver
	engine        *reconcile.Engine
	inventory     store.InventoryStore
	sales         store.SaleStore
	auth          *AuthManager
	allowedOrigin string
	pageSize      int
	loginLimiter  *attemptLimiter
}

func New(
	resolver *search.Resolver,
	engine *reconcile.Engine,
	inventory store.InventoryStore,
	sales store.SaleStore,
	gateway store.PaymentGateway,
	verifier *payment.Validator,
	auth *AuthManager,
	allowedOrigin string,
	pageSize int,
) *API {
	if pageSize < 1 {
		pageSize = 10
	}
	return &API{
		sessions:      newSessionManager(sales, gateway, verifier),
		resolver:      resolver,
		engine:        engine,
		inventory:     inventory,
		sales:         sales,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		pageSize:      pageSize,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sessions", a.requireAuth(a.handleSessions, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sessions/", a.requireAuth(a.handleSessionActions, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions, "cashier", "admin"))

	mux.HandleFunc("/api/v1/stock/merged", a.requireAuth(a.handleMergedStock, "admin"))
	mux.HandleFunc("/api/v1/stock/batches", a.requireAuth(a.handleBatches, "admin"))
	mux.HandleFunc("/api/v1/users/cashiers", a.requireAuth(a.handleCashiers, "admin"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r)
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query().Get("query")
	page := parseNonNegative(r.URL.Query().Get("page"), 0)
	size := parsePositiveLimit(r.URL.Query().Get("size"), a.pageSize, 200)

	result, err := a.resolver.Search(r.Context(), query, page, size)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	id := a.sessions.create()
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": id})
}

// sessionView is the terminal-facing snapshot of a cart. Totals are derived
// on every read.
type sessionView struct {
	State       cart.State         `json:"state"`
	Lines       []domain.CartLine  `json:"lines"`
	Discount    domain.Discount    `json:"discount"`
	CashierID   int64              `json:"cashier_id"`
	PaymentMode domain.PaymentMode `json:"payment_mode"`
	Totals      domain.Totals      `json:"totals"`
}

func viewOf(c *cart.Cart) sessionView {
	return sessionView{
		State:       c.State(),
		Lines:       c.Lines(),
		Discount:    c.Discount(),
		CashierID:   c.CashierID(),
		PaymentMode: c.PaymentInput().Mode,
		Totals:      c.Totals(),
	}
}

// addLineRequest carries the product snapshot the terminal already holds
// from its search results; the cart does not re-fetch the catalog per line.
type addLineRequest struct {
	ProductID      string          `json:"product_id"`
	Name           string          `json:"name"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
}

type quantityRequest struct {
	Quantity json.RawMessage `json:"quantity"`
}

type cashierRequest struct {
	CashierID json.RawMessage `json:"cashier_id"`
}

// coerceInt reads a JSON number or numeric string; anything else yields the
// fallback.
func coerceInt(raw json.RawMessage, fallback int64) int64 {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

type gatewayCompleteRequest struct {
	Attempt   uint64 `json:"attempt"`
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

type gatewayFailRequest struct {
	Attempt uint64 `json:"attempt"`
}

func (a *API) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/"), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("session id required"))
		return
	}
	parts := strings.SplitN(tail, "/", 3)
	sessionID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		a.respondWithView(w, sessionID, http.StatusOK, func(c *cart.Cart) error { return nil })
		return
	}

	action := parts[1]
	switch {
	case action == "lines" && len(parts) == 2 && r.Method == http.MethodPost:
		a.handleAddLine(w, r, sessionID)
	case action == "lines" && len(parts) == 3 && r.Method == http.MethodDelete:
		a.respondWithView(w, sessionID, http.StatusOK, func(c *cart.Cart) error {
			return c.RemoveLine(parts[2])
		})
	case action == "lines" && len(parts) == 3 && r.Method == http.MethodPatch:
		a.handleSetQuantity(w, r, sessionID, parts[2])
	case action == "discount" && r.Method == http.MethodPut:
		a.handleSetDiscount(w, r, sessionID)
	case action == "payment" && r.Method == http.MethodPut:
		a.handleSetPayment(w, r, sessionID)
	case action == "cashier" && r.Method == http.MethodPut:
		a.handleSetCashier(w, r, sessionID)
	case action == "finalize" && r.Method == http.MethodPost:
		a.handleFinalize(w, r, sessionID)
	case action == "gateway" && len(parts) == 3 && parts[2] == "complete" && r.Method == http.MethodPost:
		a.handleGatewayComplete(w, r, sessionID)
	case action == "gateway" && len(parts) == 3 && parts[2] == "fail" && r.Method == http.MethodPost:
		a.handleGatewayFail(w, r, sessionID)
	case action == "cancel" && r.Method == http.MethodPost:
		a.respondWithView(w, sessionID, http.StatusOK, func(c *cart.Cart) error {
			return c.Cancel()
		})
	default:
		writeMethodNotAllowed(w)
	}
}

// respondWithView runs one cart mutation and answers with the fresh session
// snapshot so the terminal never renders stale totals.
func (a *API) respondWithView(w http.ResponseWriter, sessionID string, status int, fn func(c *cart.Cart) error) {
	var view sessionView
	err := a.sessions.withSession(sessionID, func(c *cart.Cart) error {
		if err := fn(c); err != nil {
			return err
		}
		view = viewOf(c)
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, status, view)
}

func (a *API) handleAddLine(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req addLineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("product_id required"))
		return
	}

	product := domain.Product{
		ID:             req.ProductID,
		Name:           req.Name,
		UnitPrice:      req.UnitPrice,
		TaxRatePercent: req.TaxRatePercent,
	}
	a.respondWithView(w, sessionID, http.StatusOK, func(c *cart.Cart) error {
		return c.AddProduct(product)
	})
}

func (a *API) handleSetQuantity(w http.ResponseWriter, r *http.Request, sessionID string, productID string) {
	var req quantityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Anything that does not parse as a number coerces to 1, same clamp as
	// values below 1.
	qty := int(coerceInt(req.Quantity, 1))
	a.respondWithView(w, sessionID, http.StatusOK, func(c *cart.Cart) error {
		return c.SetQuantity(productID, qty)
	})
}

func (a *API) handleSetDiscount(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req domain.Discount
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.respondWithView(w, sessionID, http.StatusOK, func(c *cart.Cart) error {
		return c.SetDiscount(req)
	})
}

func (a *API) handleSetPayment(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req domain.PaymentInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.respondWithView(w, sessionID, http.StatusOK, func(c *cart.Cart) error {
		return c.SetPaymentInput(req)
	})
}

func (a *API) handleSetCashier(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req cashierRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := coerceInt(req.CashierID, 0)
	a.respondWithView(w, sessionID, http.StatusOK, func(c *cart.Cart) error {
		return c.SetCashierID(id)
	})
}

func (a *API) handleFinalize(w http.ResponseWriter, r *http.Request, sessionID string) {
	var result cart.FinalizeResult
	err := a.sessions.withSession(sessionID, func(c *cart.Cart) error {
		var err error
		result, err = c.Finalize(r.Context())
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if result.GatewayOrder != nil {
		// Pending the gateway callback; nothing is created yet.
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (a *API) handleGatewayComplete(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req gatewayCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var sale domain.FinalizedSale
	err := a.sessions.withSession(sessionID, func(c *cart.Cart) error {
		var err error
		sale, err = c.CompleteGateway(r.Context(), req.Attempt, domain.GatewayCallback{
			OrderID:   req.OrderID,
			PaymentID: req.PaymentID,
			Signature: req.Signature,
		})
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
}

func (a *API) handleGatewayFail(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req gatewayFailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.respondWithView(w, sessionID, http.StatusOK, func(c *cart.Cart) error {
		return c.FailGateway(req.Attempt)
	})
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	page := parseNonNegative(r.URL.Query().Get("page"), 0)
	size := parsePositiveLimit(r.URL.Query().Get("size"), a.pageSize, 200)

	sales, err := a.sales.ListSales(r.Context(), page, size)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sales)
}

func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sales/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("sale id required"))
		return
	}

	sale, err := a.sales.GetSale(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleMergedStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	report, err := a.engine.Run(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleBatches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req domain.BatchCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		batch, err := a.inventory.CreateBatch(r.Context(), req)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"batch": batch})
	case http.MethodPut:
		var batch domain.StockBatchRaw
		if err := decodeJSON(r, &batch); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.inventory.UpdateBatch(r.Context(), batch); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"batch": batch})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCashiers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers()})
	case http.MethodPost:
		var req domain.CashierCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := a.auth.CreateCashier(req)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"cashier": created})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method != http.MethodGet && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

// writeDomainError maps the store taxonomy and cart state errors onto HTTP
// status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cart.ErrCartLocked),
		errors.Is(err, cart.ErrAwaitingGateway),
		errors.Is(err, cart.ErrStaleCallback):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrGateway):
		writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, store.ErrTransport):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func parseNonNegative(raw string, fallback int) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 4xx messages are user-facing; 5xx bodies stay generic so internals
	// never leak to clients.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
