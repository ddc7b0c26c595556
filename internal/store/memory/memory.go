// Package memory is the in-process implementation of the collaborator
// contracts. It backs dev/demo mode when no backend base URL is configured
// and doubles as the deterministic fixture for handler tests.
package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"smartretail/pos/internal/domain"
	"smartretail/pos/internal/store"
	"smartretail/pos/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        []domain.Product
	batchesByProd   map[string][]domain.StockBatchRaw
	salesByID       map[string]domain.FinalizedSale
	saleOrder       []string
	ordersByID      map[string]domain.GatewayOrder
	usersByUsername map[string]domain.UserAccount

	// failure switches for tests
	failBatchesFor map[string]bool
	failSearch     bool
	failCreateSale bool
}

// seedUsers builds the initial user accounts for dev/demo mode. Credentials
// come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; hardcoded dev
// defaults are used with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "prod-rice-basmati", SKU: "RICE-001", Name: "Basmati Rice 1kg", Category: "Grains", UnitPrice: dec("185"), TaxRatePercent: dec("5"), Active: true},
		{ID: "prod-rice-brown", SKU: "RICE-002", Name: "Brown Rice 1kg", Category: "Grains", UnitPrice: dec("160"), TaxRatePercent: dec("5"), Active: true},
		{ID: "prod-dal-toor", SKU: "DAL-001", Name: "Toor Dal 500g", Category: "Pulses", UnitPrice: dec("95"), TaxRatePercent: dec("5"), Active: true},
		{ID: "prod-oil-sunflower", SKU: "OIL-001", Name: "Sunflower Oil 1L", Category: "Oils", UnitPrice: dec("145"), TaxRatePercent: dec("5"), Active: true},
		{ID: "prod-tea-leaf", SKU: "TEA-001", Name: "Leaf Tea 250g", Category: "Beverages", UnitPrice: dec("120"), TaxRatePercent: dec("12"), Active: true},
		{ID: "prod-soap-bath", SKU: "SOAP-001", Name: "Bath Soap", Category: "Household", UnitPrice: dec("42"), TaxRatePercent: dec("18"), Active: true},
		{ID: "prod-shampoo", SKU: "SHMP-001", Name: "Shampoo 180ml", Category: "Household", UnitPrice: dec("210"), TaxRatePercent: dec("18"), Active: true},
		{ID: "prod-biscuit", SKU: "BISC-001", Name: "Glucose Biscuits", Category: "Snacks", UnitPrice: dec("30"), TaxRatePercent: dec("18"), Active: true},
	}

	expiry := func(y int, m time.Month, d int) *time.Time {
		t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return &t
	}
	batches := map[string][]domain.StockBatchRaw{
		"prod-rice-basmati": {
			{ProductID: "prod-rice-basmati", ProductName: "Basmati Rice 1kg", BatchNumber: "B-2401", Quantity: dec("40"), CostPrice: dec("150"), ExpiryDate: expiry(2027, time.March, 1), Location: "Aisle 1"},
			{ProductID: "prod-rice-basmati", ProductName: "Basmati Rice 1kg", BatchNumber: "B-2401", Quantity: dec("25"), CostPrice: dec("155"), ExpiryDate: expiry(2027, time.January, 15), Location: "Back Store"},
			{ProductID: "prod-rice-basmati", ProductName: "Basmati Rice 1kg", BatchNumber: "", Quantity: dec("8"), CostPrice: dec("148"), Location: "Aisle 1"},
		},
		"prod-dal-toor": {
			{ProductID: "prod-dal-toor", ProductName: "Toor Dal 500g", BatchNumber: "D-119", Quantity: dec("60"), CostPrice: dec("72"), ExpiryDate: expiry(2026, time.December, 31), Location: "Aisle 2"},
		},
		"prod-oil-sunflower": {
			{ProductID: "prod-oil-sunflower", ProductName: "Sunflower Oil 1L", BatchNumber: "O-77", Quantity: dec("30"), CostPrice: dec("118"), ExpiryDate: expiry(2026, time.October, 10), Location: "Aisle 3"},
			{ProductID: "prod-oil-sunflower", ProductName: "Sunflower Oil 1L", BatchNumber: " O-77 ", Quantity: dec("12"), CostPrice: dec("121"), ExpiryDate: expiry(2026, time.November, 5), Location: "Back Store"},
		},
	}

	return &Store{
		products:        products,
		batchesByProd:   batches,
		salesByID:       map[string]domain.FinalizedSale{},
		ordersByID:      map[string]domain.GatewayOrder{},
		usersByUsername: seedUsers(),
		failBatchesFor:  map[string]bool{},
	}
}

// FailBatchesFor makes ListBatches fail for one product. Test hook.
func (s *Store) FailBatchesFor(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBatchesFor[productID] = true
}

// FailSearch makes SearchProducts fail. Test hook.
func (s *Store) FailSearch(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSearch = fail
}

// FailCreateSale makes the next CreateSale fail. Test hook.
func (s *Store) FailCreateSale(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreateSale = fail
}

func (s *Store) ListProducts(_ context.Context, page int, size int) (domain.ProductPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginateProducts(s.products, page, size), nil
}

func (s *Store) SearchProducts(_ context.Context, filter domain.ProductFilter, page int, size int) (domain.ProductPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failSearch {
		return domain.ProductPage{}, fmt.Errorf("%w: search unavailable", store.ErrTransport)
	}

	name := strings.ToLower(strings.TrimSpace(filter.Name))
	sku := strings.ToLower(strings.TrimSpace(filter.SKU))
	var matched []domain.Product
	for _, p := range s.products {
		if name != "" && strings.Contains(strings.ToLower(p.Name), name) {
			matched = append(matched, p)
			continue
		}
		if sku != "" && strings.Contains(strings.ToLower(p.SKU), sku) {
			matched = append(matched, p)
		}
	}
	return paginateProducts(matched, page, size), nil
}

func (s *Store) ListBatches(_ context.Context, productID string) ([]domain.StockBatchRaw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failBatchesFor[productID] {
		return nil, fmt.Errorf("%w: batches unavailable for %s", store.ErrTransport, productID)
	}
	batches := s.batchesByProd[productID]
	out := make([]domain.StockBatchRaw, len(batches))
	copy(out, batches)
	return out, nil
}

func (s *Store) CreateBatch(_ context.Context, req domain.BatchCreateRequest) (domain.StockBatchRaw, error) {
	if req.ProductID == "" {
		return domain.StockBatchRaw{}, fmt.Errorf("%w: product id required", store.ErrValidation)
	}
	if req.Quantity.IsNegative() {
		return domain.StockBatchRaw{}, fmt.Errorf("%w: quantity must not be negative", store.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var name string
	found := false
	for _, p := range s.products {
		if p.ID == req.ProductID {
			name = p.Name
			found = true
			break
		}
	}
	if !found {
		return domain.StockBatchRaw{}, fmt.Errorf("%w: product %s", store.ErrNotFound, req.ProductID)
	}

	batch := domain.StockBatchRaw{
		ProductID:   req.ProductID,
		ProductName: name,
		BatchNumber: strings.TrimSpace(req.BatchNumber),
		Quantity:    req.Quantity,
		CostPrice:   req.CostPrice,
		Location:    strings.TrimSpace(req.Location),
	}
	if req.ExpiryDate != "" {
		t, err := time.Parse("2006-01-02", req.ExpiryDate)
		if err != nil {
			return domain.StockBatchRaw{}, fmt.Errorf("%w: expiry date must be YYYY-MM-DD", store.ErrValidation)
		}
		batch.ExpiryDate = &t
	}

	s.batchesByProd[req.ProductID] = append(s.batchesByProd[req.ProductID], batch)
	return batch, nil
}

func (s *Store) UpdateBatch(_ context.Context, batch domain.StockBatchRaw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batches := s.batchesByProd[batch.ProductID]
	for i := range batches {
		if strings.TrimSpace(batches[i].BatchNumber) == strings.TrimSpace(batch.BatchNumber) {
			batches[i] = batch
			return nil
		}
	}
	return fmt.Errorf("%w: batch %s/%s", store.ErrNotFound, batch.ProductID, batch.BatchNumber)
}

func (s *Store) CreateSale(_ context.Context, draft domain.SaleDraft) (domain.FinalizedSale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateSale {
		s.failCreateSale = false
		return domain.FinalizedSale{}, fmt.Errorf("%w: sale store unavailable", store.ErrTransport)
	}
	if len(draft.Lines) == 0 {
		return domain.FinalizedSale{}, fmt.Errorf("%w: sale has no lines", store.ErrValidation)
	}

	sale := domain.FinalizedSale{ID: xid.New("sale"), SaleDraft: draft}
	s.salesByID[sale.ID] = sale
	s.saleOrder = append(s.saleOrder, sale.ID)
	return sale, nil
}

func (s *Store) ListSales(_ context.Context, page int, size int) (domain.SalePage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if size < 1 {
		size = 10
	}
	if page < 0 {
		page = 0
	}

	// newest first
	ordered := make([]domain.FinalizedSale, 0, len(s.saleOrder))
	for i := len(s.saleOrder) - 1; i >= 0; i-- {
		ordered = append(ordered, s.salesByID[s.saleOrder[i]])
	}

	total := len(ordered)
	start := page * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return domain.SalePage{
		Content:       ordered[start:end],
		Page:          page,
		Size:          size,
		TotalElements: total,
		TotalPages:    (total + size - 1) / size,
	}, nil
}

func (s *Store) GetSale(_ context.Context, id string) (domain.FinalizedSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.salesByID[id]
	if !ok {
		return domain.FinalizedSale{}, fmt.Errorf("%w: sale %s", store.ErrNotFound, id)
	}
	return sale, nil
}

// CreateOrder simulates the payment gateway's order creation in dev/demo
// mode. Orders are held so VerifyPayment can check the callback references a
// known order.
func (s *Store) CreateOrder(_ context.Context, amount decimal.Decimal) (domain.GatewayOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := domain.GatewayOrder{
		OrderID:  xid.New("order"),
		Key:      "demo_gateway_key",
		Amount:   domain.Round2(amount),
		Currency: "INR",
	}
	s.ordersByID[order.OrderID] = order
	return order, nil
}

func (s *Store) VerifyPayment(_ context.Context, cb domain.GatewayCallback) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.ordersByID[cb.OrderID]; !ok {
		return fmt.Errorf("%w: unknown order %s", store.ErrGateway, cb.OrderID)
	}
	if cb.PaymentID == "" || cb.Signature == "" {
		return fmt.Errorf("%w: incomplete callback", store.ErrGateway)
	}
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("%w: username %s already exists", store.ErrValidation, user.Username)
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func paginateProducts(products []domain.Product, page int, size int) domain.ProductPage {
	if size < 1 {
		size = 10
	}
	if page < 0 {
		page = 0
	}
	total := len(products)
	start := page * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	content := make([]domain.Product, end-start)
	copy(content, products[start:end])
	return domain.ProductPage{
		Content:       content,
		Page:          page,
		Size:          size,
		TotalElements: total,
		TotalPages:    (total + size - 1) / size,
	}
}
