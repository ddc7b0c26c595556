package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID             string          `json:"id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Category       string          `json:"category"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	Active         bool            `json:"active"`
}

// ProductFilter is the server-side search filter. Both fields usually carry
// the same query string; the backend matches either.
type ProductFilter struct {
	Name string `json:"name,omitempty"`
	SKU  string `json:"sku,omitempty"`
}

type ProductPage struct {
	Content       []Product `json:"content"`
	Page          int       `json:"page"`
	Size          int       `json:"size"`
	TotalElements int       `json:"total_elements"`
	TotalPages    int       `json:"total_pages"`
}

// CartLine is a single cart entry. Identity is ProductID: adding a product
// that is already in the cart increments quantity instead of duplicating.
type CartLine struct {
	ProductID      string          `json:"product_id"`
	Name           string          `json:"name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
}

type DiscountPolicy string

const (
	// DiscountFlat subtracts a fixed currency amount from the cart total.
	DiscountFlat DiscountPolicy = "flat"
	// DiscountPercent subtracts a percentage of the subtotal.
	DiscountPercent DiscountPolicy = "percent"
)

// Discount is the cart's active discount. The policy is explicit cart state,
// never inferred from the value.
type Discount struct {
	Policy DiscountPolicy  `json:"policy"`
	Value  decimal.Decimal `json:"value"`
}

const WarningDiscountExceedsTotal = "discount exceeds subtotal plus tax; total clamped to zero"

// Totals is the derived price breakdown of a cart. Total is rounded half-up
// to two decimals; the other fields are unrounded sums.
type Totals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	Total         decimal.Decimal `json:"total"`
	Warnings      []string        `json:"warnings,omitempty"`
}

type PaymentMode string

const (
	PaymentCash     PaymentMode = "CASH"
	PaymentCard     PaymentMode = "CARD"
	PaymentTransfer PaymentMode = "UPI"
	PaymentGateway  PaymentMode = "GATEWAY"
)

type CardDetails struct {
	Number string `json:"number"`
	Holder string `json:"holder"`
	Expiry string `json:"expiry"`
}

type TransferDetails struct {
	Handle string `json:"handle"`
}

// PaymentInput carries unvalidated raw payment data as entered at the
// terminal. Card.Number holds the raw PAN only until validation; it is never
// copied into a payload or a sale.
type PaymentInput struct {
	Mode     PaymentMode     `json:"mode"`
	Card     CardDetails     `json:"card,omitempty"`
	Transfer TransferDetails `json:"transfer,omitempty"`
}

// PaymentPayload is the validated, persistable payment description. Card
// numbers appear masked only.
type PaymentPayload struct {
	Mode             PaymentMode `json:"mode"`
	CardMasked       string      `json:"card_masked,omitempty"`
	CardHolder       string      `json:"card_holder,omitempty"`
	CardExpiry       string      `json:"card_expiry,omitempty"`
	TransferHandle   string      `json:"transfer_handle,omitempty"`
	TransferRequest  string      `json:"transfer_request,omitempty"`
	GatewayOrderID   string      `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string      `json:"gateway_payment_id,omitempty"`
}

type SaleLine struct {
	ProductID      string          `json:"product_id"`
	Name           string          `json:"name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
}

// SaleDraft is the payload built from a valid cart. It becomes a
// FinalizedSale only once the sale store acknowledges creation and issues an
// identifier; drafts never carry an ID.
type SaleDraft struct {
	CashierID     int64           `json:"cashier_id"`
	Lines         []SaleLine      `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	Total         decimal.Decimal `json:"total"`
	Payment       PaymentPayload  `json:"payment"`
	CreatedAt     time.Time       `json:"created_at"`
}

type FinalizedSale struct {
	ID string `json:"id"`
	SaleDraft
}

type SalePage struct {
	Content       []FinalizedSale `json:"content"`
	Page          int             `json:"page"`
	Size          int             `json:"size"`
	TotalElements int             `json:"total_elements"`
	TotalPages    int             `json:"total_pages"`
}

// StockBatchRaw is one inventory batch record as fetched per product.
// BatchNumber may be empty (unbatched stock) and Location may be empty.
type StockBatchRaw struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	BatchNumber string          `json:"batch_number,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	CostPrice   decimal.Decimal `json:"cost_price"`
	ExpiryDate  *time.Time      `json:"expiry_date,omitempty"`
	Location    string          `json:"location,omitempty"`
}

type BatchCreateRequest struct {
	ProductID   string          `json:"product_id"`
	BatchNumber string          `json:"batch_number,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	CostPrice   decimal.Decimal `json:"cost_price"`
	ExpiryDate  string          `json:"expiry_date,omitempty"`
	Location    string          `json:"location,omitempty"`
}

// MergedStockRow is the deduplicated aggregate of all raw batches sharing a
// product+batch key. CostPrice is always the quantity-weighted average of the
// folded batches, never a simple mean.
type MergedStockRow struct {
	Key         string          `json:"key"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	BatchNumber string          `json:"batch_number,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	CostPrice   decimal.Decimal `json:"cost_price"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	ExpiryDate  *time.Time      `json:"expiry_date,omitempty"`
	Locations   []string        `json:"locations,omitempty"`
	MergedCount int             `json:"merged_count"`
}

// BatchFetchFailure records a per-product batch fetch that failed during
// reconciliation. Failures never abort the run; the product contributes zero
// batches.
type BatchFetchFailure struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Reason      string `json:"reason"`
}

type GatewayOrder struct {
	OrderID  string          `json:"order_id"`
	Key      string          `json:"key"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type GatewayCallback struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is the internal persistence model for auth credentials.
// Password always holds a bcrypt hash; accounts are write-only and there is
// no code path that returns a stored password.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
