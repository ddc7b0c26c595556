// Package cart owns the POS cart state machine. A Cart moves through
// Empty -> Building -> ValidatingPayment -> Finalizing and either ends in an
// acknowledged sale (after which it is atomically cleared) or falls back to
// Building with every entered value intact. Totals are always derived from
// the lines on demand; nothing here caches a computed amount.
package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smartretail/pos/internal/domain"
	"smartretail/pos/internal/payment"
	"smartretail/pos/internal/pricing"
	"smartretail/pos/internal/store"
)

type State string

const (
	StateEmpty             State = "empty"
	StateBuilding          State = "building"
	StateValidatingPayment State = "validating_payment"
	StateFinalizing        State = "finalizing"
)

var (
	ErrEmptyCart      = fmt.Errorf("%w: cart has no lines", store.ErrValidation)
	ErrInvalidCashier = fmt.Errorf("%w: cashier id must be a positive integer", store.ErrValidation)
	ErrCartLocked     = errors.New("cart is finalizing; mutation not allowed")
	// ErrStaleCallback marks a gateway callback that arrived after the
	// attempt it belongs to was cancelled or superseded. It is a no-op
	// signal, not a failure: the cart is left exactly as it is.
	ErrStaleCallback = errors.New("stale gateway callback ignored")
	// ErrAwaitingGateway is returned by Finalize when a gateway attempt is
	// already pending a callback.
	ErrAwaitingGateway = errors.New("gateway attempt already pending")
)

// Cart is the state machine for a single POS session. It is owned by that
// session and is not safe for concurrent use; the session layer serializes
// access.
type Cart struct {
	sales     store.SaleStore
	gateway   store.PaymentGateway
	validator *payment.Validator

	state     State
	lines     []domain.CartLine // insertion order
	discount  domain.Discount
	cashierID int64
	payInput  domain.PaymentInput

	// attempt increases monotonically; a gateway callback carrying an older
	// attempt is stale and must be ignored.
	attempt      uint64
	pendingOrder *domain.GatewayOrder
}

// FinalizeResult is the outcome of a Finalize call. Exactly one of Sale or
// GatewayOrder is set: a gateway order means the sale is pending the
// asynchronous gateway callback.
type FinalizeResult struct {
	Sale         *domain.FinalizedSale `json:"sale,omitempty"`
	GatewayOrder *domain.GatewayOrder  `json:"gateway_order,omitempty"`
	Attempt      uint64                `json:"attempt,omitempty"`
}

func New(sales store.SaleStore, gateway store.PaymentGateway, validator *payment.Validator) *Cart {
	return &Cart{
		sales:     sales,
		gateway:   gateway,
		validator: validator,
		state:     StateEmpty,
		discount:  domain.Discount{Policy: domain.DiscountFlat},
		payInput:  domain.PaymentInput{Mode: domain.PaymentCash},
	}
}

func (c *Cart) State() State { return c.state }

// Lines returns a copy of the cart lines in insertion order.
func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Discount() domain.Discount { return c.discount }

func (c *Cart) CashierID() int64 { return c.cashierID }

func (c *Cart) PaymentInput() domain.PaymentInput { return c.payInput }

// Totals recomputes the price breakdown from current lines and discount.
func (c *Cart) Totals() domain.Totals {
	return pricing.ComputeTotals(c.lines, c.discount)
}

// AddProduct adds one unit of the product, merging into an existing line
// when the product is already in the cart.
func (c *Cart) AddProduct(p domain.Product) error {
	if err := c.mutable(); err != nil {
		return err
	}
	for i := range c.lines {
		if c.lines[i].ProductID == p.ID {
			c.lines[i].Quantity++
			c.state = StateBuilding
			return nil
		}
	}
	c.lines = append(c.lines, domain.CartLine{
		ProductID:      p.ID,
		Name:           p.Name,
		Quantity:       1,
		UnitPrice:      p.UnitPrice,
		TaxRatePercent: p.TaxRatePercent,
	})
	c.state = StateBuilding
	return nil
}

func (c *Cart) RemoveLine(productID string) error {
	if err := c.mutable(); err != nil {
		return err
	}
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			if len(c.lines) == 0 {
				c.state = StateEmpty
			}
			return nil
		}
	}
	return fmt.Errorf("%w: product %s not in cart", store.ErrNotFound, productID)
}

// SetQuantity sets a line's quantity, clamping anything below 1 up to 1.
func (c *Cart) SetQuantity(productID string, qty int) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if qty < 1 {
		qty = 1
	}
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			c.lines[i].Quantity = qty
			return nil
		}
	}
	return fmt.Errorf("%w: product %s not in cart", store.ErrNotFound, productID)
}

func (c *Cart) SetDiscount(d domain.Discount) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if d.Policy != domain.DiscountFlat && d.Policy != domain.DiscountPercent {
		return fmt.Errorf("%w: unknown discount policy %q", store.ErrValidation, d.Policy)
	}
	if d.Value.IsNegative() {
		return fmt.Errorf("%w: discount must not be negative", store.ErrValidation)
	}
	c.discount = d
	return nil
}

func (c *Cart) SetPaymentInput(input domain.PaymentInput) error {
	if err := c.mutable(); err != nil {
		return err
	}
	c.payInput = input
	return nil
}

func (c *Cart) SetCashierID(id int64) error {
	if err := c.mutable(); err != nil {
		return err
	}
	c.cashierID = id
	return nil
}

// Cancel resets the cart to Empty unconditionally. It is rejected only while
// a sale submission is in flight. Cancelling also invalidates any pending
// gateway attempt, so a late callback cannot resurrect the cleared cart.
func (c *Cart) Cancel() error {
	if c.state == StateFinalizing {
		return ErrCartLocked
	}
	c.clear()
	return nil
}

// Finalize runs the finalize gate and either submits the sale (cash, card,
// transfer) or initiates a gateway attempt whose completion arrives via
// CompleteGateway. Any failure returns the cart to Building with all entered
// data preserved.
func (c *Cart) Finalize(ctx context.Context) (FinalizeResult, error) {
	if c.state == StateFinalizing {
		return FinalizeResult{}, ErrCartLocked
	}
	if c.state == StateValidatingPayment && c.pendingOrder != nil {
		return FinalizeResult{}, ErrAwaitingGateway
	}
	if c.cashierID < 1 {
		return FinalizeResult{}, ErrInvalidCashier
	}
	if len(c.lines) == 0 {
		return FinalizeResult{}, ErrEmptyCart
	}

	totals := c.Totals()

	c.state = StateValidatingPayment
	payload, err := c.validator.Validate(c.payInput, totals.Total)
	if err != nil {
		c.state = StateBuilding
		return FinalizeResult{}, err
	}

	if c.payInput.Mode == domain.PaymentGateway {
		return c.beginGateway(ctx, totals)
	}

	c.state = StateFinalizing
	sale, err := c.submit(ctx, totals, payload)
	if err != nil {
		c.state = StateBuilding
		return FinalizeResult{}, err
	}
	return FinalizeResult{Sale: &sale}, nil
}

// beginGateway creates the gateway order and parks the cart until the
// asynchronous callback arrives. The attempt token in the result must be
// echoed back by the callback.
func (c *Cart) beginGateway(ctx context.Context, totals domain.Totals) (FinalizeResult, error) {
	order, err := c.gateway.CreateOrder(ctx, totals.Total)
	if err != nil {
		c.state = StateBuilding
		return FinalizeResult{}, fmt.Errorf("%w: create order: %v", store.ErrGateway, err)
	}

	c.attempt++
	c.pendingOrder = &order
	return FinalizeResult{GatewayOrder: &order, Attempt: c.attempt}, nil
}

// CompleteGateway finishes a pending gateway attempt. The callback is
// verified with the gateway before any sale is created. A callback whose
// attempt token does not match the pending attempt is a no-op.
func (c *Cart) CompleteGateway(ctx context.Context, attempt uint64, cb domain.GatewayCallback) (domain.FinalizedSale, error) {
	if c.state != StateValidatingPayment || c.pendingOrder == nil || attempt != c.attempt {
		return domain.FinalizedSale{}, ErrStaleCallback
	}

	if err := c.gateway.VerifyPayment(ctx, cb); err != nil {
		c.state = StateBuilding
		c.pendingOrder = nil
		return domain.FinalizedSale{}, fmt.Errorf("%w: verify payment: %v", store.ErrGateway, err)
	}

	payload := domain.PaymentPayload{
		Mode:             domain.PaymentGateway,
		GatewayOrderID:   cb.OrderID,
		GatewayPaymentID: cb.PaymentID,
	}

	c.state = StateFinalizing
	sale, err := c.submit(ctx, c.Totals(), payload)
	if err != nil {
		c.state = StateBuilding
		return domain.FinalizedSale{}, err
	}
	return sale, nil
}

// FailGateway handles a gateway failure or user cancellation callback. The
// cart returns to Building with zero side effects; stale callbacks are
// ignored.
func (c *Cart) FailGateway(attempt uint64) error {
	if c.state != StateValidatingPayment || c.pendingOrder == nil || attempt != c.attempt {
		return ErrStaleCallback
	}
	c.state = StateBuilding
	c.pendingOrder = nil
	return nil
}

// submit builds the SaleDraft and sends it to the sale store. A FinalizedSale
// only ever comes back from the store's acknowledgment; on success the cart
// is cleared atomically.
func (c *Cart) submit(ctx context.Context, totals domain.Totals, payload domain.PaymentPayload) (domain.FinalizedSale, error) {
	draft := domain.SaleDraft{
		CashierID:     c.cashierID,
		Lines:         saleLines(c.lines),
		Subtotal:      totals.Subtotal,
		TaxTotal:      totals.TaxTotal,
		DiscountTotal: totals.DiscountTotal,
		Total:         totals.Total,
		Payment:       payload,
		CreatedAt:     time.Now().UTC(),
	}

	sale, err := c.sales.CreateSale(ctx, draft)
	if err != nil {
		return domain.FinalizedSale{}, err
	}

	c.clear()
	return sale, nil
}

func saleLines(lines []domain.CartLine) []domain.SaleLine {
	out := make([]domain.SaleLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, domain.SaleLine{
			ProductID:      l.ProductID,
			Name:           l.Name,
			Quantity:       l.Quantity,
			UnitPrice:      l.UnitPrice,
			TaxRatePercent: l.TaxRatePercent,
		})
	}
	return out
}

func (c *Cart) mutable() error {
	if c.state == StateEmpty || c.state == StateBuilding {
		return nil
	}
	return ErrCartLocked
}

// clear resets every cart field and bumps the attempt counter so any
// in-flight gateway callback for the previous contents becomes stale.
func (c *Cart) clear() {
	c.lines = nil
	c.discount = domain.Discount{Policy: domain.DiscountFlat}
	c.payInput = domain.PaymentInput{Mode: domain.PaymentCash}
	c.pendingOrder = nil
	c.attempt++
	c.state = StateEmpty
}
