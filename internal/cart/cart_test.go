package cart

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"smartretail/pos/internal/domain"
	"smartretail/pos/internal/payment"
	"smartretail/pos/internal/store"
	"smartretail/pos/internal/xid"
)

type fakeSaleStore struct {
	failNext error
	created  []domain.SaleDraft
}

func (f *fakeSaleStore) CreateSale(_ context.Context, draft domain.SaleDraft) (domain.FinalizedSale, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return domain.FinalizedSale{}, err
	}
	f.created = append(f.created, draft)
	return domain.FinalizedSale{ID: xid.New("sale"), SaleDraft: draft}, nil
}

func (f *fakeSaleStore) ListSales(context.Context, int, int) (domain.SalePage, error) {
	return domain.SalePage{}, nil
}

func (f *fakeSaleStore) GetSale(context.Context, string) (domain.FinalizedSale, error) {
	return domain.FinalizedSale{}, store.ErrNotFound
}

type fakeGateway struct {
	failCreate error
	failVerify error
	orders     int
	verified   int
}

func (f *fakeGateway) CreateOrder(_ context.Context, amount decimal.Decimal) (domain.GatewayOrder, error) {
	if f.failCreate != nil {
		return domain.GatewayOrder{}, f.failCreate
	}
	f.orders++
	return domain.GatewayOrder{
		OrderID:  fmt.Sprintf("order-%d", f.orders),
		Key:      "rzp_test_key",
		Amount:   amount,
		Currency: "INR",
	}, nil
}

func (f *fakeGateway) VerifyPayment(_ context.Context, _ domain.GatewayCallback) error {
	if f.failVerify != nil {
		return f.failVerify
	}
	f.verified++
	return nil
}

func testProduct(id string, price string, taxRate string) domain.Product {
	return domain.Product{
		ID:             id,
		Name:           "Product " + id,
		UnitPrice:      decimal.RequireFromString(price),
		TaxRatePercent: decimal.RequireFromString(taxRate),
		Active:         true,
	}
}

func newTestCart(sales *fakeSaleStore, gw *fakeGateway) *Cart {
	return New(sales, gw, payment.NewValidator("SmartRetails", "INR"))
}

func TestAddMergesByProductID(t *testing.T) {
	c := newTestCart(&fakeSaleStore{}, &fakeGateway{})

	p := testProduct("p1", "100", "18")
	if err := c.AddProduct(p); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := c.AddProduct(p); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	lines := c.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 merged line, got %d", len(lines))
	}
	if lines[0].Quantity != 2 {
		t.Fatalf("quantity = %d, want 2", lines[0].Quantity)
	}
	if c.State() != StateBuilding {
		t.Fatalf("state = %s, want building", c.State())
	}
}

func TestSetQuantityClampsToOne(t *testing.T) {
	c := newTestCart(&fakeSaleStore{}, &fakeGateway{})
	_ = c.AddProduct(testProduct("p1", "10", "0"))

	if err := c.SetQuantity("p1", -5); err != nil {
		t.Fatalf("set quantity failed: %v", err)
	}
	if got := c.Lines()[0].Quantity; got != 1 {
		t.Fatalf("quantity = %d, want 1", got)
	}
}

func TestTotalsAreDerivedOnEveryRead(t *testing.T) {
	c := newTestCart(&fakeSaleStore{}, &fakeGateway{})
	_ = c.AddProduct(testProduct("p1", "100", "18"))
	_ = c.SetQuantity("p1", 2)
	_ = c.SetDiscount(domain.Discount{Policy: domain.DiscountFlat, Value: decimal.NewFromInt(10)})

	if got := c.Totals().Total.String(); got != "226" {
		t.Fatalf("total = %s, want 226", got)
	}

	_ = c.SetQuantity("p1", 3)
	if got := c.Totals().Total.String(); got != "344" {
		t.Fatalf("total after qty change = %s, want 344", got)
	}
}

func TestFinalizeRejectsEmptyCartBeforeStoreCall(t *testing.T) {
	sales := &fakeSaleStore{}
	c := newTestCart(sales, &fakeGateway{})
	_ = c.SetCashierID(7)

	_, err := c.Finalize(context.Background())
	if !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("err = %v, want ErrEmptyCart", err)
	}
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("empty cart error must be a validation error, got %v", err)
	}
	if len(sales.created) != 0 {
		t.Fatalf("sale store was called for an empty cart")
	}
}

func TestFinalizeRequiresCashierID(t *testing.T) {
	c := newTestCart(&fakeSaleStore{}, &fakeGateway{})
	_ = c.AddProduct(testProduct("p1", "10", "0"))

	_, err := c.Finalize(context.Background())
	if !errors.Is(err, ErrInvalidCashier) {
		t.Fatalf("err = %v, want ErrInvalidCashier", err)
	}
}

func TestFinalizeCashSuccessClearsCart(t *testing.T) {
	sales := &fakeSaleStore{}
	c := newTestCart(sales, &fakeGateway{})
	_ = c.AddProduct(testProduct("p1", "100", "18"))
	_ = c.SetQuantity("p1", 2)
	_ = c.SetDiscount(domain.Discount{Policy: domain.DiscountFlat, Value: decimal.NewFromInt(10)})
	_ = c.SetCashierID(7)

	result, err := c.Finalize(context.Background())
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if result.Sale == nil || result.Sale.ID == "" {
		t.Fatalf("expected an acknowledged sale with a store-issued id")
	}
	if result.Sale.Total.String() != "226" {
		t.Fatalf("sale total = %s, want 226", result.Sale.Total)
	}
	if c.State() != StateEmpty || len(c.Lines()) != 0 {
		t.Fatalf("cart not cleared after finalize: state=%s lines=%d", c.State(), len(c.Lines()))
	}
	if !c.Discount().Value.IsZero() {
		t.Fatalf("discount not reset after finalize")
	}
}

func TestFinalizeStoreRejectionPreservesCart(t *testing.T) {
	sales := &fakeSaleStore{failNext: fmt.Errorf("%w: connection refused", store.ErrTransport)}
	c := newTestCart(sales, &fakeGateway{})
	_ = c.AddProduct(testProduct("p1", "100", "18"))
	_ = c.SetQuantity("p1", 2)
	_ = c.SetCashierID(7)

	_, err := c.Finalize(context.Background())
	if !errors.Is(err, store.ErrTransport) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if c.State() != StateBuilding {
		t.Fatalf("state = %s, want building after failed submit", c.State())
	}
	if len(c.Lines()) != 1 || c.Lines()[0].Quantity != 2 {
		t.Fatalf("cart contents lost on failed submit: %+v", c.Lines())
	}

	// Retry at the user's request succeeds with the same contents.
	result, err := c.Finalize(context.Background())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if result.Sale == nil {
		t.Fatalf("expected sale on retry")
	}
}

func TestFinalizeInvalidCardReturnsToBuilding(t *testing.T) {
	c := newTestCart(&fakeSaleStore{}, &fakeGateway{})
	_ = c.AddProduct(testProduct("p1", "100", "0"))
	_ = c.SetCashierID(7)
	_ = c.SetPaymentInput(domain.PaymentInput{
		Mode: domain.PaymentCard,
		Card: domain.CardDetails{Number: "1234", Expiry: "12/30"},
	})

	_, err := c.Finalize(context.Background())
	if !errors.Is(err, payment.ErrInvalidCardNumber) {
		t.Fatalf("err = %v, want ErrInvalidCardNumber", err)
	}
	if c.State() != StateBuilding || len(c.Lines()) != 1 {
		t.Fatalf("cart must stay intact after validation failure")
	}
}

func TestGatewayRoundTrip(t *testing.T) {
	sales := &fakeSaleStore{}
	gw := &fakeGateway{}
	c := newTestCart(sales, gw)
	_ = c.AddProduct(testProduct("p1", "500", "0"))
	_ = c.SetCashierID(7)
	_ = c.SetPaymentInput(domain.PaymentInput{Mode: domain.PaymentGateway})

	result, err := c.Finalize(context.Background())
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if result.GatewayOrder == nil || result.Sale != nil {
		t.Fatalf("expected a pending gateway order, got %+v", result)
	}
	if c.State() != StateValidatingPayment {
		t.Fatalf("state = %s, want validating_payment", c.State())
	}

	sale, err := c.CompleteGateway(context.Background(), result.Attempt, domain.GatewayCallback{
		OrderID:   result.GatewayOrder.OrderID,
		PaymentID: "pay-1",
		Signature: "sig",
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if sale.Payment.GatewayPaymentID != "pay-1" {
		t.Fatalf("payload = %+v", sale.Payment)
	}
	if gw.verified != 1 {
		t.Fatalf("verify called %d times, want 1", gw.verified)
	}
	if c.State() != StateEmpty {
		t.Fatalf("cart not cleared after gateway success")
	}
}

func TestGatewayFailureLeavesCartIntact(t *testing.T) {
	c := newTestCart(&fakeSaleStore{}, &fakeGateway{})
	_ = c.AddProduct(testProduct("p1", "500", "0"))
	_ = c.SetCashierID(7)
	_ = c.SetPaymentInput(domain.PaymentInput{Mode: domain.PaymentGateway})

	result, err := c.Finalize(context.Background())
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	if err := c.FailGateway(result.Attempt); err != nil {
		t.Fatalf("fail callback: %v", err)
	}
	if c.State() != StateBuilding || len(c.Lines()) != 1 {
		t.Fatalf("cart must return to building intact after gateway failure")
	}
}

func TestLateGatewayCallbackAfterCancelIsNoOp(t *testing.T) {
	sales := &fakeSaleStore{}
	c := newTestCart(sales, &fakeGateway{})
	_ = c.AddProduct(testProduct("p1", "500", "0"))
	_ = c.SetCashierID(7)
	_ = c.SetPaymentInput(domain.PaymentInput{Mode: domain.PaymentGateway})

	result, err := c.Finalize(context.Background())
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	if err := c.Cancel(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if c.State() != StateEmpty {
		t.Fatalf("state = %s, want empty after cancel", c.State())
	}

	_, err = c.CompleteGateway(context.Background(), result.Attempt, domain.GatewayCallback{
		OrderID: result.GatewayOrder.OrderID, PaymentID: "pay-late", Signature: "sig",
	})
	if !errors.Is(err, ErrStaleCallback) {
		t.Fatalf("err = %v, want ErrStaleCallback", err)
	}
	if len(sales.created) != 0 {
		t.Fatalf("late callback created a sale from a cancelled cart")
	}
}

func TestGatewayVerifyFailureCreatesNoSale(t *testing.T) {
	sales := &fakeSaleStore{}
	gw := &fakeGateway{failVerify: errors.New("signature mismatch")}
	c := newTestCart(sales, gw)
	_ = c.AddProduct(testProduct("p1", "500", "0"))
	_ = c.SetCashierID(7)
	_ = c.SetPaymentInput(domain.PaymentInput{Mode: domain.PaymentGateway})

	result, _ := c.Finalize(context.Background())
	_, err := c.CompleteGateway(context.Background(), result.Attempt, domain.GatewayCallback{OrderID: "o", PaymentID: "p"})
	if !errors.Is(err, store.ErrGateway) {
		t.Fatalf("err = %v, want gateway error", err)
	}
	if len(sales.created) != 0 {
		t.Fatalf("sale created despite failed verification")
	}
	if c.State() != StateBuilding {
		t.Fatalf("state = %s, want building", c.State())
	}
}

func TestMutationRejectedWhileAwaitingGateway(t *testing.T) {
	c := newTestCart(&fakeSaleStore{}, &fakeGateway{})
	_ = c.AddProduct(testProduct("p1", "500", "0"))
	_ = c.SetCashierID(7)
	_ = c.SetPaymentInput(domain.PaymentInput{Mode: domain.PaymentGateway})
	_, _ = c.Finalize(context.Background())

	if err := c.AddProduct(testProduct("p2", "10", "0")); !errors.Is(err, ErrCartLocked) {
		t.Fatalf("err = %v, want ErrCartLocked", err)
	}
	if _, err := c.Finalize(context.Background()); !errors.Is(err, ErrAwaitingGateway) {
		t.Fatalf("err = %v, want ErrAwaitingGateway", err)
	}
}

func TestCancelResetsFromBuilding(t *testing.T) {
	c := newTestCart(&fakeSaleStore{}, &fakeGateway{})
	_ = c.AddProduct(testProduct("p1", "10", "0"))
	_ = c.SetDiscount(domain.Discount{Policy: domain.DiscountPercent, Value: decimal.NewFromInt(5)})

	if err := c.Cancel(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if c.State() != StateEmpty || len(c.Lines()) != 0 {
		t.Fatalf("cancel did not reset the cart")
	}
	if c.Discount().Policy != domain.DiscountFlat || !c.Discount().Value.IsZero() {
		t.Fatalf("discount not reset: %+v", c.Discount())
	}
}
