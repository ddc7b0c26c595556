// Package store defines the contracts for the remote collaborators the
// engine depends on (product catalog, inventory, sale store, payment
// gateway) plus the error taxonomy adapters must classify into. Computation
// code never produces these errors; I/O adapters always do.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"smartretail/pos/internal/domain"
)

var (
	// ErrNotFound marks lookups of rows that do not exist. Search callers
	// treat it as "zero rows" and fall back; it is not surfaced as failure.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks local, user-correctable input problems.
	ErrValidation = errors.New("validation failed")
	// ErrTransport marks network or server failures. These are surfaced and
	// retried only at the user's explicit request, never silently.
	ErrTransport = errors.New("transport failure")
	// ErrGateway marks payment gateway declines and cancellations. The cart
	// is preserved and no sale is created.
	ErrGateway = errors.New("gateway failure")
)

type ProductStore interface {
	ListProducts(ctx context.Context, page int, size int) (domain.ProductPage, error)
	SearchProducts(ctx context.Context, filter domain.ProductFilter, page int, size int) (domain.ProductPage, error)
}

type InventoryStore interface {
	ListBatches(ctx context.Context, productID string) ([]domain.StockBatchRaw, error)
	CreateBatch(ctx context.Context, req domain.BatchCreateRequest) (domain.StockBatchRaw, error)
	UpdateBatch(ctx context.Context, batch domain.StockBatchRaw) error
}

type SaleStore interface {
	CreateSale(ctx context.Context, draft domain.SaleDraft) (domain.FinalizedSale, error)
	ListSales(ctx context.Context, page int, size int) (domain.SalePage, error)
	GetSale(ctx context.Context, id string) (domain.FinalizedSale, error)
}

type PaymentGateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal) (domain.GatewayOrder, error)
	VerifyPayment(ctx context.Context, cb domain.GatewayCallback) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
