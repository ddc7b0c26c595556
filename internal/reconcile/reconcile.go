// Package reconcile implements the stock reconciliation run: fan out batch
// fetches across the product catalog with bounded concurrency, then fold the
// raw batches into one deterministic merged row per product+batch key.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"smartretail/pos/internal/domain"
	"smartretail/pos/internal/store"
)

// noBatch is the bucket for batches whose number is empty after trimming.
const noBatch = "NO_BATCH"

const defaultConcurrency = 8

// Report is the outcome of a reconciliation run. Rows are sorted by merge key
// so two runs over the same data always produce identical output. Failures
// list the products whose batch fetch failed; those products simply
// contribute no rows.
type Report struct {
	Rows          []domain.MergedStockRow    `json:"rows"`
	Failures      []domain.BatchFetchFailure `json:"failures,omitempty"`
	ProductCount  int                        `json:"product_count"`
	BatchCount    int                        `json:"batch_count"`
	MergedCount   int                        `json:"merged_count"`
	DistinctCount int                        `json:"distinct_count"`
}

type Engine struct {
	products    store.ProductStore
	inventory   store.InventoryStore
	pageSize    int
	concurrency int
}

func NewEngine(products store.ProductStore, inventory store.InventoryStore, pageSize int, concurrency int) *Engine {
	if pageSize < 1 {
		pageSize = 100
	}
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	return &Engine{
		products:    products,
		inventory:   inventory,
		pageSize:    pageSize,
		concurrency: concurrency,
	}
}

// Run walks the whole product catalog, fetches every product's batches with
// at most the configured number of in-flight requests, and folds the results.
// A per-product fetch failure is recorded and skipped; only catalog paging
// errors abort the run.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	products, err := e.allProducts(ctx)
	if err != nil {
		return Report{}, err
	}

	// One slot per product keeps collection lock-free: each worker writes
	// only its own index.
	batches := make([][]domain.StockBatchRaw, len(products))
	failures := make([]*domain.BatchFetchFailure, len(products))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, p := range products {
		i, p := i, p
		g.Go(func() error {
			raw, err := e.inventory.ListBatches(gctx, p.ID)
			if err != nil {
				log.Printf("[reconcile] batches for product %s failed: %v", p.ID, err)
				failures[i] = &domain.BatchFetchFailure{
					ProductID:   p.ID,
					ProductName: p.Name,
					Reason:      err.Error(),
				}
				return nil
			}
			batches[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := fold(products, batches)
	for _, f := range failures {
		if f != nil {
			report.Failures = append(report.Failures, *f)
		}
	}
	return report, nil
}

func (e *Engine) allProducts(ctx context.Context) ([]domain.Product, error) {
	var all []domain.Product
	for page := 0; ; page++ {
		result, err := e.products.ListProducts(ctx, page, e.pageSize)
		if err != nil {
			return nil, fmt.Errorf("list products page %d: %w", page, err)
		}
		all = append(all, result.Content...)
		if len(result.Content) < e.pageSize || len(all) >= result.TotalElements {
			return all, nil
		}
	}
}

// bucket accumulates one merge key. Cost is held as exact sums (quantity and
// quantity-weighted cost) so the fold is independent of batch arrival order;
// the average is derived once at emit time.
type bucket struct {
	productID   string
	productName string
	batchNumber string
	qtySum      decimal.Decimal
	costSum     decimal.Decimal
	firstCost   decimal.Decimal
	expiry      *time.Time
	locations   map[string]struct{}
	merged      int
}

func fold(products []domain.Product, batches [][]domain.StockBatchRaw) Report {
	names := make(map[string]string, len(products))
	for _, p := range products {
		names[p.ID] = p.Name
	}

	buckets := make(map[string]*bucket)
	batchCount := 0
	for _, raw := range batches {
		for _, b := range raw {
			batchCount++
			key := MergeKey(b.ProductID, b.BatchNumber)
			bk, ok := buckets[key]
			if !ok {
				bk = &bucket{
					productID:   b.ProductID,
					productName: b.ProductName,
					batchNumber: strings.TrimSpace(b.BatchNumber),
					firstCost:   b.CostPrice,
					locations:   map[string]struct{}{},
				}
				if bk.productName == "" {
					bk.productName = names[b.ProductID]
				}
				buckets[key] = bk
			}
			bk.qtySum = bk.qtySum.Add(b.Quantity)
			if b.Quantity.IsPositive() {
				bk.costSum = bk.costSum.Add(b.Quantity.Mul(b.CostPrice))
			}
			if b.ExpiryDate != nil && (bk.expiry == nil || b.ExpiryDate.Before(*bk.expiry)) {
				t := *b.ExpiryDate
				bk.expiry = &t
			}
			if loc := strings.TrimSpace(b.Location); loc != "" {
				bk.locations[loc] = struct{}{}
			}
			bk.merged++
		}
	}

	rows := make([]domain.MergedStockRow, 0, len(buckets))
	mergedTotal := 0
	for key, bk := range buckets {
		cost := bk.firstCost
		if bk.qtySum.IsPositive() {
			cost = bk.costSum.Div(bk.qtySum)
		}
		locations := make([]string, 0, len(bk.locations))
		for loc := range bk.locations {
			locations = append(locations, loc)
		}
		sort.Strings(locations)

		rows = append(rows, domain.MergedStockRow{
			Key:         key,
			ProductID:   bk.productID,
			ProductName: bk.productName,
			BatchNumber: bk.batchNumber,
			Quantity:    bk.qtySum,
			CostPrice:   domain.Round2(cost),
			TotalCost:   domain.Round2(bk.qtySum.Mul(cost)),
			ExpiryDate:  bk.expiry,
			Locations:   locations,
			MergedCount: bk.merged,
		})
		if bk.merged > 1 {
			mergedTotal++
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	return Report{
		Rows:          rows,
		ProductCount:  len(products),
		BatchCount:    batchCount,
		MergedCount:   mergedTotal,
		DistinctCount: len(rows),
	}
}

// MergeKey is the identity of a merged row. Batch numbers are trimmed before
// keying; an empty batch number falls into the NO_BATCH bucket rather than
// colliding with whitespace variants.
func MergeKey(productID string, batchNumber string) string {
	trimmed := strings.TrimSpace(batchNumber)
	if trimmed == "" {
		trimmed = noBatch
	}
	return productID + "::" + trimmed
}
