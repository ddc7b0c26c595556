// Package search resolves product lookups for the POS terminal. Server-side
// search is authoritative; when it fails or finds nothing, the resolver
// degrades to filtering a locally cached catalog superset so the terminal
// keeps working through backend search outages.
package search

import (
	"context"
	"log"
	"strings"
	"time"

	"smartretail/pos/internal/cache"
	"smartretail/pos/internal/domain"
	"smartretail/pos/internal/store"
)

const supersetKey = "search:catalog-superset"

// Result is a resolved product page plus where it came from. Source is
// "server" for an authoritative backend answer and "fallback" when the page
// was filtered locally.
type Result struct {
	Page   domain.ProductPage `json:"page"`
	Source string             `json:"source"`
}

const (
	SourceServer   = "server"
	SourceFallback = "fallback"
)

type Resolver struct {
	products          store.ProductStore
	cache             cache.ProductPageCache
	fallbackFetchSize int
	cacheTTL          time.Duration
}

func NewResolver(products store.ProductStore, pageCache cache.ProductPageCache, fallbackFetchSize int, cacheTTL time.Duration) *Resolver {
	if pageCache == nil {
		pageCache = cache.NoopProductPageCache{}
	}
	if fallbackFetchSize < 1 {
		fallbackFetchSize = 500
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Resolver{
		products:          products,
		cache:             pageCache,
		fallbackFetchSize: fallbackFetchSize,
		cacheTTL:          cacheTTL,
	}
}

// Search resolves one page of products for a query. An empty query is a plain
// catalog listing. A non-empty query tries the backend search first and falls
// back to local filtering when the backend errors or returns zero rows; only
// a fallback that itself fails surfaces an error.
func (r *Resolver) Search(ctx context.Context, query string, page int, size int) (Result, error) {
	query = strings.TrimSpace(query)
	if size < 1 {
		size = 10
	}
	if page < 0 {
		page = 0
	}

	if query == "" {
		listed, err := r.products.ListProducts(ctx, page, size)
		if err != nil {
			return Result{}, err
		}
		return Result{Page: listed, Source: SourceServer}, nil
	}

	filter := domain.ProductFilter{Name: query, SKU: query}
	found, err := r.products.SearchProducts(ctx, filter, page, size)
	if err == nil && found.TotalElements > 0 {
		return Result{Page: found, Source: SourceServer}, nil
	}
	if err != nil {
		log.Printf("[search] server search for %q failed, using fallback: %v", query, err)
	}

	return r.fallback(ctx, query, page, size)
}

// fallback filters the cached catalog superset client-side and re-paginates
// with the requested page size.
func (r *Resolver) fallback(ctx context.Context, query string, page int, size int) (Result, error) {
	superset, err := r.superset(ctx)
	if err != nil {
		return Result{}, err
	}

	q := strings.ToLower(query)
	var matched []domain.Product
	for _, p := range superset.Content {
		if matchesQuery(p, q) {
			matched = append(matched, p)
		}
	}

	return Result{Page: paginate(matched, page, size), Source: SourceFallback}, nil
}

func (r *Resolver) superset(ctx context.Context) (domain.ProductPage, error) {
	if cached, ok, err := r.cache.Get(ctx, supersetKey); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		log.Printf("[search] superset cache read failed: %v", err)
	}

	fetched, err := r.products.ListProducts(ctx, 0, r.fallbackFetchSize)
	if err != nil {
		return domain.ProductPage{}, err
	}

	if err := r.cache.Set(ctx, supersetKey, &fetched, r.cacheTTL); err != nil {
		log.Printf("[search] superset cache write failed: %v", err)
	}
	return fetched, nil
}

// matchesQuery reports whether the lowercased query is a substring of the
// product's name, SKU or category.
func matchesQuery(p domain.Product, q string) bool {
	return strings.Contains(strings.ToLower(p.Name), q) ||
		strings.Contains(strings.ToLower(p.SKU), q) ||
		strings.Contains(strings.ToLower(p.Category), q)
}

func paginate(products []domain.Product, page int, size int) domain.ProductPage {
	total := len(products)
	totalPages := (total + size - 1) / size

	start := page * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	return domain.ProductPage{
		Content:       products[start:end],
		Page:          page,
		Size:          size,
		TotalElements: total,
		TotalPages:    totalPages,
	}
}
