package cache

import (
	"context"
	"time"

	"smartretail/pos/internal/domain"
)

// ProductPageCache caches catalog supersets fetched for client-side search
// fallback. A cache miss is (nil, false, nil); errors are for broken cache
// backends only and callers treat them as misses.
type ProductPageCache interface {
	Get(ctx context.Context, key string) (*domain.ProductPage, bool, error)
	Set(ctx context.Context, key string, value *domain.ProductPage, ttl time.Duration) error
}

type NoopProductPageCache struct{}

func (NoopProductPageCache) Get(_ context.Context, _ string) (*domain.ProductPage, bool, error) {
	return nil, false, nil
}

func (NoopProductPageCache) Set(_ context.Context, _ string, _ *domain.ProductPage, _ time.Duration) error {
	return nil
}
