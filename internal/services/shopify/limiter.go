package shopify

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// REST admin leaky bucket: 40 requests, refilled at 2/s.
const (
	adminRate  = rate.Limit(2)
	adminBurst = 40

	defaultLimiterShops = 1024
)

// NewAdminLimiter returns a limiter matching the REST admin bucket.
func NewAdminLimiter() *rate.Limiter {
	return rate.NewLimiter(adminRate, adminBurst)
}

// LimiterPool keeps one admin limiter per shop, so every client built for a
// shop draws from the same bucket. Least recently used shops are forgotten
// once more than size are tracked.
type LimiterPool struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *rate.Limiter]
}

func NewLimiterPool(size int) *LimiterPool {
	if size <= 0 {
		size = defaultLimiterShops
	}
	cache, _ := lru.New[string, *rate.Limiter](size)
	return &LimiterPool{cache: cache}
}

// For returns the limiter for shop, creating it on first use.
func (p *LimiterPool) For(shop string) *rate.Limiter {
	shop = NormalizeShop(shop)

	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.cache.Get(shop); ok {
		return l
	}
	l := NewAdminLimiter()
	p.cache.Add(shop, l)
	return l
}

// Len reports how many shops have a limiter.
func (p *LimiterPool) Len() int {
	return p.cache.Len()
}
