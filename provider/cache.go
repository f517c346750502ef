package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/mhpenta/pagegen"
	"github.com/patrickmn/go-cache"
)

// DefaultCacheTTL is how long an unused generator stays cached.
const DefaultCacheTTL = 30 * time.Minute

// Cache reuses built generators. Entries are keyed by a fingerprint of the
// capability and the full provider config, so any config change yields a
// fresh generator. Evicted generators are closed.
type Cache struct {
	factory *pagegen.Factory
	items   *cache.Cache
	mu      sync.Mutex
}

// NewCache wraps f. A non-positive ttl selects DefaultCacheTTL.
func NewCache(f *pagegen.Factory, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	items := cache.New(ttl, 2*ttl)
	items.OnEvicted(func(_ string, v any) {
		if gen, ok := v.(pagegen.Generator); ok {
			_ = gen.Close()
		}
	})
	return &Cache{factory: f, items: items}
}

// Build returns a cached generator for (c, cfg), building it on a miss.
// Build errors are not cached.
func (c *Cache) Build(ctx context.Context, capability pagegen.Capability, cfg pagegen.ProviderConfig) (pagegen.Generator, error) {
	key := Fingerprint(capability, cfg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.items.Get(key); ok {
		return v.(pagegen.Generator), nil
	}

	gen, err := c.factory.Build(ctx, capability, cfg)
	if err != nil {
		return nil, err
	}
	c.items.SetDefault(key, gen)
	return gen, nil
}

// Len reports the number of cached generators.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// Flush closes and drops every cached generator.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.items.Items() {
		c.items.Delete(key)
	}
}

// Fingerprint identifies a (capability, config) pair without exposing the
// API key.
func Fingerprint(capability pagegen.Capability, cfg pagegen.ProviderConfig) string {
	b, _ := json.Marshal(struct {
		Capability pagegen.Capability     `json:"capability"`
		Config     pagegen.ProviderConfig `json:"config"`
	}{capability, cfg})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
