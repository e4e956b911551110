package catalog

import (
	"context"
	"sync"
	"time"

	"featherdb/internal/pg"

	"github.com/patrickmn/go-cache"
)

// Cache держит последний прочитанный снимок. Снимок отдаётся только если его
// etag совпадает с версией в базе (в транзакции вызывающего), иначе каталог
// перечитывается. Разрешённые feathers кэшируются по etag+имя.
type Cache struct {
	mu   sync.Mutex
	cur  *Catalog
	memo *cache.Cache
}

// NewCache — ttl задаёт время жизни разрешённых feathers.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{memo: cache.New(ttl, 2*ttl)}
}

// Snapshot возвращает каталог, согласованный с базой.
func (c *Cache) Snapshot(ctx context.Context, q pg.Querier) (*Catalog, error) {
	etag, err := CurrentETag(ctx, q)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur != nil && cur.etag == etag {
		return cur, nil
	}

	fresh, err := Load(ctx, q)
	if err != nil {
		return nil, err
	}
	fresh.memo = c.memo
	c.mu.Lock()
	c.cur = fresh
	c.mu.Unlock()
	return fresh, nil
}

// Reset забывает снимок (например, после отката транзакции).
func (c *Cache) Reset() {
	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()
}
