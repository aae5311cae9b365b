// Package cache is a small read-through cache for book details backed by
// redis. A nil *Cache disables caching, so callers never have to branch.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"librarylend/model"
)

const keyBookDetail = "book:%d"

var ttlBookDetail = 5 * time.Minute

type Cache struct {
	rdb *redis.Client
}

// New returns nil when addr is empty; all Cache methods accept a nil
// receiver and turn into no-ops.
func New(addr string) *Cache {
	if addr == "" {
		return nil
	}
	return &Cache{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) GetBook(ctx context.Context, id int64) (*model.Book, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, fmt.Sprintf(keyBookDetail, id)).Bytes()
	if err != nil {
		return nil, false
	}
	var b model.Book
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, false
	}
	return &b, true
}

func (c *Cache) SetBook(ctx context.Context, b *model.Book) {
	if c == nil || b == nil {
		return
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, fmt.Sprintf(keyBookDetail, b.ID), raw, ttlBookDetail).Err()
}

func (c *Cache) InvalidateBook(ctx context.Context, id int64) {
	if c == nil {
		return
	}
	_ = c.rdb.Del(ctx, fmt.Sprintf(keyBookDetail, id)).Err()
}
