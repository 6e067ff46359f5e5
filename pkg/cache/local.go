package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LocalCache is an in-process cache backed by go-cache.
type LocalCache struct {
	c       *gocache.Cache
	maxSize int
}

// NewLocalCache 创建本地缓存
func NewLocalCache(cfg LocalConfig) *LocalCache {
	if cfg.DefaultExpiration <= 0 {
		cfg.DefaultExpiration = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	return &LocalCache{
		c:       gocache.New(cfg.DefaultExpiration, cfg.CleanupInterval),
		maxSize: cfg.MaxSize,
	}
}

func (l *LocalCache) Get(_ context.Context, key string) (interface{}, bool) {
	return l.c.Get(key)
}

// Set stores value. When the cache is full, expired items are purged first and
// the write is dropped if there is still no room.
func (l *LocalCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	if l.maxSize > 0 && l.c.ItemCount() >= l.maxSize {
		if _, exists := l.c.Get(key); !exists {
			l.c.DeleteExpired()
			if l.c.ItemCount() >= l.maxSize {
				return nil
			}
		}
	}
	if expiration <= 0 {
		expiration = gocache.DefaultExpiration
	}
	l.c.Set(key, value, expiration)
	return nil
}

func (l *LocalCache) Delete(_ context.Context, key string) error {
	l.c.Delete(key)
	return nil
}

func (l *LocalCache) Exists(_ context.Context, key string) bool {
	_, ok := l.c.Get(key)
	return ok
}

func (l *LocalCache) Clear(_ context.Context) error {
	l.c.Flush()
	return nil
}

func (l *LocalCache) Close() error {
	return nil
}

// Len reports the number of items, including ones not yet purged.
func (l *LocalCache) Len() int {
	return l.c.ItemCount()
}
