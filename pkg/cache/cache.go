package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedType is returned for an unknown CACHE_TYPE.
var ErrUnsupportedType = errors.New("cache: unsupported type")

// Cache is the key/value contract shared by the local and redis backends.
//
// Values written to the redis backend come back as strings; callers that need
// structured values should store encoded text.
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, bool)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) bool
	Clear(ctx context.Context) error
	Close() error
}

// Config 缓存配置
type Config struct {
	Type  string // local | redis
	Redis RedisConfig
	Local LocalConfig
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// LocalConfig 本地缓存配置
type LocalConfig struct {
	MaxSize           int
	DefaultExpiration time.Duration
	CleanupInterval   time.Duration
}

// Options tweak a backend after construction.
type Options struct {
	// KeyPrefix is prepended to every key (redis only)
	KeyPrefix string
}

// NewCache builds the backend selected by config.Type.
func NewCache(config Config) (Cache, error) {
	return NewCacheWithOptions(config, nil)
}

// NewCacheWithOptions builds a backend with options applied.
func NewCacheWithOptions(config Config, options *Options) (Cache, error) {
	if options == nil {
		options = &Options{}
	}
	switch config.Type {
	case "", "local", "memory":
		return NewLocalCache(config.Local), nil
	case "redis":
		return NewRedisCache(config.Redis, options.KeyPrefix)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, config.Type)
	}
}
