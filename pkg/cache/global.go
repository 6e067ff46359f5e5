package cache

import (
	"sync"
	"time"
)

var (
	globalCache Cache
	globalMu    sync.RWMutex
)

// InitGlobalCache 初始化全局缓存实例，重复调用会替换并关闭旧实例
func InitGlobalCache(config Config, options *Options) error {
	c, err := NewCacheWithOptions(config, options)
	if err != nil {
		return err
	}
	globalMu.Lock()
	old := globalCache
	globalCache = c
	globalMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// GetGlobalCache 获取全局缓存实例
// 未初始化时懒加载一个默认本地缓存
func GetGlobalCache() Cache {
	globalMu.RLock()
	c := globalCache
	globalMu.RUnlock()
	if c != nil {
		return c
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCache == nil {
		globalCache = NewLocalCache(LocalConfig{
			MaxSize:           1000,
			DefaultExpiration: 5 * time.Minute,
			CleanupInterval:   10 * time.Minute,
		})
	}
	return globalCache
}

// SetGlobalCache 设置全局缓存实例（主要用于测试）
func SetGlobalCache(c Cache) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCache = c
}

// CloseGlobalCache 关闭全局缓存连接
func CloseGlobalCache() error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCache == nil {
		return nil
	}
	err := globalCache.Close()
	globalCache = nil
	return err
}
