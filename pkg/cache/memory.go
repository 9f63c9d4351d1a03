package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCache 线程安全的内存缓存实现
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*memoryEntry
	maxSize    int64
	hitCount   int64
	missCount  int64
	defaultTTL time.Duration
	now        func() time.Time

	// 清理相关
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

type memoryEntry struct {
	value      []byte
	expireTime time.Time
	createTime time.Time
}

// MemoryCacheConfig 内存缓存配置
type MemoryCacheConfig struct {
	MaxSize         int64         // 最大条目数量，<=0 表示不限
	DefaultTTL      time.Duration // 默认TTL
	CleanupInterval time.Duration // 清理间隔，<=0 不启动后台清理
}

// NewMemoryCache 创建新的内存缓存
func NewMemoryCache(config MemoryCacheConfig) *MemoryCache {
	mc := &MemoryCache{
		entries:     make(map[string]*memoryEntry),
		maxSize:     config.MaxSize,
		defaultTTL:  config.DefaultTTL,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	if mc.defaultTTL <= 0 {
		mc.defaultTTL = time.Minute
	}

	if config.CleanupInterval > 0 {
		mc.cleanupTicker = time.NewTicker(config.CleanupInterval)
		go mc.startCleanup()
	}
	return mc
}

// Get 获取缓存值
func (mc *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	mc.mu.RLock()
	entry, exists := mc.entries[key]
	mc.mu.RUnlock()

	if !exists {
		atomic.AddInt64(&mc.missCount, 1)
		return nil, ErrMiss
	}

	if !mc.now().Before(entry.expireTime) {
		mc.mu.Lock()
		delete(mc.entries, key)
		mc.mu.Unlock()
		atomic.AddInt64(&mc.missCount, 1)
		return nil, ErrMiss
	}

	atomic.AddInt64(&mc.hitCount, 1)
	return entry.value, nil
}

// Set 设置缓存值
func (mc *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = mc.defaultTTL
	}

	now := mc.now()
	entry := &memoryEntry{
		value:      append([]byte(nil), value...),
		expireTime: now.Add(ttl),
		createTime: now,
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, exists := mc.entries[key]; !exists && mc.maxSize > 0 && int64(len(mc.entries)) >= mc.maxSize {
		mc.evictOldest()
	}
	mc.entries[key] = entry
	return nil
}

// Delete 删除缓存值
func (mc *MemoryCache) Delete(ctx context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.entries, key)
	return nil
}

// Clear 清空缓存
func (mc *MemoryCache) Clear(ctx context.Context) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.entries = make(map[string]*memoryEntry)
	atomic.StoreInt64(&mc.hitCount, 0)
	atomic.StoreInt64(&mc.missCount, 0)
	return nil
}

// Stats 获取缓存统计信息
func (mc *MemoryCache) Stats() Stats {
	mc.mu.RLock()
	size := int64(len(mc.entries))
	mc.mu.RUnlock()

	hit := atomic.LoadInt64(&mc.hitCount)
	miss := atomic.LoadInt64(&mc.missCount)
	return Stats{
		Backend:   BackendMemory,
		Size:      size,
		MaxSize:   mc.maxSize,
		HitCount:  hit,
		MissCount: miss,
		HitRate:   hitRate(hit, miss),
		TTL:       mc.defaultTTL,
	}
}

// Close 停止后台清理，可重复调用
func (mc *MemoryCache) Close() error {
	mc.closeOnce.Do(func() {
		if mc.cleanupTicker != nil {
			mc.cleanupTicker.Stop()
		}
		close(mc.stopCleanup)
	})
	return nil
}

func (mc *MemoryCache) startCleanup() {
	for {
		select {
		case <-mc.cleanupTicker.C:
			mc.cleanup()
		case <-mc.stopCleanup:
			return
		}
	}
}

// cleanup 清理过期条目
func (mc *MemoryCache) cleanup() {
	now := mc.now()

	mc.mu.Lock()
	defer mc.mu.Unlock()
	for key, entry := range mc.entries {
		if !now.Before(entry.expireTime) {
			delete(mc.entries, key)
		}
	}
}

// evictOldest 淘汰创建时间最早的条目，调用方需持有写锁
func (mc *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range mc.entries {
		if oldestKey == "" || entry.createTime.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createTime
		}
	}
	if oldestKey != "" {
		delete(mc.entries, oldestKey)
	}
}

var _ Cache = (*MemoryCache)(nil)
