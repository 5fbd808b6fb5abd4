package cache

import (
	"context"
	"sync"
	"time"
)

// TTLCache 带过期时间的本地内存缓存
//
// 特点：
// - 读多写少，使用读写锁
// - 读取时惰性检查过期，Run 定期清理
// - 容量满时丢弃最早过期的条目
type TTLCache[V any] struct {
	mu      sync.RWMutex
	data    map[string]cacheEntry[V]
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// New 创建缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，<=0 表示不限制
//   - ttl: 默认过期时间
func New[V any](maxSize int, ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{
		data:    make(map[string]cacheEntry[V]),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (c *TTLCache[V]) WithClock(now func() time.Time) *TTLCache[V] {
	c.now = now
	return c
}

// Get 获取缓存值
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && c.maxSize > 0 && len(c.data) >= c.maxSize {
		c.removeExpiredLocked(now)
		if len(c.data) >= c.maxSize {
			c.evictOldestLocked()
		}
	}
	c.data[key] = cacheEntry[V]{value: value, expiresAt: now.Add(ttl)}
}

// Delete 删除缓存值
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Len 返回条目数（包括尚未清理的过期条目）
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Cleanup 清理过期条目，返回清理数量
func (c *TTLCache[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeExpiredLocked(c.now())
}

// Run 定期清理过期条目，直到 ctx 取消
func (c *TTLCache[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

func (c *TTLCache[V]) removeExpiredLocked(now time.Time) int {
	removed := 0
	for k, e := range c.data {
		if !now.Before(e.expiresAt) {
			delete(c.data, k)
			removed++
		}
	}
	return removed
}

func (c *TTLCache[V]) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, e := range c.data {
		if !found || e.expiresAt.Before(oldest) {
			oldestKey, oldest, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(c.data, oldestKey)
	}
}
