package cache

import (
	"sync"
	"time"
)

// InMemoryCache 内存缓存实现。过期项在访问和 Sweep 时惰性清理，不启动后台协程。
type InMemoryCache[K comparable, V any] struct {
	items      map[K]cacheItem[V]
	mu         sync.Mutex
	defaultTTL time.Duration
	maxItems   int // >0 时超过上限会先清理过期项，仍超限则淘汰最早过期的项
	now        func() time.Time
	sets       int
}

// cacheItem 缓存项
type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
}

// 每 N 次写入做一次全量过期清理
const sweepEvery = 1024

// NewInMemoryCache 创建新的内存缓存
func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration, maxItems int) *InMemoryCache[K, V] {
	return &InMemoryCache[K, V]{
		items:      make(map[K]cacheItem[V]),
		defaultTTL: defaultTTL,
		maxItems:   maxItems,
		now:        time.Now,
	}
}

func (c *InMemoryCache[K, V]) expiry(ttl time.Duration) time.Time {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *InMemoryCache[K, V]) alive(it cacheItem[V], now time.Time) bool {
	return it.expiresAt.IsZero() || now.Before(it.expiresAt)
}

// Get 获取缓存值
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok || !c.alive(item, c.now()) {
		if ok {
			delete(c.items, key)
		}
		var zero V
		return zero, false
	}
	return item.value, true
}

// Set 设置缓存值（ttl=0 使用默认 TTL，默认 TTL<=0 表示永不过期）
func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

// SetIfAbsent 仅当 key 不存在（或已过期）时写入，返回是否写入
func (c *InMemoryCache[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[key]; ok && c.alive(item, c.now()) {
		return false
	}
	c.setLocked(key, value, ttl)
	return true
}

func (c *InMemoryCache[K, V]) setLocked(key K, value V, ttl time.Duration) {
	c.items[key] = cacheItem[V]{value: value, expiresAt: c.expiry(ttl)}
	c.sets++
	if c.sets%sweepEvery == 0 || (c.maxItems > 0 && len(c.items) > c.maxItems) {
		c.sweepLocked()
	}
	if c.maxItems > 0 {
		for len(c.items) > c.maxItems {
			c.evictOldestLocked()
		}
	}
}

func (c *InMemoryCache[K, V]) evictOldestLocked() {
	var (
		victim K
		oldest time.Time
		found  bool
	)
	for k, it := range c.items {
		if it.expiresAt.IsZero() {
			continue
		}
		if !found || it.expiresAt.Before(oldest) {
			victim, oldest, found = k, it.expiresAt, true
		}
	}
	if !found {
		for k := range c.items {
			victim = k
			break
		}
	}
	delete(c.items, victim)
}

// Delete 删除缓存项
func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Size 当前条目数（可能包含尚未清理的过期项）
func (c *InMemoryCache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep 清理过期项，返回清理数量
func (c *InMemoryCache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked()
}

func (c *InMemoryCache[K, V]) sweepLocked() int {
	now := c.now()
	n := 0
	for key, item := range c.items {
		if !c.alive(item, now) {
			delete(c.items, key)
			n++
		}
	}
	return n
}
