package quote

import (
	"fmt"
	"sync"
	"time"
)

// ErrDuplicateInFlight 表示同一 key 的操作仍在 in-flight（或在 TTL 窗口内）。
var ErrDuplicateInFlight = fmt.Errorf("duplicate in-flight")

// InFlightDeduper 短时间窗口内的确定性去重：同一侧的替换/撤单/漂移修正不会并发执行。
// TTL 是兜底，防止异常路径漏掉 Release 后永久锁死。
type InFlightDeduper struct {
	ttl time.Duration
	mu  sync.Mutex
	m   map[string]time.Time // key -> expiresAt
	now func() time.Time
}

// NewInFlightDeduper 创建去重器
func NewInFlightDeduper(ttl time.Duration) *InFlightDeduper {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &InFlightDeduper{ttl: ttl, m: make(map[string]time.Time), now: time.Now}
}

// TryAcquire 成功返回 nil，失败返回 ErrDuplicateInFlight
func (d *InFlightDeduper) TryAcquire(key string) error {
	if d == nil || key == "" {
		return nil
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.m[key]; ok && exp.After(now) {
		return ErrDuplicateInFlight
	}
	d.m[key] = now.Add(d.ttl)
	return nil
}

// Release 释放 key
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	d.mu.Lock()
	delete(d.m, key)
	d.mu.Unlock()
}
