package reconcile

import (
	"time"

	"github.com/betbot/crossmm/pkg/cache"
	"github.com/betbot/crossmm/pkg/kvstore"
)

// Store 已处理成交 ID（按保留窗口过期）与轮询 cursor
type Store interface {
	Seen(fillID string) (bool, error)
	// Mark 原子地登记成交 ID，返回 false 表示已登记过
	Mark(fillID string) (bool, error)
	Cursor() (string, bool, error)
	SetCursor(cursor string) error
	// Processed 保留期内已处理的成交数
	Processed() (int, error)
}

// MemoryStore 仅在进程内有效
type MemoryStore struct {
	seen      *cache.InMemoryCache[string, struct{}]
	cursor    string
	hasCursor bool
}

// 内存中最多保留的成交 ID 数
const maxMemoryFills = 1 << 20

func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{seen: cache.NewInMemoryCache[string, struct{}](retention, maxMemoryFills)}
}

func (m *MemoryStore) Seen(id string) (bool, error) {
	_, ok := m.seen.Get(id)
	return ok, nil
}

func (m *MemoryStore) Mark(id string) (bool, error) {
	return m.seen.SetIfAbsent(id, struct{}{}, 0), nil
}

func (m *MemoryStore) Processed() (int, error) {
	m.seen.Sweep()
	return m.seen.Size(), nil
}

func (m *MemoryStore) Cursor() (string, bool, error) { return m.cursor, m.hasCursor, nil }

func (m *MemoryStore) SetCursor(c string) error {
	m.cursor, m.hasCursor = c, true
	return nil
}

// BadgerStore 持久化到 Badger，重启后继续去重
type BadgerStore struct {
	kv        *kvstore.Store
	retention time.Duration
}

const (
	fillPrefix = "reconcile/fill/"
	cursorKey  = "reconcile/cursor"
)

func NewBadgerStore(kv *kvstore.Store, retention time.Duration) *BadgerStore {
	return &BadgerStore{kv: kv, retention: retention}
}

func (b *BadgerStore) Seen(id string) (bool, error) {
	_, found, err := b.kv.GetString(fillPrefix + id)
	return found, err
}

func (b *BadgerStore) Mark(id string) (bool, error) {
	return b.kv.SetIfAbsent(fillPrefix+id, []byte{1}, b.retention)
}

func (b *BadgerStore) Cursor() (string, bool, error) { return b.kv.GetString(cursorKey) }

func (b *BadgerStore) SetCursor(c string) error { return b.kv.SetString(cursorKey, c) }

func (b *BadgerStore) Processed() (int, error) { return b.kv.CountPrefix(fillPrefix) }

// ResetCursor 清除 cursor，下次启动从头拉取成交；已处理的成交仍按 ID 去重
func (b *BadgerStore) ResetCursor() error { return b.kv.Delete(cursorKey) }
