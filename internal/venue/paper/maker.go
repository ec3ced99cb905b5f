// Package paper 提供 dry-run 用的模拟交易所：下单/撤单/成交全部在内存中完成。
// 同时作为各引擎测试的可控替身（错误注入、延迟、部分成交）。
package paper

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/betbot/crossmm/internal/venue"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var paperLog = logrus.WithField("component", "paper")

// Hook 在每次调用前执行，返回非 nil 则该调用失败（错误注入）
type Hook func(op string) error

// FailN 返回一个让指定操作前 n 次失败的 Hook
func FailN(op string, n int, err error) Hook {
	var mu sync.Mutex
	left := n
	return func(got string) error {
		if got != op {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if left <= 0 {
			return nil
		}
		left--
		return err
	}
}

type makerOrder struct {
	domain.VenueOrder
	remaining decimal.Decimal
}

// Maker 模拟做市交易所
type Maker struct {
	mu      sync.Mutex
	orders  map[string]*makerOrder
	fills   []domain.Fill
	base    decimal.Decimal
	quote   decimal.Decimal
	hook    Hook
	latency time.Duration

	maxResting map[domain.Side]int
	placed     int
	cancelled  int
}

func NewMaker(base, quote decimal.Decimal) *Maker {
	return &Maker{
		orders:     make(map[string]*makerOrder),
		base:       base,
		quote:      quote,
		maxResting: map[domain.Side]int{},
	}
}

// SetHook 设置错误注入
func (m *Maker) SetHook(h Hook) {
	m.mu.Lock()
	m.hook = h
	m.mu.Unlock()
}

// SetLatency 每次调用的模拟延迟
func (m *Maker) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

func (m *Maker) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	hook, latency := m.hook, m.latency
	m.mu.Unlock()
	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return venue.E(venue.KindTimeout, op, ctx.Err())
		case <-t.C:
		}
	}
	if hook != nil {
		if err := hook(op); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maker) PlaceOrder(ctx context.Context, side domain.Side, price, size decimal.Decimal) (string, error) {
	if err := m.enter(ctx, "place_order"); err != nil {
		return "", err
	}
	if !side.Valid() || !price.IsPositive() || !size.IsPositive() {
		return "", venue.E(venue.KindInvalid, "place_order", fmt.Errorf("bad order %s %s@%s", side, size, price))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "pm-" + uuid.NewString()[:8]
	m.orders[id] = &makerOrder{
		VenueOrder: domain.VenueOrder{OrderID: id, Side: side, Price: price, Size: size},
		remaining:  size,
	}
	m.placed++
	if n := m.restingLocked(side); n > m.maxResting[side] {
		m.maxResting[side] = n
	}
	paperLog.Debugf("📝 [paper] 挂单 %s %s %s@%s", id, side, size, price)
	return id, nil
}

func (m *Maker) restingLocked(side domain.Side) int {
	n := 0
	for _, o := range m.orders {
		if o.Side == side {
			n++
		}
	}
	return n
}

func (m *Maker) CancelOrder(ctx context.Context, orderID string) error {
	if err := m.enter(ctx, "cancel_order"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return venue.E(venue.KindNotFound, "cancel_order", fmt.Errorf("order %s not found", orderID))
	}
	delete(m.orders, orderID)
	m.cancelled++
	return nil
}

// ListFills cursor 为已读取的成交数量
func (m *Maker) ListFills(ctx context.Context, cursor string) ([]domain.Fill, string, error) {
	if err := m.enter(ctx, "list_fills"); err != nil {
		return nil, cursor, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	from := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, cursor, venue.E(venue.KindInvalid, "list_fills", err)
		}
		from = n
	}
	if from > len(m.fills) {
		from = len(m.fills)
	}
	out := append([]domain.Fill(nil), m.fills[from:]...)
	return out, strconv.Itoa(len(m.fills)), nil
}

func (m *Maker) ListOpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	if err := m.enter(ctx, "list_open_orders"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.VenueOrder, 0, len(m.orders))
	for _, o := range m.orders {
		v := o.VenueOrder
		v.Size = o.remaining
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (m *Maker) Balance(ctx context.Context) (domain.Balance, error) {
	if err := m.enter(ctx, "balance"); err != nil {
		return domain.Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.Balance{Base: m.base, Quote: m.quote}, nil
}

// Fill 模拟对挂单的一笔成交（qty 超过剩余量时按剩余量成交）。订单全部成交后从挂单列表移除。
func (m *Maker) Fill(orderID string, qty decimal.Decimal) (domain.Fill, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || !qty.IsPositive() {
		return domain.Fill{}, false
	}
	qty = decimal.Min(qty, o.remaining)
	o.remaining = o.remaining.Sub(qty)
	if !o.remaining.IsPositive() {
		delete(m.orders, orderID)
	}
	f := domain.Fill{
		ID:        "pf-" + uuid.NewString()[:12],
		OrderID:   orderID,
		Side:      o.Side,
		Price:     o.Price,
		Quantity:  qty,
		Seq:       uint64(len(m.fills) + 1),
		Timestamp: time.Now(),
	}
	m.fills = append(m.fills, f)
	signed := f.Signed()
	m.base = m.base.Add(signed)
	m.quote = m.quote.Sub(signed.Mul(f.Price))
	paperLog.Infof("💰 [paper] 成交 %s %s %s@%s", orderID, f.Side, qty, f.Price)
	return f, true
}

// InjectFill 直接追加一条成交记录（重复/乱序推送的场景），不改变挂单
func (m *Maker) InjectFill(f domain.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, f)
}

// Cross 按公允价撮合：bid >= fv 或 ask <= fv 的挂单全部成交（dry-run 用）
func (m *Maker) Cross(fv decimal.Decimal) []domain.Fill {
	m.mu.Lock()
	var ids []string
	for id, o := range m.orders {
		if (o.Side == domain.SideBid && o.Price.GreaterThanOrEqual(fv)) ||
			(o.Side == domain.SideAsk && o.Price.LessThanOrEqual(fv)) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)
	var out []domain.Fill
	for _, id := range ids {
		m.mu.Lock()
		o, ok := m.orders[id]
		var rem decimal.Decimal
		if ok {
			rem = o.remaining
		}
		m.mu.Unlock()
		if f, ok := m.Fill(id, rem); ok {
			out = append(out, f)
		}
	}
	return out
}

// AddExternalOrder 模拟交易所上存在、本地不知道的挂单（漂移测试用）
func (m *Maker) AddExternalOrder(side domain.Side, price, size decimal.Decimal) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "ext-" + uuid.NewString()[:8]
	m.orders[id] = &makerOrder{VenueOrder: domain.VenueOrder{OrderID: id, Side: side, Price: price, Size: size}, remaining: size}
	return id
}

// DropOrder 模拟交易所侧订单消失（漂移测试用）
func (m *Maker) DropOrder(orderID string) {
	m.mu.Lock()
	delete(m.orders, orderID)
	m.mu.Unlock()
}

// Resting 当前某侧挂单
func (m *Maker) Resting(side domain.Side) []domain.VenueOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.VenueOrder
	for _, o := range m.orders {
		if o.Side == side {
			v := o.VenueOrder
			v.Size = o.remaining
			out = append(out, v)
		}
	}
	return out
}

// MaxResting 观察到的某侧同时挂单数峰值
func (m *Maker) MaxResting(side domain.Side) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxResting[side]
}

// Counts 下单/撤单次数
func (m *Maker) Counts() (placed, cancelled int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placed, m.cancelled
}
