package quote

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrSideBusy 同侧已有 live 报价（pending-placement / resting / pending-cancel）
	ErrSideBusy = errors.New("side already has a live quote")
	// ErrUnknownQuote 本地没有该报价
	ErrUnknownQuote = errors.New("unknown quote")
)

// 终态报价保留条数
const quoteHistory = 128

// Book 报价簿：每侧至多一个 live 报价。报价引擎与成交对账器共享。
type Book struct {
	mu      sync.Mutex
	live    map[domain.Side]*domain.Quote
	byOrder map[string]*domain.Quote
	history []*domain.Quote
	now     func() time.Time
}

func NewBook() *Book {
	return &Book{
		live:    make(map[domain.Side]*domain.Quote),
		byOrder: make(map[string]*domain.Quote),
		now:     time.Now,
	}
}

// Live 返回某侧 live 报价副本
func (b *Book) Live(side domain.Side) *domain.Quote {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live[side].Clone()
}

// BeginPlace 创建 pending-placement 报价；同侧已有 live 报价时返回 ErrSideBusy
func (b *Book) BeginPlace(t domain.Target) (*domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur := b.live[t.Side]; cur != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrSideBusy, t.Side, cur.Status)
	}
	now := b.now()
	q := &domain.Quote{
		ID:        uuid.NewString(),
		Side:      t.Side,
		Price:     t.Price,
		Size:      t.Size,
		Remaining: t.Size,
		Status:    domain.QuotePendingPlacement,
		PlacedAt:  now,
		UpdatedAt: now,
	}
	b.live[t.Side] = q
	return q.Clone(), nil
}

func (b *Book) liveByID(id string) (*domain.Quote, error) {
	for _, q := range b.live {
		if q.ID == id {
			return q, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownQuote, id)
}

// Placed 交易所确认下单
func (b *Book) Placed(id, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.liveByID(id)
	if err != nil {
		return err
	}
	q.OrderID = orderID
	q.Status = domain.QuoteResting
	q.UpdatedAt = b.now()
	b.byOrder[orderID] = q
	return nil
}

// Rejected 下单失败（重试耗尽或终态拒绝）
func (b *Book) Rejected(id, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.liveByID(id)
	if err != nil {
		return err
	}
	q.Reason = reason
	b.finishLocked(q, domain.QuoteRejected)
	return nil
}

// BeginCancel 将某侧 resting 报价置为 pending-cancel。没有 resting 报价时返回 nil。
func (b *Book) BeginCancel(side domain.Side) *domain.Quote {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.live[side]
	if q == nil || q.Status != domain.QuoteResting {
		return nil
	}
	q.Status = domain.QuotePendingCancel
	q.UpdatedAt = b.now()
	return q.Clone()
}

// Cancelled 撤单确认（或交易所报告订单不存在）。报价已因成交进入终态时为 no-op。
func (b *Book) Cancelled(id, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.liveByID(id)
	if err != nil {
		return
	}
	q.Reason = reason
	b.finishLocked(q, domain.QuoteCancelled)
}

// CancelFailed 撤单失败：报价仍然挂在交易所，回到 resting
func (b *Book) CancelFailed(id, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.liveByID(id)
	if err != nil {
		return
	}
	if q.Status == domain.QuotePendingCancel {
		q.Status = domain.QuoteResting
		q.Reason = reason
		q.UpdatedAt = b.now()
	}
}

// ApplyFill 扣减挂单剩余量，全部成交时标记 filled。返回更新后的副本。
func (b *Book) ApplyFill(orderID string, qty decimal.Decimal) (*domain.Quote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.byOrder[orderID]
	if !ok {
		return nil, false
	}
	if q.Status.Terminal() {
		return q.Clone(), true
	}
	q.Remaining = decimal.Max(decimal.Zero, q.Remaining.Sub(qty))
	q.UpdatedAt = b.now()
	if !q.Remaining.IsPositive() {
		b.finishLocked(q, domain.QuoteFilled)
	}
	return q.Clone(), true
}

// Adopt 把交易所上存在、本地未知的挂单收编为 resting 报价
func (b *Book) Adopt(vo domain.VenueOrder) (*domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur := b.live[vo.Side]; cur != nil {
		return nil, fmt.Errorf("%w: %s", ErrSideBusy, vo.Side)
	}
	now := b.now()
	q := &domain.Quote{
		ID:        uuid.NewString(),
		OrderID:   vo.OrderID,
		Side:      vo.Side,
		Price:     vo.Price,
		Size:      vo.Size,
		Remaining: vo.Size,
		Status:    domain.QuoteResting,
		Reason:    "adopted",
		PlacedAt:  now,
		UpdatedAt: now,
	}
	b.live[vo.Side] = q
	b.byOrder[vo.OrderID] = q
	return q.Clone(), nil
}

// Owns 订单是否由本次运行挂出（或收编）
func (b *Book) Owns(orderID string) bool {
	if orderID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.byOrder[orderID]
	return ok
}

// SyncRemaining 用交易所报告的剩余量修正本地 resting 报价
func (b *Book) SyncRemaining(orderID string, remaining decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.byOrder[orderID]
	if !ok || q.Status.Terminal() || q.Remaining.Equal(remaining) {
		return false
	}
	q.Remaining = remaining
	q.UpdatedAt = b.now()
	return true
}

func (b *Book) finishLocked(q *domain.Quote, status domain.QuoteStatus) {
	q.Status = status
	q.UpdatedAt = b.now()
	if b.live[q.Side] == q {
		delete(b.live, q.Side)
	}
	b.history = append(b.history, q)
	if len(b.history) > quoteHistory {
		old := b.history[0]
		b.history = b.history[1:]
		if b.byOrder[old.OrderID] == old {
			delete(b.byOrder, old.OrderID)
		}
	}
}

// Quotes live 报价 + 最近的终态报价
func (b *Book) Quotes() []*domain.Quote {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*domain.Quote, 0, len(b.history)+2)
	for _, q := range b.history {
		out = append(out, q.Clone())
	}
	for _, s := range domain.Sides {
		if q := b.live[s]; q != nil {
			out = append(out, q.Clone())
		}
	}
	return out
}

// LiveOrders 本地认为挂在交易所上的订单 ID → 报价
func (b *Book) LiveOrders() map[string]*domain.Quote {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*domain.Quote)
	for _, q := range b.live {
		if q.OrderID != "" {
			out[q.OrderID] = q.Clone()
		}
	}
	return out
}
