package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/betbot/crossmm/internal/venue"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type hedgeOrder struct {
	order     domain.HedgeOrder
	exec      domain.HedgeExecution
	ratio     decimal.Decimal
	pollsLeft int
}

// Hedge 模拟对冲交易所（永续）。
// 每次提交的成交比例默认 1，可用 PushFillRatios 逐次指定；GTC 单在若干次状态查询后按比例成交。
type Hedge struct {
	mu       sync.Mutex
	mid      decimal.Decimal
	position decimal.Decimal
	orders   map[string]*hedgeOrder
	byClient map[string]*hedgeOrder
	ratios   []decimal.Decimal
	gtcPolls int
	hook     Hook
	latency  time.Duration

	submitted []domain.HedgeOrder
}

func NewHedge(mid decimal.Decimal) *Hedge {
	return &Hedge{
		mid:      mid,
		orders:   make(map[string]*hedgeOrder),
		byClient: make(map[string]*hedgeOrder),
		gtcPolls: 1,
	}
}

func (h *Hedge) SetHook(hook Hook) {
	h.mu.Lock()
	h.hook = hook
	h.mu.Unlock()
}

func (h *Hedge) SetLatency(d time.Duration) {
	h.mu.Lock()
	h.latency = d
	h.mu.Unlock()
}

// SetMid 更新中间价
func (h *Hedge) SetMid(mid decimal.Decimal) {
	h.mu.Lock()
	h.mid = mid
	h.mu.Unlock()
}

// SetPosition 覆盖持仓（漂移测试用）
func (h *Hedge) SetPosition(p decimal.Decimal) {
	h.mu.Lock()
	h.position = p
	h.mu.Unlock()
}

// PushFillRatios 依次指定后续提交的成交比例（0~1）
func (h *Hedge) PushFillRatios(r ...decimal.Decimal) {
	h.mu.Lock()
	h.ratios = append(h.ratios, r...)
	h.mu.Unlock()
}

// SetGTCPolls GTC 单在第 n 次状态查询时成交
func (h *Hedge) SetGTCPolls(n int) {
	h.mu.Lock()
	h.gtcPolls = n
	h.mu.Unlock()
}

func (h *Hedge) enter(ctx context.Context, op string) error {
	h.mu.Lock()
	hook, latency := h.hook, h.latency
	h.mu.Unlock()
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
		return hook(op)
	}
	return nil
}

func (h *Hedge) nextRatioLocked() decimal.Decimal {
	if len(h.ratios) == 0 {
		return decimal.NewFromInt(1)
	}
	r := h.ratios[0]
	h.ratios = h.ratios[1:]
	return r
}

// marketable 买单价格 >= mid 或卖单价格 <= mid
func (h *Hedge) marketableLocked(o domain.HedgeOrder) bool {
	if o.Quantity.IsPositive() {
		return o.Price.GreaterThanOrEqual(h.mid)
	}
	return o.Price.LessThanOrEqual(h.mid)
}

func (h *Hedge) executeLocked(ho *hedgeOrder) {
	want := ho.order.Quantity.Abs().Sub(ho.exec.FilledQty)
	qty := want.Mul(ho.ratio).Truncate(8)
	if !h.marketableLocked(ho.order) {
		qty = decimal.Zero
	}
	if qty.IsPositive() {
		signed := qty
		if ho.order.Quantity.IsNegative() {
			signed = qty.Neg()
		}
		h.position = h.position.Add(signed)
		ho.exec.FilledQty = ho.exec.FilledQty.Add(qty)
		ho.exec.AvgPrice = ho.order.Price
	}
	switch {
	case ho.exec.FilledQty.GreaterThanOrEqual(ho.order.Quantity.Abs()):
		ho.exec.State = domain.ExecFilled
	case ho.exec.FilledQty.IsPositive():
		ho.exec.State = domain.ExecPartiallyFilled
	default:
		ho.exec.State = domain.ExecOpen
	}
}

// SubmitOrder ClientID 作为幂等键
func (h *Hedge) SubmitOrder(ctx context.Context, o domain.HedgeOrder) (domain.HedgeExecution, error) {
	if err := h.enter(ctx, "submit_order"); err != nil {
		return domain.HedgeExecution{}, err
	}
	if o.Quantity.IsZero() || !o.Price.IsPositive() {
		return domain.HedgeExecution{}, venue.E(venue.KindInvalid, "submit_order", fmt.Errorf("bad hedge order %s@%s", o.Quantity, o.Price))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// 同一 ClientID 重复提交返回已有订单
	if prev, ok := h.byClient[o.ClientID]; ok && o.ClientID != "" {
		return prev.exec, nil
	}
	h.submitted = append(h.submitted, o)
	ho := &hedgeOrder{
		order: o,
		exec:  domain.HedgeExecution{OrderID: "ph-" + uuid.NewString()[:8], State: domain.ExecOpen, FilledQty: decimal.Zero},
		ratio: h.nextRatioLocked(),
	}
	h.orders[ho.exec.OrderID] = ho
	if o.ClientID != "" {
		h.byClient[o.ClientID] = ho
	}
	if o.TimeInForce == domain.TIFGTC {
		ho.pollsLeft = h.gtcPolls
		return ho.exec, nil
	}
	h.executeLocked(ho)
	if !ho.exec.State.Done() {
		// IOC 剩余部分直接撤销
		ho.exec.State = domain.ExecCancelled
	}
	return ho.exec, nil
}

func (h *Hedge) OrderStatus(ctx context.Context, orderID string) (domain.HedgeExecution, error) {
	if err := h.enter(ctx, "order_status"); err != nil {
		return domain.HedgeExecution{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ho, ok := h.orders[orderID]
	if !ok {
		return domain.HedgeExecution{}, venue.E(venue.KindNotFound, "order_status", fmt.Errorf("order %s not found", orderID))
	}
	if !ho.exec.State.Done() {
		ho.pollsLeft--
		if ho.pollsLeft <= 0 {
			h.executeLocked(ho)
		}
	}
	return ho.exec, nil
}

func (h *Hedge) CancelOrder(ctx context.Context, orderID string) error {
	if err := h.enter(ctx, "cancel_order"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ho, ok := h.orders[orderID]
	if !ok {
		return venue.E(venue.KindNotFound, "cancel_order", fmt.Errorf("order %s not found", orderID))
	}
	if !ho.exec.State.Done() {
		ho.exec.State = domain.ExecCancelled
	}
	return nil
}

func (h *Hedge) Mid(ctx context.Context) (decimal.Decimal, error) {
	if err := h.enter(ctx, "mid"); err != nil {
		return decimal.Zero, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mid, nil
}

func (h *Hedge) Position(ctx context.Context) (decimal.Decimal, error) {
	if err := h.enter(ctx, "position"); err != nil {
		return decimal.Zero, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.position, nil
}

// Submitted 已提交的订单（测试断言用）
func (h *Hedge) Submitted() []domain.HedgeOrder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.HedgeOrder(nil), h.submitted...)
}
