// Package ledger 是净仓位与对冲队列的唯一真实来源。
//
// 所有修改都在同一把互斥锁内完成：成交更新与报价引擎的库存上限检查不会交错。
// 守恒关系：Net + Σ(未完成请求的 Remaining) + Σ(Residual) == 启动时的 Net。
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ledgerLog = logrus.WithField("component", "ledger")

var (
	ErrUnknownHedge = errors.New("unknown hedge request")
	ErrHedgeState   = errors.New("hedge request in wrong state")
)

// 已确认请求保留最近 N 条用于查询
const confirmedHistory = 256

// Start 启动时由交易所余额推导的初始状态
type Start struct {
	MakerBase     decimal.Decimal // 做市交易所基础资产余额
	MakerTarget   decimal.Decimal // 做市侧中性持仓（余额等于该值时视为无敞口）
	HedgePosition decimal.Decimal // 对冲交易所带符号持仓
}

// Ledger 库存账本
type Ledger struct {
	mu sync.Mutex

	maker   decimal.Decimal
	hedge   decimal.Decimal
	resting map[domain.Side]decimal.Decimal

	open      []*domain.HedgeRequest // queued/submitted/failed，按 Seq 排序
	byID      map[string]*domain.HedgeRequest
	confirmed []*domain.HedgeRequest

	seq       uint64
	residual  decimal.Decimal
	requested decimal.Decimal // 所有对冲请求数量之和
	fills     int64

	now func() time.Time
}

// New 创建账本
func New(start Start) *Ledger {
	l := &Ledger{
		maker:   start.MakerBase.Sub(start.MakerTarget),
		hedge:   start.HedgePosition,
		resting: map[domain.Side]decimal.Decimal{domain.SideBid: decimal.Zero, domain.SideAsk: decimal.Zero},
		byID:    make(map[string]*domain.HedgeRequest),
		now:     time.Now,
	}
	ledgerLog.Infof("✅ 账本初始化: maker=%s hedge=%s net=%s", l.maker, l.hedge, l.maker.Add(l.hedge))
	return l
}

// SetClock 测试用
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Net 当前净仓位
func (l *Ledger) Net() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maker.Add(l.hedge)
}

// ReserveResting 在库存上限内为某一侧预留挂单数量，返回实际允许的数量。
// 检查与预留在同一临界区内完成：bid 允许 cap - net - 同侧已挂，ask 允许 cap + net - 同侧已挂。
func (l *Ledger) ReserveResting(side domain.Side, want, limit decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	net := l.maker.Add(l.hedge)
	room := limit.Sub(net.Mul(decimal.NewFromInt(int64(side.Sign())))).Sub(l.resting[side])
	allowed := decimal.Min(want, room)
	if !allowed.IsPositive() {
		return decimal.Zero
	}
	l.resting[side] = l.resting[side].Add(allowed)
	return allowed
}

// ReleaseResting 挂单撤销/拒绝后释放预留（不会小于 0）
func (l *Ledger) ReleaseResting(side domain.Side, size decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resting[side] = decimal.Max(decimal.Zero, l.resting[side].Sub(size))
}

// SetResting 直接设置某侧挂单敞口（漂移修正用）
func (l *Ledger) SetResting(side domain.Side, size decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resting[side] = decimal.Max(decimal.Zero, size)
}

// ApplyMakerFill 记录一笔做市成交并原子地生成对冲请求（数量与成交方向相反）。
func (l *Ledger) ApplyMakerFill(fill domain.Fill, fee decimal.Decimal) *domain.HedgeRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	signed := fill.Signed()
	l.maker = l.maker.Add(signed)
	l.resting[fill.Side] = decimal.Max(decimal.Zero, l.resting[fill.Side].Sub(fill.Quantity))
	l.fills++

	l.seq++
	now := l.now()
	req := &domain.HedgeRequest{
		ID:        uuid.NewString(),
		Seq:       l.seq,
		FillID:    fill.ID,
		Quantity:  signed.Neg(),
		Remaining: signed.Neg(),
		Filled:    decimal.Zero,
		FillPrice: fill.Price,
		MakerFee:  fee,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    domain.HedgeQueued,
	}
	l.requested = l.requested.Add(req.Quantity)
	l.open = append(l.open, req)
	l.byID[req.ID] = req

	ledgerLog.WithFields(logrus.Fields{"fill_id": fill.ID, "hedge_id": req.ID}).
		Debugf("成交入账: side=%s qty=%s net=%s", fill.Side, fill.Quantity, l.maker.Add(l.hedge))
	return req.Clone()
}

// NextHedge 返回 FIFO 队首第一个待处理（queued/submitted）的请求。failed 请求不阻塞后续请求。
func (l *Ledger) NextHedge() (*domain.HedgeRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.open {
		if r.Status == domain.HedgeQueued || r.Status == domain.HedgeSubmitted {
			return r.Clone(), true
		}
	}
	return nil, false
}

// Get 按 ID 查询（包含最近确认的请求）
func (l *Ledger) Get(id string) (*domain.HedgeRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.byID[id]; ok {
		return r.Clone(), true
	}
	for _, r := range l.confirmed {
		if r.ID == id {
			return r.Clone(), true
		}
	}
	return nil, false
}

func (l *Ledger) lookup(id string) (*domain.HedgeRequest, error) {
	r, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHedge, id)
	}
	return r, nil
}

// MarkHedgeSubmitted 记录一次提交（轮次 +1）
func (l *Ledger) MarkHedgeSubmitted(id, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.lookup(id)
	if err != nil {
		return err
	}
	if r.Status != domain.HedgeQueued && r.Status != domain.HedgeSubmitted {
		return fmt.Errorf("%w: %s is %s", ErrHedgeState, id, r.Status)
	}
	r.Status = domain.HedgeSubmitted
	r.OrderID = orderID
	r.Attempts++
	r.UpdatedAt = l.now()
	return nil
}

// ReleaseHedge 本轮结束但未完成（无挂单在途），回到 queued，位置不变
func (l *Ledger) ReleaseHedge(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.lookup(id)
	if err != nil {
		return err
	}
	if r.Status == domain.HedgeSubmitted {
		r.Status = domain.HedgeQueued
		r.UpdatedAt = l.now()
	}
	return nil
}

// ApplyHedgeFill 记录对冲成交（signedQty 与请求同号）。剩余量归零时请求确认并移出队列。
func (l *Ledger) ApplyHedgeFill(id string, signedQty, price decimal.Decimal) (*domain.HedgeRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	if signedQty.IsZero() {
		return r.Clone(), nil
	}
	if signedQty.Sign() != r.Quantity.Sign() {
		return nil, fmt.Errorf("%w: fill %s has wrong sign for %s", ErrHedgeState, signedQty, r.Quantity)
	}

	l.hedge = l.hedge.Add(signedQty)

	prevAbs := r.Filled.Abs()
	r.Filled = r.Filled.Add(signedQty)
	if r.Filled.Abs().IsPositive() {
		r.AvgPrice = r.AvgPrice.Mul(prevAbs).Add(price.Mul(signedQty.Abs())).Div(r.Filled.Abs())
	}
	r.Remaining = r.Remaining.Sub(signedQty)
	if r.Remaining.Sign() != r.Quantity.Sign() {
		// 超额成交：仓位按实际成交记账，剩余归零
		if !r.Remaining.IsZero() {
			ledgerLog.WithField("hedge_id", id).Warnf("⚠️ 对冲超额成交 %s", r.Remaining.Neg())
		}
		r.Remaining = decimal.Zero
	}
	r.UpdatedAt = l.now()
	if r.Remaining.IsZero() {
		l.confirmLocked(r)
	}
	return r.Clone(), nil
}

// ConfirmHedge 以尾量方式结束请求（剩余量低于最小下单精度），尾量计入 Residual
func (l *Ledger) ConfirmHedge(id string) (*domain.HedgeRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	r.Residual = r.Remaining
	l.residual = l.residual.Add(r.Remaining)
	r.Remaining = decimal.Zero
	r.UpdatedAt = l.now()
	l.confirmLocked(r)
	return r.Clone(), nil
}

func (l *Ledger) confirmLocked(r *domain.HedgeRequest) {
	r.Status = domain.HedgeConfirmed
	delete(l.byID, r.ID)
	for i, o := range l.open {
		if o == r {
			l.open = append(l.open[:i], l.open[i+1:]...)
			break
		}
	}
	l.confirmed = append(l.confirmed, r)
	if len(l.confirmed) > confirmedHistory {
		l.confirmed = l.confirmed[len(l.confirmed)-confirmedHistory:]
	}
}

// FailHedge 标记失败；请求留在队列中继续计入未对冲敞口
func (l *Ledger) FailHedge(id string, cause error) (*domain.HedgeRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	r.Status = domain.HedgeFailed
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.UpdatedAt = l.now()
	return r.Clone(), nil
}

// Requeue 失败请求重新排队，按创建顺序回到原来的 FIFO 位置
func (l *Ledger) Requeue(id string) (*domain.HedgeRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	if r.Status != domain.HedgeFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrHedgeState, id, r.Status)
	}
	r.Status = domain.HedgeQueued
	r.LastError = ""
	r.UpdatedAt = l.now()
	sort.SliceStable(l.open, func(i, j int) bool { return l.open[i].Seq < l.open[j].Seq })
	return r.Clone(), nil
}

// FailedSince 返回失败时间早于 cutoff 的请求 ID（自动重排队用）
func (l *Ledger) FailedSince(cutoff time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for _, r := range l.open {
		if r.Status == domain.HedgeFailed && !r.UpdatedAt.After(cutoff) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// Hedges 返回未完成请求 + 最近确认的请求（按 Seq）
func (l *Ledger) Hedges() []*domain.HedgeRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.HedgeRequest, 0, len(l.open)+len(l.confirmed))
	for _, r := range l.confirmed {
		out = append(out, r.Clone())
	}
	for _, r := range l.open {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// CorrectHedgePosition 用对冲交易所报告的持仓修正本地记录；有在途对冲单时不修正。
// 返回修正量（未修正时为 0）以及是否执行了修正。
func (l *Ledger) CorrectHedgePosition(venuePos decimal.Decimal) (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.open {
		if r.Status == domain.HedgeSubmitted {
			return decimal.Zero, false
		}
	}
	delta := venuePos.Sub(l.hedge)
	if delta.IsZero() {
		return delta, false
	}
	l.hedge = venuePos
	return delta, true
}

// Snapshot 一致性快照
type Snapshot struct {
	Net            decimal.Decimal `json:"net"`
	Maker          decimal.Decimal `json:"maker"`
	Hedge          decimal.Decimal `json:"hedge"`
	RestingBid     decimal.Decimal `json:"resting_bid"`
	RestingAsk     decimal.Decimal `json:"resting_ask"`
	InFlightHedge  decimal.Decimal `json:"in_flight_hedge"` // submitted 请求的带符号剩余量
	Pending        decimal.Decimal `json:"pending"`         // 所有未完成请求的带符号剩余量
	Unhedged       decimal.Decimal `json:"unhedged"`        // |剩余量| 之和 + |尾量|
	Residual       decimal.Decimal `json:"residual"`
	Requested      decimal.Decimal `json:"requested"`
	QueueDepth     int             `json:"queue_depth"` // queued + submitted
	Failed         int             `json:"failed"`
	OldestQueuedAt time.Time       `json:"oldest_queued_at"`
	Fills          int64           `json:"fills"`
}

// OldestAge 最老未完成请求的年龄
func (s Snapshot) OldestAge(now time.Time) time.Duration {
	if s.OldestQueuedAt.IsZero() {
		return 0
	}
	return now.Sub(s.OldestQueuedAt)
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{
		Net:        l.maker.Add(l.hedge),
		Maker:      l.maker,
		Hedge:      l.hedge,
		RestingBid: l.resting[domain.SideBid],
		RestingAsk: l.resting[domain.SideAsk],
		Residual:   l.residual,
		Requested:  l.requested,
		Unhedged:   l.residual.Abs(),
		Fills:      l.fills,
	}
	for _, r := range l.open {
		s.Pending = s.Pending.Add(r.Remaining)
		s.Unhedged = s.Unhedged.Add(r.Remaining.Abs())
		switch r.Status {
		case domain.HedgeFailed:
			s.Failed++
			continue
		case domain.HedgeSubmitted:
			s.InFlightHedge = s.InFlightHedge.Add(r.Remaining)
		}
		s.QueueDepth++
		if s.OldestQueuedAt.IsZero() || r.CreatedAt.Before(s.OldestQueuedAt) {
			s.OldestQueuedAt = r.CreatedAt
		}
	}
	return s
}
