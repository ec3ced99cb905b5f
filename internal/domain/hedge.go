package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HedgeStatus 对冲请求状态
type HedgeStatus string

const (
	HedgeQueued    HedgeStatus = "queued"    // 等待提交
	HedgeSubmitted HedgeStatus = "submitted" // 已提交，等待确认
	HedgeConfirmed HedgeStatus = "confirmed" // 已完全对冲
	HedgeFailed    HedgeStatus = "failed"    // 重试耗尽或被拒，风险仍在
)

// Open 仍计入未对冲敞口的状态
func (s HedgeStatus) Open() bool {
	return s != HedgeConfirmed
}

// HedgeRequest 每笔做市成交生成一个对冲请求，数量与成交方向相反。
type HedgeRequest struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`        // 创建顺序（FIFO 依据）
	FillID    string          `json:"fill_id"`    // 来源成交
	Quantity  decimal.Decimal `json:"quantity"`   // 带符号的目标对冲数量（正数=买入）
	Remaining decimal.Decimal `json:"remaining"`  // 带符号的剩余未对冲数量
	Filled    decimal.Decimal `json:"filled"`     // 带符号的已对冲数量
	AvgPrice  decimal.Decimal `json:"avg_price"`  // 对冲成交均价
	FillPrice decimal.Decimal `json:"fill_price"` // 来源成交价格
	MakerFee  decimal.Decimal `json:"maker_fee"`  // 来源成交手续费
	Residual  decimal.Decimal `json:"residual"`   // 因最小下单精度无法对冲的尾量
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Status    HedgeStatus     `json:"status"`
	Attempts  int             `json:"attempts"`  // 提交轮次
	OrderID   string          `json:"order_id"`  // 最近一次对冲订单 ID
	LastError string          `json:"last_error"`
}

// Side 对冲单方向（买入对应 bid）
func (h *HedgeRequest) Side() Side {
	if h.Quantity.IsNegative() {
		return SideAsk
	}
	return SideBid
}

func (h *HedgeRequest) Clone() *HedgeRequest {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// PairPnL 一笔对冲成交与来源做市成交配对的盈亏（未扣手续费）。
// 做市买入后对冲卖出：(hedge − maker) × qty；做市卖出后对冲买入则相反。
func (h *HedgeRequest) PairPnL(signedHedgeQty, hedgePrice decimal.Decimal) decimal.Decimal {
	return signedHedgeQty.Neg().Mul(hedgePrice.Sub(h.FillPrice))
}

// FeeShare 按对冲数量分摊来源成交的手续费
func (h *HedgeRequest) FeeShare(signedHedgeQty decimal.Decimal) decimal.Decimal {
	if h.Quantity.IsZero() {
		return decimal.Zero
	}
	return h.MakerFee.Mul(signedHedgeQty.Abs()).Div(h.Quantity.Abs())
}
