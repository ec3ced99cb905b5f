package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VenueOrder 做市交易所报告的挂单视图（用于漂移检测）
type VenueOrder struct {
	OrderID string
	Side    Side
	Price   decimal.Decimal
	Size    decimal.Decimal
}

// TimeInForce 对冲单有效方式
type TimeInForce string

const (
	TIFIOC TimeInForce = "ioc" // 立即成交否则撤销
	TIFGTC TimeInForce = "gtc" // 一直有效，需要轮询状态
)

// HedgeOrder 提交到对冲交易所的订单。Quantity 带符号：正数买，负数卖。
type HedgeOrder struct {
	ClientID    string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	TimeInForce TimeInForce
}

// ExecState 对冲单执行状态
type ExecState string

const (
	ExecOpen            ExecState = "open"
	ExecPartiallyFilled ExecState = "partially-filled"
	ExecFilled          ExecState = "filled"
	ExecRejected        ExecState = "rejected"
	ExecCancelled       ExecState = "cancelled"
)

// Done 订单不会再有新成交
func (s ExecState) Done() bool {
	return s == ExecFilled || s == ExecRejected || s == ExecCancelled
}

// HedgeExecution 对冲单的执行快照，FilledQty 为无符号累计成交量
type HedgeExecution struct {
	OrderID   string
	State     ExecState
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// Reading 公允价读数
type Reading struct {
	Price  decimal.Decimal
	At     time.Time
	Source string
}

// Fresh 是否在 maxAge 内
func (r Reading) Fresh(now time.Time, maxAge time.Duration) bool {
	if r.At.IsZero() || !r.Price.IsPositive() {
		return false
	}
	return maxAge <= 0 || now.Sub(r.At) <= maxAge
}

// Balance 交易所余额/持仓（基础资产数量，带符号）
type Balance struct {
	Base  decimal.Decimal
	Quote decimal.Decimal
}
