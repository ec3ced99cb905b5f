package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteStatus 报价生命周期状态
type QuoteStatus string

const (
	QuotePendingPlacement QuoteStatus = "pending-placement" // 已发出下单请求，等待交易所确认
	QuoteResting          QuoteStatus = "resting"           // 挂单中
	QuotePendingCancel    QuoteStatus = "pending-cancel"    // 已发出撤单请求
	QuoteFilled           QuoteStatus = "filled"            // 全部成交
	QuoteCancelled        QuoteStatus = "cancelled"         // 已撤销（包含交易所侧确认不存在）
	QuoteRejected         QuoteStatus = "rejected"          // 下单重试耗尽或被拒
)

// Terminal 终态不可再被中间状态覆盖
func (s QuoteStatus) Terminal() bool {
	return s == QuoteFilled || s == QuoteCancelled || s == QuoteRejected
}

// Live 仍可能在交易所上成交的状态。
// pending-placement / pending-cancel 都算 live：结果未知前不允许同侧再挂新单。
func (s QuoteStatus) Live() bool {
	return s == QuotePendingPlacement || s == QuoteResting || s == QuotePendingCancel
}

// Quote 做市侧报价
type Quote struct {
	ID        string          // 本地 ID
	OrderID   string          // 交易所订单 ID（确认前为空）
	Side      Side            // 方向
	Price     decimal.Decimal // 价格
	Size      decimal.Decimal // 原始数量
	Remaining decimal.Decimal // 剩余未成交数量
	Status    QuoteStatus     // 状态
	Reason    string          // 拒绝/撤销原因（可选）
	PlacedAt  time.Time       // 创建时间
	UpdatedAt time.Time       // 最后一次状态变化
}

// Clone 返回副本，供外部读取而不持有锁
func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	c := *q
	return &c
}

// Target 报价引擎每个周期计算出的目标报价（数量为 0 表示该侧不挂单）
type Target struct {
	Side  Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Empty 目标被抑制
func (t Target) Empty() bool {
	return !t.Size.IsPositive()
}
