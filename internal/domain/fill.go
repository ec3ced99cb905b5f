package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill 做市交易所报告的一笔成交
type Fill struct {
	ID        string          `json:"id"`        // 交易所分配的唯一成交 ID
	OrderID   string          `json:"order_id"`  // 对应的挂单 ID
	Side      Side            `json:"side"`      // 做市侧方向
	Price     decimal.Decimal `json:"price"`     // 成交价
	Quantity  decimal.Decimal `json:"quantity"`  // 成交数量（无符号）
	Seq       uint64          `json:"seq"`       // 交易所序号（0 表示未提供）
	Timestamp time.Time       `json:"timestamp"` // 交易所时间戳
}

// Signed 做市侧仓位变化：bid 成交为正，ask 成交为负
func (f Fill) Signed() decimal.Decimal {
	return f.Side.Signed(f.Quantity)
}

// Notional 成交额
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}
