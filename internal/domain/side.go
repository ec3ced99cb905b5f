package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side 报价方向（做市侧视角）
type Side string

const (
	SideBid Side = "bid" // 买单：成交后做市侧多头增加
	SideAsk Side = "ask" // 卖单：成交后做市侧多头减少
)

// Sides 固定遍历顺序
var Sides = [2]Side{SideBid, SideAsk}

// Sign bid 为 +1，ask 为 -1
func (s Side) Sign() int {
	if s == SideAsk {
		return -1
	}
	return 1
}

// Opposite 反方向
func (s Side) Opposite() Side {
	if s == SideAsk {
		return SideBid
	}
	return SideAsk
}

func (s Side) Valid() bool {
	return s == SideBid || s == SideAsk
}

// Signed 把无符号数量转成带符号的仓位变化。
func (s Side) Signed(qty decimal.Decimal) decimal.Decimal {
	if s == SideAsk {
		return qty.Neg()
	}
	return qty
}

// ParseSide 接受 bid/ask 以及常见的 buy/sell 写法。
func ParseSide(v string) (Side, error) {
	switch v {
	case "bid", "buy", "BUY", "Buy", "B":
		return SideBid, nil
	case "ask", "sell", "SELL", "Sell", "A", "S":
		return SideAsk, nil
	}
	return "", fmt.Errorf("unknown side %q", v)
}
