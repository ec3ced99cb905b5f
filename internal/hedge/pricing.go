package hedge

import (
	"github.com/betbot/crossmm/internal/domain"
	"github.com/shopspring/decimal"
)

// RoundSigFigs 按有效数字四舍五入（对冲交易所价格精度按有效数字计）
func RoundSigFigs(v decimal.Decimal, figs int32) decimal.Decimal {
	if v.IsZero() || figs <= 0 {
		return v
	}
	abs := v.Abs()
	// 10^(m-1) <= |v| < 10^m
	m := int32(abs.NumDigits()) + abs.Exponent()
	return v.Round(figs - m)
}

// LimitPrice 可立即成交的限价：买 mid×(1+tol)，卖 mid×(1−tol)
func LimitPrice(mid decimal.Decimal, side domain.Side, tol decimal.Decimal, figs int32) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == domain.SideBid {
		return RoundSigFigs(mid.Mul(one.Add(tol)), figs)
	}
	return RoundSigFigs(mid.Mul(one.Sub(tol)), figs)
}

// RoundQty 带符号数量向零截断到 decimals 位小数
func RoundQty(signed decimal.Decimal, decimals int32) decimal.Decimal {
	return signed.Truncate(decimals)
}
