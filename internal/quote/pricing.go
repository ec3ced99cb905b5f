package quote

import (
	"github.com/betbot/crossmm/internal/domain"
	"github.com/shopspring/decimal"
)

// Params 报价模型参数（线性偏斜模型，曲线形状由配置决定）
//
//	widen = SkewFactor × |pos| × SpreadBase
//	half  = SpreadBase/2 + widen                  （半价差随 |pos| 单调变宽）
//	shift = SkewShiftFactor × widen × sign(pos)   （|pos| > SkewShiftThreshold 时生效）
//	bid   = fv − half + shift, ask = fv + half + shift
type Params struct {
	SpreadBase         decimal.Decimal
	SkewFactor         decimal.Decimal
	SkewShiftFactor    decimal.Decimal
	SkewShiftThreshold decimal.Decimal
	SpreadMultiplier   decimal.Decimal // 降级时放大价差（<=0 视为 1）

	QuoteSize    decimal.Decimal
	MinQuoteSize decimal.Decimal
	MaxInventory decimal.Decimal
	SizeTaper    bool // 仓位方向一侧的数量随 |pos|/MaxInventory 线性缩小

	PriceTick decimal.Decimal // >0 时 bid 向下、ask 向上取整到 tick
	SizeStep  decimal.Decimal // >0 时数量向下取整到 step
}

var two = decimal.NewFromInt(2)

// Prices 计算目标买卖价
func Prices(fv, pos decimal.Decimal, p Params) (bid, ask decimal.Decimal) {
	widen := p.SkewFactor.Mul(pos.Abs()).Mul(p.SpreadBase)
	half := p.SpreadBase.Div(two).Add(widen)
	if p.SpreadMultiplier.IsPositive() {
		half = half.Mul(p.SpreadMultiplier)
	}
	shift := decimal.Zero
	if pos.Abs().GreaterThan(p.SkewShiftThreshold) {
		shift = p.SkewShiftFactor.Mul(widen).Mul(decimal.NewFromInt(int64(pos.Sign())))
	}
	bid = fv.Sub(half).Add(shift)
	ask = fv.Add(half).Add(shift)
	if p.PriceTick.IsPositive() {
		bid = bid.Div(p.PriceTick).Floor().Mul(p.PriceTick)
		ask = ask.Div(p.PriceTick).Ceil().Mul(p.PriceTick)
	}
	return bid, ask
}

// Size 计算某一侧目标数量：完全成交后仓位不得超过 MaxInventory
func Size(side domain.Side, pos decimal.Decimal, p Params) decimal.Decimal {
	signedPos := pos.Mul(decimal.NewFromInt(int64(side.Sign())))
	room := p.MaxInventory.Sub(signedPos)
	size := decimal.Min(p.QuoteSize, room)
	if p.SizeTaper && signedPos.IsPositive() && p.MaxInventory.IsPositive() {
		factor := decimal.NewFromInt(1).Sub(signedPos.Div(p.MaxInventory))
		size = decimal.Min(size, p.QuoteSize.Mul(factor))
	}
	if p.SizeStep.IsPositive() {
		size = size.Div(p.SizeStep).Floor().Mul(p.SizeStep)
	}
	if !size.IsPositive() || size.LessThan(p.MinQuoteSize) {
		return decimal.Zero
	}
	return size
}

// Targets 计算两侧目标报价；数量为 0 的一侧被抑制
func Targets(fv, pos decimal.Decimal, p Params) (domain.Target, domain.Target) {
	bidPx, askPx := Prices(fv, pos, p)
	bid := domain.Target{Side: domain.SideBid, Price: bidPx, Size: Size(domain.SideBid, pos, p)}
	ask := domain.Target{Side: domain.SideAsk, Price: askPx, Size: Size(domain.SideAsk, pos, p)}
	if !bid.Price.IsPositive() {
		bid.Size = decimal.Zero
	}
	return bid, ask
}

// NeedsReplace 目标与当前挂单的差异是否超过最小变动阈值
func NeedsReplace(cur *domain.Quote, t domain.Target, minPrice, minSize decimal.Decimal) bool {
	if cur == nil {
		return !t.Empty()
	}
	if t.Empty() {
		return true
	}
	if cur.Price.Sub(t.Price).Abs().GreaterThan(minPrice) {
		return true
	}
	return cur.Remaining.Sub(t.Size).Abs().GreaterThan(minSize)
}
