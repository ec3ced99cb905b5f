package ports

import (
	"context"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/shopspring/decimal"
)

// 引擎只依赖下面这些小接口，各交易所的协议细节由适配器实现。

type OrderPlacer interface {
	// PlaceOrder 返回交易所订单 ID
	PlaceOrder(ctx context.Context, side domain.Side, price, size decimal.Decimal) (string, error)
}

type OrderCanceler interface {
	// CancelOrder 订单已不存在时返回 venue.KindNotFound 错误
	CancelOrder(ctx context.Context, orderID string) error
}

type FillLister interface {
	// ListFills 返回 cursor 之后的成交以及新的 cursor
	ListFills(ctx context.Context, cursor string) ([]domain.Fill, string, error)
}

type OpenOrderLister interface {
	ListOpenOrders(ctx context.Context) ([]domain.VenueOrder, error)
}

type BalanceGetter interface {
	Balance(ctx context.Context) (domain.Balance, error)
}

// MakerVenue 做市交易所
type MakerVenue interface {
	OrderPlacer
	OrderCanceler
	FillLister
	OpenOrderLister
	BalanceGetter
}

type MidGetter interface {
	Mid(ctx context.Context) (decimal.Decimal, error)
}

// HedgeVenue 对冲交易所（永续）
type HedgeVenue interface {
	// SubmitOrder 必须以 order.ClientID 为幂等键：同一 ClientID 再次提交返回已有订单而不是新下一笔，
	// 对冲引擎在超时后会用同一 ClientID 重试。
	SubmitOrder(ctx context.Context, order domain.HedgeOrder) (domain.HedgeExecution, error)
	OrderStatus(ctx context.Context, orderID string) (domain.HedgeExecution, error)
	CancelOrder(ctx context.Context, orderID string) error
	MidGetter
	// Position 当前带符号持仓（基础资产）
	Position(ctx context.Context) (decimal.Decimal, error)
}

// PriceSource 公允价来源
type PriceSource interface {
	FairValue(ctx context.Context) (domain.Reading, error)
}
