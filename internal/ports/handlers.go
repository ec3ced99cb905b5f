package ports

import (
	"context"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/shopspring/decimal"
)

// FillRecorder 记录做市成交（交易日志）
type FillRecorder interface {
	RecordMakerFill(ctx context.Context, fill domain.Fill, fee decimal.Decimal) error
}

// HedgeRecorder 记录对冲成交以及配对盈亏
type HedgeRecorder interface {
	RecordHedge(ctx context.Context, req *domain.HedgeRequest, exec domain.HedgeExecution, qty decimal.Decimal) error
}

// Journal 交易日志
type Journal interface {
	FillRecorder
	HedgeRecorder
}

// FillHandler receives each newly reconciled fill (serial delivery).
type FillHandler interface {
	OnFill(ctx context.Context, fill domain.Fill, req *domain.HedgeRequest)
}
