package paper

import (
	"context"
	"testing"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/betbot/crossmm/internal/venue"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMakerFillsAndCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMaker(d("10"), d("1000"))
	id, err := m.PlaceOrder(ctx, domain.SideBid, d("99"), d("2"))
	require.NoError(t, err)

	_, ok := m.Fill(id, d("0.5"))
	require.True(t, ok)
	fills, cursor, err := m.ListFills(ctx, "")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "1", cursor)

	_, ok = m.Fill(id, d("5"))
	require.True(t, ok)
	fills, cursor, err = m.ListFills(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Quantity.Equal(d("1.5")))
	assert.Equal(t, uint64(2), fills[0].Seq)
	assert.Equal(t, "2", cursor)

	assert.True(t, venue.IsNotFound(m.CancelOrder(ctx, id)), "fully filled order is gone")
	bal, _ := m.Balance(ctx)
	assert.True(t, bal.Base.Equal(d("12")))
}

func TestMakerCross(t *testing.T) {
	ctx := context.Background()
	m := NewMaker(decimal.Zero, decimal.Zero)
	_, _ = m.PlaceOrder(ctx, domain.SideBid, d("99.9"), d("1"))
	_, _ = m.PlaceOrder(ctx, domain.SideAsk, d("100.1"), d("1"))

	assert.Empty(t, m.Cross(d("100")))
	fills := m.Cross(d("99.8"))
	require.Len(t, fills, 1)
	assert.Equal(t, domain.SideBid, fills[0].Side)
	assert.Equal(t, 1, m.MaxResting(domain.SideBid))
}

func TestHedgeIOCPartialAndGTC(t *testing.T) {
	ctx := context.Background()
	h := NewHedge(d("100"))
	h.PushFillRatios(d("0.5"))

	exec, err := h.SubmitOrder(ctx, domain.HedgeOrder{Quantity: d("-2"), Price: d("99.5"), TimeInForce: domain.TIFIOC})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecCancelled, exec.State)
	assert.True(t, exec.FilledQty.Equal(d("1")))

	h.SetGTCPolls(2)
	exec, err = h.SubmitOrder(ctx, domain.HedgeOrder{Quantity: d("1"), Price: d("100.5"), TimeInForce: domain.TIFGTC})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecOpen, exec.State)
	exec, _ = h.OrderStatus(ctx, exec.OrderID)
	assert.Equal(t, domain.ExecOpen, exec.State)
	exec, _ = h.OrderStatus(ctx, exec.OrderID)
	assert.Equal(t, domain.ExecFilled, exec.State)

	pos, _ := h.Position(ctx)
	assert.True(t, pos.IsZero())
}

func TestHedgeNonMarketableIOCFillsNothing(t *testing.T) {
	h := NewHedge(d("100"))
	exec, err := h.SubmitOrder(context.Background(), domain.HedgeOrder{Quantity: d("1"), Price: d("99"), TimeInForce: domain.TIFIOC})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecCancelled, exec.State)
	assert.True(t, exec.FilledQty.IsZero())
}

func TestHedgeSubmitIdempotentByClientID(t *testing.T) {
	ctx := context.Background()
	h := NewHedge(d("100"))
	o := domain.HedgeOrder{ClientID: "c-1", Quantity: d("-2"), Price: d("99.5"), TimeInForce: domain.TIFIOC}

	first, err := h.SubmitOrder(ctx, o)
	require.NoError(t, err)
	again, err := h.SubmitOrder(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, again.OrderID)
	assert.Len(t, h.Submitted(), 1)

	pos, _ := h.Position(ctx)
	assert.True(t, pos.Equal(d("-2")), pos.String())
}
