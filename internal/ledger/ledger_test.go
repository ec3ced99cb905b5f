package ledger

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(id string, side domain.Side, qty string) domain.Fill {
	return domain.Fill{ID: id, OrderID: "o-" + id, Side: side, Price: d("100"), Quantity: d(qty), Timestamp: time.Now()}
}

func TestNewDerivesPositionFromBalances(t *testing.T) {
	l := New(Start{MakerBase: d("12"), MakerTarget: d("10"), HedgePosition: d("-1.5")})
	s := l.Snapshot()
	assert.True(t, s.Maker.Equal(d("2")))
	assert.True(t, s.Hedge.Equal(d("-1.5")))
	assert.True(t, s.Net.Equal(d("0.5")))
}

func TestHedgeRequestsConserveFillQuantity(t *testing.T) {
	l := New(Start{})
	rng := rand.New(rand.NewSource(7))
	sumFills := decimal.Zero
	sumReqs := decimal.Zero
	for i := 0; i < 200; i++ {
		side := domain.SideBid
		if rng.Intn(2) == 0 {
			side = domain.SideAsk
		}
		f := fill(fmt.Sprint(i), side, decimal.NewFromFloat(float64(rng.Intn(1000)+1)/100).String())
		req := l.ApplyMakerFill(f, decimal.Zero)
		sumFills = sumFills.Add(f.Signed())
		sumReqs = sumReqs.Add(req.Quantity)
	}
	assert.True(t, sumReqs.Equal(sumFills.Neg()), "requests %s fills %s", sumReqs, sumFills)
	assert.True(t, l.Snapshot().Requested.Equal(sumFills.Neg()))
	assert.Equal(t, 200, l.Snapshot().QueueDepth)
}

func TestFIFOAndPartialFillKeepsPriority(t *testing.T) {
	l := New(Start{})
	r1 := l.ApplyMakerFill(fill("f1", domain.SideBid, "3"), decimal.Zero)
	r2 := l.ApplyMakerFill(fill("f2", domain.SideAsk, "1"), decimal.Zero)

	head, ok := l.NextHedge()
	require.True(t, ok)
	assert.Equal(t, r1.ID, head.ID)
	assert.True(t, head.Quantity.Equal(d("-3")))

	require.NoError(t, l.MarkHedgeSubmitted(r1.ID, "h1"))
	got, err := l.ApplyHedgeFill(r1.ID, d("-1"), d("99"))
	require.NoError(t, err)
	assert.Equal(t, domain.HedgeSubmitted, got.Status)
	assert.True(t, got.Remaining.Equal(d("-2")))

	head, _ = l.NextHedge()
	assert.Equal(t, r1.ID, head.ID, "partially filled request stays at the head")

	got, err = l.ApplyHedgeFill(r1.ID, d("-2"), d("102"))
	require.NoError(t, err)
	assert.Equal(t, domain.HedgeConfirmed, got.Status)
	assert.True(t, got.AvgPrice.Equal(d("101")))

	head, _ = l.NextHedge()
	assert.Equal(t, r2.ID, head.ID)

	s := l.Snapshot()
	assert.True(t, s.Net.Equal(d("-1")))
	assert.True(t, s.Pending.Equal(d("1")))
	assert.True(t, s.Net.Add(s.Pending).IsZero())
}

func TestFailedRequestStaysAccountedAndRequeuesInOrder(t *testing.T) {
	l := New(Start{})
	r1 := l.ApplyMakerFill(fill("f1", domain.SideBid, "2"), decimal.Zero)
	r2 := l.ApplyMakerFill(fill("f2", domain.SideBid, "1"), decimal.Zero)

	_, err := l.FailHedge(r1.ID, fmt.Errorf("venue down"))
	require.NoError(t, err)

	s := l.Snapshot()
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.QueueDepth)
	assert.True(t, s.Unhedged.Equal(d("3")))

	head, _ := l.NextHedge()
	assert.Equal(t, r2.ID, head.ID, "failed request does not block the queue")

	_, err = l.Requeue(r1.ID)
	require.NoError(t, err)
	head, _ = l.NextHedge()
	assert.Equal(t, r1.ID, head.ID, "requeued request regains its creation-order slot")

	_, err = l.Requeue(r1.ID)
	assert.ErrorIs(t, err, ErrHedgeState)
	_, err = l.Requeue("missing")
	assert.ErrorIs(t, err, ErrUnknownHedge)
}

func TestConfirmWithResidual(t *testing.T) {
	l := New(Start{})
	r := l.ApplyMakerFill(fill("f1", domain.SideAsk, "1.0004"), decimal.Zero)
	_, err := l.ApplyHedgeFill(r.ID, d("1"), d("100"))
	require.NoError(t, err)
	got, err := l.ConfirmHedge(r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HedgeConfirmed, got.Status)
	assert.True(t, got.Residual.Equal(d("0.0004")))

	s := l.Snapshot()
	assert.Equal(t, 0, s.QueueDepth)
	assert.True(t, s.Residual.Equal(d("0.0004")))
	assert.True(t, s.Unhedged.Equal(d("0.0004")))
	assert.True(t, s.Net.Add(s.Pending).Add(s.Residual).IsZero())
}

func TestReserveRestingRespectsCap(t *testing.T) {
	l := New(Start{MakerBase: d("8")})
	assert.True(t, l.ReserveResting(domain.SideBid, d("5"), d("10")).Equal(d("2")))
	assert.True(t, l.ReserveResting(domain.SideBid, d("5"), d("10")).IsZero())
	assert.True(t, l.ReserveResting(domain.SideAsk, d("5"), d("10")).Equal(d("5")))

	l.ApplyMakerFill(fill("f1", domain.SideBid, "2"), decimal.Zero)
	s := l.Snapshot()
	assert.True(t, s.RestingBid.IsZero())
	assert.True(t, s.Net.Equal(d("10")))
	assert.True(t, l.ReserveResting(domain.SideBid, d("1"), d("10")).IsZero())
}

func TestCorrectHedgePositionSkipsWhileInFlight(t *testing.T) {
	l := New(Start{})
	r := l.ApplyMakerFill(fill("f1", domain.SideBid, "1"), decimal.Zero)
	require.NoError(t, l.MarkHedgeSubmitted(r.ID, "h1"))

	_, changed := l.CorrectHedgePosition(d("-1"))
	assert.False(t, changed)

	require.NoError(t, l.ReleaseHedge(r.ID))
	delta, changed := l.CorrectHedgePosition(d("-0.5"))
	assert.True(t, changed)
	assert.True(t, delta.Equal(d("-0.5")))
	assert.True(t, l.Net().Equal(d("0.5")))
}

func TestConcurrentFillsAndReservations(t *testing.T) {
	l := New(Start{})
	limit := d("50")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.ApplyMakerFill(fill(fmt.Sprintf("%d-%d", i, j), domain.SideBid, "0.1"), decimal.Zero)
				got := l.ReserveResting(domain.SideBid, d("1"), limit)
				l.ReleaseResting(domain.SideBid, got)
				_ = l.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	s := l.Snapshot()
	assert.True(t, s.Net.Equal(d("80")))
	assert.True(t, s.Requested.Equal(d("-80")))
	assert.True(t, s.RestingBid.IsZero())
}
