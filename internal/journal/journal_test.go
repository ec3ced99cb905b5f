package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestJournalRecordsPairsAndPnL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()
	ctx := context.Background()

	fill := domain.Fill{ID: "f1", OrderID: "o1", Side: domain.SideBid, Price: d("100"), Quantity: d("10"), Timestamp: time.Now()}
	require.NoError(t, j.RecordMakerFill(ctx, fill, d("0.5")))
	require.NoError(t, j.RecordMakerFill(ctx, fill, d("0.5")), "duplicate insert is ignored")

	req := &domain.HedgeRequest{ID: "h1", FillID: "f1", Quantity: d("-10"), FillPrice: d("100"), MakerFee: d("0.5")}
	// 两次部分成交：卖 4@100.5，卖 6@99.9
	require.NoError(t, j.RecordHedge(ctx, req, domain.HedgeExecution{OrderID: "x1", AvgPrice: d("100.5")}, d("-4")))
	require.NoError(t, j.RecordHedge(ctx, req, domain.HedgeExecution{OrderID: "x2", AvgPrice: d("99.9")}, d("-6")))

	s, err := j.PnL(ctx, time.Time{}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Pairs)
	assert.Equal(t, 1, s.MakerFills)
	// 4×0.5 − 0.2 + 6×(−0.1) − 0.3 = 0.9
	assert.True(t, s.Realized.Equal(d("0.9")), s.Realized.String())
	assert.True(t, s.Fees.Equal(d("0.5")))
	assert.True(t, s.Volume.Equal(d("10")))
	require.Len(t, s.Recent, 1)
	assert.Equal(t, "h1", s.Recent[0].HedgeID)

	future, err := j.PnL(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, future.Pairs)
}

func TestJournalReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordMakerFill(context.Background(),
		domain.Fill{ID: "f", Side: domain.SideAsk, Price: d("1"), Quantity: d("1")}, decimal.Zero))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	s, err := j.PnL(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.MakerFills)
}
