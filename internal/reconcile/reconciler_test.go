package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/betbot/crossmm/internal/ledger"
	"github.com/betbot/crossmm/internal/ports"
	"github.com/betbot/crossmm/internal/quote"
	"github.com/betbot/crossmm/internal/retry"
	"github.com/betbot/crossmm/internal/venue"
	"github.com/betbot/crossmm/internal/venue/paper"
	"github.com/betbot/crossmm/pkg/kvstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fastRetry(attempts int) *retry.Supervisor {
	p := retry.DefaultPolicy()
	p.MaxAttempts = attempts
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	return retry.New(p)
}

type recordingHandler struct {
	mu   sync.Mutex
	reqs []*domain.HedgeRequest
}

func (h *recordingHandler) OnFill(_ context.Context, _ domain.Fill, req *domain.HedgeRequest) {
	h.mu.Lock()
	h.reqs = append(h.reqs, req)
	h.mu.Unlock()
}

type fakeJournal struct {
	fees []decimal.Decimal
}

func (j *fakeJournal) RecordMakerFill(_ context.Context, _ domain.Fill, fee decimal.Decimal) error {
	j.fees = append(j.fees, fee)
	return nil
}

func newReconciler(t *testing.T, m *paper.Maker, l *ledger.Ledger, store Store, h *recordingHandler) *Reconciler {
	t.Helper()
	r, err := New(Config{PollInterval: 5 * time.Millisecond, MakerFeeBps: d("5")}, Deps{
		Venue: m, Ledger: l, Book: quote.NewBook(), Store: store, Retry: fastRetry(2),
		Handlers: []ports.FillHandler{h},
	})
	require.NoError(t, err)
	return r
}

func fill(id string, side domain.Side, qty string, seq uint64) domain.Fill {
	return domain.Fill{ID: id, OrderID: "o-" + id, Side: side, Price: d("100"), Quantity: d(qty), Seq: seq, Timestamp: time.Now()}
}

func TestDuplicateFillProcessedOnce(t *testing.T) {
	l := ledger.New(ledger.Start{})
	h := &recordingHandler{}
	r := newReconciler(t, paper.NewMaker(decimal.Zero, decimal.Zero), l, NewMemoryStore(time.Hour), h)
	ctx := context.Background()

	f := fill("f1", domain.SideBid, "10", 1)
	ok, err := r.Apply(ctx, f)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Apply(ctx, f)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, l.Net().Equal(d("10")))
	s := l.Snapshot()
	assert.True(t, s.Pending.Equal(d("-10")))
	assert.Equal(t, 1, s.QueueDepth)
	assert.Len(t, h.reqs, 1)
}

func TestSubmitOrdersBySeqAndSumsHedges(t *testing.T) {
	l := ledger.New(ledger.Start{})
	h := &recordingHandler{}
	r := newReconciler(t, paper.NewMaker(decimal.Zero, decimal.Zero), l, NewMemoryStore(time.Hour), h)

	fills := []domain.Fill{
		fill("c", domain.SideAsk, "4", 3),
		fill("a", domain.SideBid, "10", 1),
		fill("b", domain.SideBid, "2.5", 2),
		fill("a", domain.SideBid, "10", 1),
	}
	n, err := r.Submit(context.Background(), fills)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, h.reqs, 3)
	assert.Equal(t, "a", h.reqs[0].FillID)
	assert.Equal(t, "b", h.reqs[1].FillID)
	assert.Equal(t, "c", h.reqs[2].FillID)

	// 对冲请求之和等于成交带符号数量之和的相反数
	sum := decimal.Zero
	for _, req := range h.reqs {
		sum = sum.Add(req.Quantity)
	}
	assert.True(t, sum.Equal(d("-8.5")), sum.String())
	assert.True(t, l.Net().Add(l.Snapshot().Pending).IsZero())
}

func TestSortFillsFallsBackToTimestamp(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	fills := []domain.Fill{
		{ID: "z", Timestamp: t0.Add(time.Second)},
		{ID: "b", Timestamp: t0},
		{ID: "a", Timestamp: t0, Seq: 9},
	}
	SortFills(fills)
	assert.Equal(t, []string{"a", "b", "z"}, []string{fills[0].ID, fills[1].ID, fills[2].ID})
}

func TestFillsSequenceResumesFromCursor(t *testing.T) {
	m := paper.NewMaker(decimal.Zero, decimal.Zero)
	l := ledger.New(ledger.Start{})
	h := &recordingHandler{}
	r := newReconciler(t, m, l, NewMemoryStore(time.Hour), h)

	m.InjectFill(fill("f1", domain.SideBid, "1", 1))
	m.InjectFill(fill("f1", domain.SideBid, "1", 1))
	m.InjectFill(fill("f2", domain.SideAsk, "3", 2))

	ctx := context.Background()
	var got []string
	for f, err := range r.Fills(ctx) {
		require.NoError(t, err)
		_, err := r.Apply(ctx, f)
		require.NoError(t, err)
		got = append(got, f.ID)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"f1", "f2"}, got)

	// 第二轮：已读取的成交不会再出现
	m.InjectFill(fill("f3", domain.SideBid, "2", 3))
	for f, err := range r.Fills(ctx) {
		require.NoError(t, err)
		assert.Equal(t, "f3", f.ID)
		break
	}
	assert.True(t, l.Net().Equal(d("-2")))
}

func TestFillsYieldsPollErrors(t *testing.T) {
	m := paper.NewMaker(decimal.Zero, decimal.Zero)
	m.SetHook(paper.FailN("list_fills", 2, venue.E(venue.KindUnavailable, "list_fills", errors.New("503"))))
	r := newReconciler(t, m, ledger.New(ledger.Start{}), nil, &recordingHandler{})

	for _, err := range r.Fills(context.Background()) {
		require.Error(t, err)
		assert.True(t, retry.IsExhausted(err))
		break
	}
}

func TestHistoricalFillsAreSkipped(t *testing.T) {
	l := ledger.New(ledger.Start{})
	r, err := New(Config{SkipBefore: time.Now()}, Deps{Ledger: l, Retry: fastRetry(1)})
	require.NoError(t, err)

	old := fill("old", domain.SideBid, "5", 1)
	old.Timestamp = time.Now().Add(-time.Hour)
	ok, err := r.Apply(context.Background(), old)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, l.Net().IsZero())
}

func TestOwnQuoteFillAppliedDespiteVenueClockLag(t *testing.T) {
	l := ledger.New(ledger.Start{})
	book := quote.NewBook()
	q, err := book.BeginPlace(domain.Target{Side: domain.SideBid, Price: d("99"), Size: d("5")})
	require.NoError(t, err)
	require.NoError(t, book.Placed(q.ID, "o-live"))

	h := &recordingHandler{}
	r, err := New(Config{SkipBefore: time.Now()}, Deps{
		Ledger: l, Book: book, Retry: fastRetry(1), Handlers: []ports.FillHandler{h},
	})
	require.NoError(t, err)

	// 交易所时钟落后：本次挂出的报价成交时间戳早于截止时间
	f := fill("lag", domain.SideBid, "2", 1)
	f.OrderID = "o-live"
	f.Timestamp = time.Now().Add(-time.Minute)
	ok, err := r.Apply(context.Background(), f)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, l.Net().Equal(d("2")))
	require.Len(t, h.reqs, 1)
	assert.True(t, book.Live(domain.SideBid).Remaining.Equal(d("3")))

	// 不属于本次运行的旧成交仍然跳过
	old := fill("old", domain.SideBid, "1", 2)
	old.Timestamp = time.Now().Add(-time.Minute)
	ok, err = r.Apply(context.Background(), old)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, l.Net().Equal(d("2")))
}

func TestMakerFeeFromBps(t *testing.T) {
	j := &fakeJournal{}
	r, err := New(Config{MakerFeeBps: d("5")}, Deps{Ledger: ledger.New(ledger.Start{}), Retry: fastRetry(1), Journal: j})
	require.NoError(t, err)
	_, err = r.Apply(context.Background(), fill("f", domain.SideBid, "10", 1))
	require.NoError(t, err)
	require.Len(t, j.fees, 1)
	assert.True(t, j.fees[0].Equal(d("0.5")), j.fees[0].String())
}

func TestInvalidFillRejected(t *testing.T) {
	r, err := New(Config{}, Deps{Ledger: ledger.New(ledger.Start{}), Retry: fastRetry(1)})
	require.NoError(t, err)
	_, err = r.Apply(context.Background(), domain.Fill{ID: "x", Side: domain.SideBid})
	require.Error(t, err)
}

func TestBadgerStorePersistsAcrossRestart(t *testing.T) {
	kv, err := kvstore.Open(kvstore.OpenOptions{InMemory: true})
	require.NoError(t, err)
	defer kv.Close()

	m := paper.NewMaker(decimal.Zero, decimal.Zero)
	m.InjectFill(fill("f1", domain.SideBid, "1", 1))
	l := ledger.New(ledger.Start{})
	r := newReconciler(t, m, l, NewBadgerStore(kv, time.Hour), &recordingHandler{})
	ctx := context.Background()
	for f, err := range r.Fills(ctx) {
		require.NoError(t, err)
		_, err := r.Apply(ctx, f)
		require.NoError(t, err)
		break
	}
	// 提前 break 时 cursor 不推进，这里模拟一轮完整轮询后的推进
	r.advance("1")

	r2 := newReconciler(t, m, l, NewBadgerStore(kv, time.Hour), &recordingHandler{})
	assert.Equal(t, "1", r2.Cursor())
	ok, err := r2.Apply(ctx, fill("f1", domain.SideBid, "1", 1))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, l.Net().Equal(d("1")))

	bs := NewBadgerStore(kv, time.Hour)
	n, err := bs.Processed()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, bs.ResetCursor())
	_, found, err := bs.Cursor()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreMarkOnceAndExpire(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	fresh, err := s.Mark("f1")
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, err = s.Mark("f1")
	require.NoError(t, err)
	assert.False(t, fresh)

	n, err := s.Processed()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		n, _ := s.Processed()
		return n == 0
	}, time.Second, 5*time.Millisecond, "retention window elapsed")
}
