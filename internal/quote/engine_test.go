package quote

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/betbot/crossmm/internal/alert"
	"github.com/betbot/crossmm/internal/domain"
	"github.com/betbot/crossmm/internal/ledger"
	"github.com/betbot/crossmm/internal/retry"
	"github.com/betbot/crossmm/internal/risk"
	"github.com/betbot/crossmm/internal/venue"
	"github.com/betbot/crossmm/internal/venue/paper"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedPrice struct {
	mu  sync.Mutex
	px  decimal.Decimal
	at  time.Time
	err error
}

func (f *fixedPrice) set(px string) {
	f.mu.Lock()
	f.px = d(px)
	f.at = time.Now()
	f.mu.Unlock()
}

func (f *fixedPrice) FairValue(context.Context) (domain.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Reading{}, f.err
	}
	return domain.Reading{Price: f.px, At: f.at, Source: "test"}, nil
}

type harness struct {
	engine  *Engine
	maker   *paper.Maker
	ledger  *ledger.Ledger
	price   *fixedPrice
	alerts  *alert.Recorder
	breaker *risk.CircuitBreaker
}

func fastRetry(attempts int) *retry.Supervisor {
	p := retry.DefaultPolicy()
	p.MaxAttempts = attempts
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	p.AttemptTimeout = time.Second
	return retry.New(p)
}

func newHarness(t *testing.T, start ledger.Start, mutate func(*Config)) *harness {
	t.Helper()
	cfg := Config{
		Params:        refParams(),
		TickInterval:  time.Hour,
		MaxPriceAge:   time.Minute,
		MinPriceDelta: d("0.01"),
		MinSizeDelta:  d("0.5"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		maker:   paper.NewMaker(decimal.Zero, decimal.Zero),
		ledger:  ledger.New(start),
		price:   &fixedPrice{},
		alerts:  &alert.Recorder{},
		breaker: risk.NewCircuitBreaker(risk.CircuitBreakerConfig{MaxConsecutiveErrors: 1}),
	}
	h.price.set("100")
	h.engine = NewEngine(cfg, Deps{
		Venue: h.maker, Prices: h.price, Ledger: h.ledger,
		Retry: fastRetry(3), Breaker: h.breaker, Alerts: h.alerts,
	})
	return h
}

func TestCyclePlacesBothSidesAndAvoidsChurn(t *testing.T) {
	h := newHarness(t, ledger.Start{}, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Cycle(ctx))

	bid := h.engine.Book().Live(domain.SideBid)
	ask := h.engine.Book().Live(domain.SideAsk)
	require.NotNil(t, bid)
	require.NotNil(t, ask)
	assert.Equal(t, domain.QuoteResting, bid.Status)
	assert.True(t, bid.Price.Equal(d("99.9")))
	assert.True(t, ask.Price.Equal(d("100.1")))

	snap := h.ledger.Snapshot()
	assert.True(t, snap.RestingBid.Equal(d("10")))
	assert.True(t, snap.Net.IsZero(), "placing quotes never moves position")

	h.price.set("100.005")
	require.NoError(t, h.engine.Cycle(ctx))
	placed, cancelled := h.maker.Counts()
	assert.Equal(t, 2, placed)
	assert.Equal(t, 0, cancelled)
}

func TestReplaceCancelsBeforePlacing(t *testing.T) {
	h := newHarness(t, ledger.Start{}, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Cycle(ctx))
	old := h.engine.Book().Live(domain.SideBid)

	h.price.set("101")
	require.NoError(t, h.engine.Cycle(ctx))

	bid := h.engine.Book().Live(domain.SideBid)
	require.NotNil(t, bid)
	assert.NotEqual(t, old.OrderID, bid.OrderID)
	assert.True(t, bid.Price.Equal(d("100.9")))
	assert.Len(t, h.maker.Resting(domain.SideBid), 1)
	assert.Equal(t, 1, h.maker.MaxResting(domain.SideBid))

	var oldStatus domain.QuoteStatus
	for _, q := range h.engine.Book().Quotes() {
		if q.ID == old.ID {
			oldStatus = q.Status
		}
	}
	assert.Equal(t, domain.QuoteCancelled, oldStatus)
}

func TestPlacementExhaustedMarksRejectedOtherSideContinues(t *testing.T) {
	h := newHarness(t, ledger.Start{}, nil)
	// 只让 bid 下单失败
	failing := &sideFailer{Maker: h.maker, side: domain.SideBid}
	h.engine.venue = failing

	require.NoError(t, h.engine.Cycle(context.Background()))
	assert.Nil(t, h.engine.Book().Live(domain.SideBid))
	require.NotNil(t, h.engine.Book().Live(domain.SideAsk))
	assert.Equal(t, 3, failing.attempts)

	var rejected int
	for _, q := range h.engine.Book().Quotes() {
		if q.Side == domain.SideBid && q.Status == domain.QuoteRejected {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, h.alerts.Count(alert.KindRetriesExhausted))
	assert.True(t, h.ledger.Snapshot().RestingBid.IsZero())
}

type sideFailer struct {
	*paper.Maker
	side     domain.Side
	attempts int
}

func (s *sideFailer) PlaceOrder(ctx context.Context, side domain.Side, price, size decimal.Decimal) (string, error) {
	if side == s.side {
		s.attempts++
		return "", venue.E(venue.KindUnavailable, "place_order", errors.New("503"))
	}
	return s.Maker.PlaceOrder(ctx, side, price, size)
}

// ackLoser 模拟下单确认丢失：第一次 bid 下单返回超时；accept 为 true 时订单其实已挂上
type ackLoser struct {
	*paper.Maker
	accept bool
	lost   int
}

func (a *ackLoser) PlaceOrder(ctx context.Context, side domain.Side, price, size decimal.Decimal) (string, error) {
	if side == domain.SideBid && a.lost == 0 {
		a.lost++
		if a.accept {
			if _, err := a.Maker.PlaceOrder(ctx, side, price, size); err != nil {
				return "", err
			}
		}
		return "", venue.E(venue.KindTimeout, "place_order", errors.New("ack lost"))
	}
	return a.Maker.PlaceOrder(ctx, side, price, size)
}

func TestLostPlacementAckNeverDoubleRests(t *testing.T) {
	for _, accept := range []bool{true, false} {
		name := "rejected_by_venue"
		if accept {
			name = "accepted_by_venue"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, ledger.Start{}, nil)
			h.engine.venue = &ackLoser{Maker: h.maker, accept: accept}

			require.NoError(t, h.engine.Cycle(context.Background()))

			resting := h.maker.Resting(domain.SideBid)
			require.Len(t, resting, 1)
			assert.Equal(t, 1, h.maker.MaxResting(domain.SideBid))

			bid := h.engine.Book().Live(domain.SideBid)
			require.NotNil(t, bid)
			assert.Equal(t, domain.QuoteResting, bid.Status)
			assert.Equal(t, resting[0].OrderID, bid.OrderID)
			assert.True(t, h.ledger.Snapshot().RestingBid.Equal(d("10")))

			placed, _ := h.maker.Counts()
			assert.Equal(t, 2, placed, "one order per side")
		})
	}
}

func TestCancelFailureKeepsOldQuoteAndSkipsPlacement(t *testing.T) {
	h := newHarness(t, ledger.Start{}, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Cycle(ctx))
	old := h.engine.Book().Live(domain.SideBid)

	h.maker.SetHook(func(op string) error {
		if op == "cancel_order" {
			return venue.E(venue.KindTimeout, op, nil)
		}
		return nil
	})
	h.price.set("101")
	require.NoError(t, h.engine.Cycle(ctx))

	cur := h.engine.Book().Live(domain.SideBid)
	require.NotNil(t, cur)
	assert.Equal(t, old.OrderID, cur.OrderID)
	assert.Equal(t, domain.QuoteResting, cur.Status)
	assert.Len(t, h.maker.Resting(domain.SideBid), 1)
	placed, _ := h.maker.Counts()
	assert.Equal(t, 2, placed)
}

func TestMaxLongSuppressesBidKeepsAsk(t *testing.T) {
	h := newHarness(t, ledger.Start{MakerBase: d("100")}, nil)
	require.NoError(t, h.engine.Cycle(context.Background()))
	assert.Nil(t, h.engine.Book().Live(domain.SideBid))
	assert.Empty(t, h.maker.Resting(domain.SideBid))
	require.NotNil(t, h.engine.Book().Live(domain.SideAsk))
}

func TestHedgeVenueDownWidensOrPauses(t *testing.T) {
	t.Run("widen", func(t *testing.T) {
		h := newHarness(t, ledger.Start{}, func(c *Config) { c.HedgeDownPolicy = DegradeWiden })
		h.breaker.OnError()
		require.NoError(t, h.engine.Cycle(context.Background()))
		assert.Equal(t, ModeWidened, h.engine.Mode())
		bid := h.engine.Book().Live(domain.SideBid)
		require.NotNil(t, bid)
		assert.True(t, bid.Price.Equal(d("99.8")))
		assert.Equal(t, 1, h.alerts.Count(alert.KindVenueDegraded))
	})
	t.Run("pause", func(t *testing.T) {
		h := newHarness(t, ledger.Start{}, func(c *Config) { c.HedgeDownPolicy = DegradePause })
		ctx := context.Background()
		require.NoError(t, h.engine.Cycle(ctx))
		require.NotNil(t, h.engine.Book().Live(domain.SideBid))

		h.breaker.OnError()
		require.NoError(t, h.engine.Cycle(ctx))
		assert.Equal(t, ModePaused, h.engine.Mode())
		assert.Nil(t, h.engine.Book().Live(domain.SideBid))
		assert.Nil(t, h.engine.Book().Live(domain.SideAsk))
		assert.Empty(t, h.maker.Resting(domain.SideAsk))

		h.breaker.OnSuccess()
		require.NoError(t, h.engine.Cycle(ctx))
		assert.Equal(t, ModeNormal, h.engine.Mode())
		assert.NotNil(t, h.engine.Book().Live(domain.SideBid))
	})
}

func TestHaltPausesQuotingUnderWidenPolicy(t *testing.T) {
	h := newHarness(t, ledger.Start{}, func(c *Config) { c.HedgeDownPolicy = DegradeWiden })
	ctx := context.Background()
	require.NoError(t, h.engine.Cycle(ctx))
	require.NotNil(t, h.engine.Book().Live(domain.SideBid))

	h.breaker.Halt()
	require.NoError(t, h.engine.Cycle(ctx))
	assert.Equal(t, ModePaused, h.engine.Mode())
	assert.Nil(t, h.engine.Book().Live(domain.SideBid))
	assert.Nil(t, h.engine.Book().Live(domain.SideAsk))
	assert.Empty(t, h.maker.Resting(domain.SideBid))
	assert.Empty(t, h.maker.Resting(domain.SideAsk))

	h.breaker.Resume()
	require.NoError(t, h.engine.Cycle(ctx))
	assert.Equal(t, ModeNormal, h.engine.Mode())
	assert.Len(t, h.maker.Resting(domain.SideBid), 1)
}

func TestUnhedgedLimitDegrades(t *testing.T) {
	h := newHarness(t, ledger.Start{}, func(c *Config) {
		c.HedgeDownPolicy = DegradePause
		c.MaxUnhedged = d("1")
	})
	h.ledger.ApplyMakerFill(domain.Fill{ID: "f1", Side: domain.SideBid, Price: d("100"), Quantity: d("2")}, decimal.Zero)
	require.NoError(t, h.engine.Cycle(context.Background()))
	assert.Equal(t, ModePaused, h.engine.Mode())
	assert.Empty(t, h.maker.Resting(domain.SideBid))
}

func TestStalePricePullsQuotesAndAlertsOnce(t *testing.T) {
	h := newHarness(t, ledger.Start{}, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Cycle(ctx))

	h.price.mu.Lock()
	h.price.at = time.Now().Add(-time.Hour)
	h.price.mu.Unlock()
	assert.Error(t, h.engine.Cycle(ctx))
	assert.Error(t, h.engine.Cycle(ctx))

	assert.Equal(t, ModeStale, h.engine.Mode())
	assert.Nil(t, h.engine.Book().Live(domain.SideBid))
	assert.Empty(t, h.maker.Resting(domain.SideAsk))
	assert.Equal(t, 1, h.alerts.Count(alert.KindPriceStale))
}

func TestCheckDriftTrustsVenue(t *testing.T) {
	h := newHarness(t, ledger.Start{}, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Cycle(ctx))

	bid := h.engine.Book().Live(domain.SideBid)
	h.maker.DropOrder(bid.OrderID)
	ext := h.maker.AddExternalOrder(domain.SideAsk, d("105"), d("1"))

	require.NoError(t, h.engine.CheckDrift(ctx))
	assert.Nil(t, h.engine.Book().Live(domain.SideBid), "missing order marked cancelled")
	assert.True(t, h.ledger.Snapshot().RestingBid.IsZero())

	for _, o := range h.maker.Resting(domain.SideAsk) {
		assert.NotEqual(t, ext, o.OrderID, "extra order on an occupied side is cancelled")
	}
	assert.Equal(t, 2, h.alerts.Count(alert.KindDrift))

	// 空出来的一侧收编交易所上的未知挂单
	adopt := h.maker.AddExternalOrder(domain.SideBid, d("90"), d("3"))
	require.NoError(t, h.engine.CheckDrift(ctx))
	live := h.engine.Book().Live(domain.SideBid)
	require.NotNil(t, live)
	assert.Equal(t, adopt, live.OrderID)
	assert.True(t, h.ledger.Snapshot().RestingBid.Equal(d("3")))
}

func TestCancelAllSweepsVenue(t *testing.T) {
	h := newHarness(t, ledger.Start{}, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Cycle(ctx))
	h.maker.AddExternalOrder(domain.SideBid, d("50"), d("1"))

	h.engine.Stop()
	left, err := h.engine.CancelAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)
	assert.Empty(t, h.maker.Resting(domain.SideBid))
	assert.Empty(t, h.maker.Resting(domain.SideAsk))

	require.NoError(t, h.engine.Cycle(ctx))
	assert.Empty(t, h.maker.Resting(domain.SideBid), "stopped engine places nothing")
}

func TestOnFairValueTriggersCycle(t *testing.T) {
	h := newHarness(t, ledger.Start{}, func(c *Config) { c.RepriceThreshold = d("0.001") })
	require.NoError(t, h.engine.Cycle(context.Background()))

	h.engine.OnFairValue(domain.Reading{Price: d("100.05"), At: time.Now()})
	select {
	case <-h.engine.trigger.C():
		t.Fatal("small move should not trigger")
	default:
	}
	h.engine.OnFairValue(domain.Reading{Price: d("100.5"), At: time.Now()})
	select {
	case <-h.engine.trigger.C():
	default:
		t.Fatal("large move should trigger a cycle")
	}
}

// 撤单-重挂期间并发成交：同一侧交易所上永远不会同时存在两笔挂单
func TestReplaceUnderConcurrentFillsNeverDoubleRests(t *testing.T) {
	h := newHarness(t, ledger.Start{}, func(c *Config) { c.MaxInventory = d("1000") })
	h.maker.SetLatency(200 * time.Microsecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(1))
		for ctx.Err() == nil {
			for _, s := range domain.Sides {
				for _, o := range h.maker.Resting(s) {
					if f, ok := h.maker.Fill(o.OrderID, d("0.5")); ok {
						h.ledger.ApplyMakerFill(f, decimal.Zero)
						h.engine.Book().ApplyFill(f.OrderID, f.Quantity)
					}
				}
			}
			time.Sleep(time.Duration(rng.Intn(300)) * time.Microsecond)
		}
	}()

	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 60; i++ {
		h.price.set(decimal.NewFromFloat(100 + rng.Float64()).StringFixed(3))
		_ = h.engine.Cycle(ctx)
	}
	cancel()
	wg.Wait()

	assert.LessOrEqual(t, h.maker.MaxResting(domain.SideBid), 1)
	assert.LessOrEqual(t, h.maker.MaxResting(domain.SideAsk), 1)
}
