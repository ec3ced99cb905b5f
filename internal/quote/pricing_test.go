package quote

import (
	"testing"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func refParams() Params {
	return Params{
		SpreadBase:      d("0.2"),
		SkewFactor:      d("0.01"),
		SkewShiftFactor: d("0.5"),
		QuoteSize:       d("10"),
		MaxInventory:    d("100"),
	}
}

func TestReferenceLinearSkew(t *testing.T) {
	cases := []struct {
		name     string
		pos      string
		bid, ask string
	}{
		{"flat", "0", "99.9", "100.1"},
		{"long 50", "50", "99.85", "100.25"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			bid, ask := Prices(d("100"), d(c.pos), refParams())
			assert.True(t, bid.Equal(d(c.bid)), "bid %s", bid)
			assert.True(t, ask.Equal(d(c.ask)), "ask %s", ask)
		})
	}
}

func TestLongPositionPushesAskFurtherThanBid(t *testing.T) {
	fv := d("100")
	bid, ask := Prices(fv, d("50"), refParams())
	assert.True(t, ask.Sub(fv).GreaterThan(fv.Sub(bid)))

	bid, ask = Prices(fv, d("-50"), refParams())
	assert.True(t, fv.Sub(bid).GreaterThan(ask.Sub(fv)), "short mirrors long")
}

func TestHalfSpreadWidensMonotonically(t *testing.T) {
	p := refParams()
	prev := decimal.Zero
	for _, pos := range []string{"0", "1", "5", "20", "80"} {
		bid, ask := Prices(d("100"), d(pos), p)
		spread := ask.Sub(bid)
		assert.True(t, spread.GreaterThan(prev), "pos %s spread %s", pos, spread)
		prev = spread
	}
}

func TestShiftThreshold(t *testing.T) {
	p := refParams()
	p.SkewShiftThreshold = d("60")
	bid, ask := Prices(d("100"), d("50"), p)
	assert.True(t, bid.Equal(d("99.8")))
	assert.True(t, ask.Equal(d("100.2")))
}

func TestBidSuppressedAtMaxLong(t *testing.T) {
	p := refParams()
	bid, ask := Targets(d("100"), d("100"), p)
	assert.True(t, bid.Empty(), "no bid at the long cap")
	assert.True(t, ask.Size.Equal(d("10")), "ask stays active")

	bid, _ = Targets(d("100"), d("95"), p)
	assert.True(t, bid.Size.Equal(d("5")), "bid sized to remaining room")

	_, ask = Targets(d("100"), d("-100"), p)
	assert.True(t, ask.Empty())
}

func TestTaperAndMinSize(t *testing.T) {
	p := refParams()
	p.SizeTaper = true
	p.MinQuoteSize = d("3")
	p.SizeStep = d("0.5")

	assert.True(t, Size(domain.SideBid, d("50"), p).Equal(d("5")))
	assert.True(t, Size(domain.SideAsk, d("50"), p).Equal(d("10")), "reducing side is not tapered")
	assert.True(t, Size(domain.SideBid, d("75"), p).IsZero(), "2.5 is below min size")
}

func TestPriceTickRoundsAwayFromFair(t *testing.T) {
	p := refParams()
	p.PriceTick = d("0.1")
	bid, ask := Prices(d("100"), d("50"), p)
	assert.True(t, bid.Equal(d("99.8")))
	assert.True(t, ask.Equal(d("100.3")))
}

func TestNeedsReplace(t *testing.T) {
	cur := &domain.Quote{Side: domain.SideBid, Price: d("99.9"), Remaining: d("10")}
	minPx, minSz := d("0.01"), d("0.5")

	assert.False(t, NeedsReplace(cur, domain.Target{Price: d("99.905"), Size: d("10.2")}, minPx, minSz))
	assert.True(t, NeedsReplace(cur, domain.Target{Price: d("99.85"), Size: d("10")}, minPx, minSz))
	assert.True(t, NeedsReplace(cur, domain.Target{Price: d("99.9"), Size: d("5")}, minPx, minSz))
	assert.True(t, NeedsReplace(cur, domain.Target{Price: d("99.9")}, minPx, minSz), "suppressed target pulls the quote")
	assert.True(t, NeedsReplace(nil, domain.Target{Price: d("99.9"), Size: d("1")}, minPx, minSz))
	assert.False(t, NeedsReplace(nil, domain.Target{}, minPx, minSz))
}
