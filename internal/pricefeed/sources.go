package pricefeed

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/betbot/crossmm/internal/ports"
	"github.com/betbot/crossmm/internal/venue"
	"github.com/betbot/crossmm/pkg/httpclient"
	"github.com/shopspring/decimal"
)

// HTTPSource 轮询 REST 接口，按 JSON 路径取价格
type HTTPSource struct {
	name     string
	client   *httpclient.Client
	endpoint string
	path     string
	params   map[string]any
}

func NewHTTPSource(name string, client *httpclient.Client, endpoint, path string, params map[string]any) *HTTPSource {
	return &HTTPSource{name: name, client: client, endpoint: endpoint, path: path, params: params}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) FairValue(ctx context.Context) (domain.Reading, error) {
	doc, err := s.client.GetJSON(ctx, s.endpoint, s.params)
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) {
			return domain.Reading{}, venue.FromHTTPStatus("fair_value", se.Status, err)
		}
		return domain.Reading{}, venue.E(venue.KindOf(err), "fair_value", err)
	}
	px, err := Extract(doc, s.path)
	if err != nil {
		return domain.Reading{}, venue.E(venue.KindInvalid, "fair_value", err)
	}
	return domain.Reading{Price: px, At: time.Now(), Source: s.name}, nil
}

// HedgeMidSource 以对冲交易所中间价作为公允价
type HedgeMidSource struct {
	venue ports.MidGetter
}

func NewHedgeMidSource(v ports.MidGetter) *HedgeMidSource { return &HedgeMidSource{venue: v} }

func (s *HedgeMidSource) Name() string { return "hedge_mid" }

func (s *HedgeMidSource) FairValue(ctx context.Context) (domain.Reading, error) {
	mid, err := s.venue.Mid(ctx)
	if err != nil {
		return domain.Reading{}, err
	}
	return domain.Reading{Price: mid, At: time.Now(), Source: s.Name()}, nil
}

// RandomWalk dry-run 用的几何随机游走，每次读取走一步
type RandomWalk struct {
	mu    sync.Mutex
	price decimal.Decimal
	vol   float64
	rng   *rand.Rand
}

func NewRandomWalk(start decimal.Decimal, vol float64, seed uint64) *RandomWalk {
	return &RandomWalk{price: start, vol: vol, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (w *RandomWalk) Name() string { return "random_walk" }

func (w *RandomWalk) FairValue(context.Context) (domain.Reading, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	step := decimal.NewFromFloat(1 + w.vol*w.rng.NormFloat64())
	w.price = w.price.Mul(step).Round(8)
	return domain.Reading{Price: w.price, At: time.Now(), Source: w.Name()}, nil
}
