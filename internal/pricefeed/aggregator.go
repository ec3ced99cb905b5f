// Package pricefeed 公允价来源：HTTP 轮询、WebSocket 推送、对冲交易所中间价、随机游走（dry-run），
// 以及取新鲜读数中位数的聚合器。
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var feedLog = logrus.WithField("component", "pricefeed")

var ErrNoFreshPrice = errors.New("no fresh fair value")

// Source 单个价格来源
type Source interface {
	Name() string
	FairValue(ctx context.Context) (domain.Reading, error)
}

// Aggregator 取所有来源中新鲜读数的中位数
type Aggregator struct {
	sources []Source
	maxAge  time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	last   domain.Reading
	subs   []func(domain.Reading)
	failed map[string]bool // 上一次失败的来源（避免刷屏）
}

func NewAggregator(maxAge time.Duration, sources ...Source) *Aggregator {
	return &Aggregator{sources: sources, maxAge: maxAge, now: time.Now, failed: make(map[string]bool)}
}

// Subscribe 每次 Run 取得新读数后回调
func (a *Aggregator) Subscribe(fn func(domain.Reading)) {
	a.mu.Lock()
	a.subs = append(a.subs, fn)
	a.mu.Unlock()
}

// Last 最近一次聚合结果
func (a *Aggregator) Last() domain.Reading {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// FairValue 查询全部来源并取中位数。读数时间取参与计算的最旧读数（保守的新鲜度）。
func (a *Aggregator) FairValue(ctx context.Context) (domain.Reading, error) {
	now := a.now()
	prices := make([]decimal.Decimal, 0, len(a.sources))
	var oldest time.Time
	var errs []error
	for _, s := range a.sources {
		r, err := s.FairValue(ctx)
		a.noteFailure(s.Name(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if !r.Fresh(now, a.maxAge) {
			errs = append(errs, fmt.Errorf("%s: stale reading from %s", s.Name(), r.At.Format(time.RFC3339)))
			continue
		}
		prices = append(prices, r.Price)
		if oldest.IsZero() || r.At.Before(oldest) {
			oldest = r.At
		}
	}
	if len(prices) == 0 {
		return domain.Reading{}, fmt.Errorf("%w: %w", ErrNoFreshPrice, errors.Join(errs...))
	}
	out := domain.Reading{Price: Median(prices), At: oldest, Source: fmt.Sprintf("median(%d)", len(prices))}
	a.mu.Lock()
	a.last = out
	a.mu.Unlock()
	return out, nil
}

func (a *Aggregator) noteFailure(name string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	was := a.failed[name]
	switch {
	case err != nil && !was:
		feedLog.Warnf("⚠️ 价格源 %s 不可用: %v", name, err)
		a.failed[name] = true
	case err == nil && was:
		feedLog.Infof("✅ 价格源 %s 恢复", name)
		delete(a.failed, name)
	}
}

// Run 定时聚合并通知订阅者
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		r, err := a.FairValue(ctx)
		if err != nil {
			continue
		}
		a.mu.RLock()
		subs := append(([]func(domain.Reading))(nil), a.subs...)
		a.mu.RUnlock()
		for _, fn := range subs {
			fn(r)
		}
	}
}

// Median 中位数（偶数个取中间两个的平均）
func Median(xs []decimal.Decimal) decimal.Decimal {
	if len(xs) == 0 {
		return decimal.Zero
	}
	s := append([]decimal.Decimal(nil), xs...)
	sort.Slice(s, func(i, j int) bool { return s[i].LessThan(s[j]) })
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return s[mid-1].Add(s[mid]).Div(decimal.NewFromInt(2))
}
