// Package app 组装报价、对账、对冲各组件并管理其生命周期。
package app

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/crossmm/internal/alert"
	"github.com/betbot/crossmm/internal/controlplane/server"
	"github.com/betbot/crossmm/internal/domain"
	"github.com/betbot/crossmm/internal/hedge"
	"github.com/betbot/crossmm/internal/journal"
	"github.com/betbot/crossmm/internal/ledger"
	"github.com/betbot/crossmm/internal/metrics"
	"github.com/betbot/crossmm/internal/ports"
	"github.com/betbot/crossmm/internal/pricefeed"
	"github.com/betbot/crossmm/internal/quote"
	"github.com/betbot/crossmm/internal/reconcile"
	"github.com/betbot/crossmm/internal/retry"
	"github.com/betbot/crossmm/internal/risk"
	"github.com/betbot/crossmm/internal/venue/paper"
	"github.com/betbot/crossmm/pkg/config"
	"github.com/betbot/crossmm/pkg/httpclient"
	"github.com/betbot/crossmm/pkg/kvstore"
	"github.com/betbot/crossmm/pkg/ratelimit"
	"github.com/betbot/crossmm/pkg/shutdown"
	"github.com/betbot/crossmm/pkg/syncgroup"
)

var appLog = logrus.WithField("component", "app")

// Venues 两个交易所的适配器
type Venues struct {
	Maker ports.MakerVenue
	Hedge ports.HedgeVenue
}

// PaperVenues dry-run 使用的模拟交易所
func PaperVenues(cfg *config.Config) (Venues, *paper.Maker, *paper.Hedge) {
	m := paper.NewMaker(cfg.Paper.BaseBalance, cfg.Paper.QuoteBalance)
	h := paper.NewHedge(cfg.Paper.StartPrice)
	return Venues{Maker: m, Hedge: h}, m, h
}

// App 运行时
type App struct {
	cfg    *config.Config
	venues Venues

	makerRetry *retry.Supervisor
	hedgeRetry *retry.Supervisor
	breaker    *risk.CircuitBreaker
	alerts     *alert.Dispatcher

	kv      *kvstore.Store
	journal *journal.Journal

	prices  *pricefeed.Aggregator
	streams []*pricefeed.StreamSource

	ledger     *ledger.Ledger
	quotes     *quote.Engine
	hedger     *hedge.Engine
	reconciler *reconcile.Reconciler

	control *server.Server
	metrics *http.Server

	// dry-run 撮合
	paperMaker *paper.Maker
	paperHedge *paper.Hedge

	group       *syncgroup.SyncGroup
	runCancel   context.CancelFunc
	alertCancel context.CancelFunc
	shutdown    *shutdown.Manager
	snapshotAt  time.Time

	// 做市余额核对：连续不一致次数
	balanceMismatch int
	lastFills       int64
}

// New 创建运行时（不访问交易所）
func New(cfg *config.Config, venues Venues) (*App, error) {
	if venues.Maker == nil || venues.Hedge == nil {
		return nil, errors.New("maker and hedge venues are required")
	}
	a := &App{
		cfg:      cfg,
		venues:   venues,
		group:    syncgroup.NewSyncGroup(),
		shutdown: shutdown.NewManager(),
	}
	if m, ok := venues.Maker.(*paper.Maker); ok {
		a.paperMaker = m
	}
	if h, ok := venues.Hedge.(*paper.Hedge); ok {
		a.paperHedge = h
	}

	policy := retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BackoffBase,
		MaxDelay:       cfg.Retry.BackoffMax,
		MaxWait:        cfg.Retry.MaxWait,
		Multiplier:     cfg.Retry.Multiplier,
		Jitter:         cfg.Retry.Jitter,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
	}
	// 两个交易所各自限速
	a.makerRetry = retry.New(policy, retry.WithRateLimiter(ratelimit.NewTokenBucket(cfg.Retry.RateLimit, cfg.Retry.RateBurst)))
	a.hedgeRetry = retry.New(policy, retry.WithRateLimiter(ratelimit.NewTokenBucket(cfg.Retry.RateLimit, cfg.Retry.RateBurst)))

	a.breaker = risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
		MaxConsecutiveErrors: cfg.Breaker.MaxConsecutiveErrors,
		DailyLossLimit:       cfg.Breaker.DailyLossLimit,
	})
	a.alerts = alert.NewDispatcher(alert.Options{
		Buffer:   cfg.Alert.Buffer,
		Cooldown: cfg.Alert.Cooldown,
		Timeout:  cfg.Alert.Timeout,
	}, alert.LogNotifier{})

	prices, streams, err := PriceFeed(cfg, venues.Hedge)
	if err != nil {
		return nil, err
	}
	a.prices = prices
	a.streams = streams
	return a, nil
}

// PriceFeed 按配置创建价格源并聚合；未配置时 dry-run 使用随机游走，实盘使用对冲交易所中间价。
// 返回的 StreamSource 需要调用方 Run。
func PriceFeed(cfg *config.Config, hv ports.MidGetter) (*pricefeed.Aggregator, []*pricefeed.StreamSource, error) {
	specs := cfg.Price.Sources
	if len(specs) == 0 {
		kind := "hedge_mid"
		if cfg.DryRun {
			kind = "random_walk"
		}
		specs = []config.PriceSourceConfig{{Kind: kind}}
	}

	var (
		sources []pricefeed.Source
		streams []*pricefeed.StreamSource
	)
	for i, s := range specs {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", s.Kind, i)
		}
		switch s.Kind {
		case "http":
			u, err := url.Parse(s.URL)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "price source %s", name)
			}
			params := map[string]any{}
			for k, v := range u.Query() {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}
			client := httpclient.NewClient(u.Scheme+"://"+u.Host, httpclient.Options{Timeout: cfg.Retry.AttemptTimeout})
			sources = append(sources, pricefeed.NewHTTPSource(name, client, u.Path, s.Path, params))
		case "ws":
			st := pricefeed.NewStreamSource(pricefeed.StreamConfig{
				Name:      name,
				URL:       s.URL,
				Subscribe: s.Subscribe,
				Path:      s.Path,
				Match:     s.Match,
			})
			sources = append(sources, st)
			streams = append(streams, st)
		case "hedge_mid":
			if hv == nil {
				return nil, nil, fmt.Errorf("price source %s needs a hedge venue", name)
			}
			sources = append(sources, pricefeed.NewHedgeMidSource(hv))
		case "random_walk":
			sources = append(sources, pricefeed.NewRandomWalk(cfg.Paper.StartPrice, cfg.Paper.Volatility, cfg.Paper.Seed))
		default:
			return nil, nil, fmt.Errorf("unknown price source kind %q", s.Kind)
		}
	}
	return pricefeed.NewAggregator(cfg.Price.MaxAge, sources...), streams, nil
}

// quoteView 控制面只读视图
type quoteView struct{ e *quote.Engine }

func (v quoteView) Quotes() []*domain.Quote { return v.e.Book().Quotes() }
func (v quoteView) Mode() string            { return string(v.e.Mode()) }

// Start 撤掉遗留挂单，读取交易所余额初始化账本，然后启动全部循环
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Storage.StateDir != "" {
		key, err := kvstore.ParseKey(cfg.Storage.EncryptionKey)
		if err != nil {
			return errors.Wrap(err, "state encryption key")
		}
		a.kv, err = kvstore.Open(kvstore.OpenOptions{Path: cfg.Storage.StateDir, EncryptionKey: key})
		if err != nil {
			return errors.Wrap(err, "open state store")
		}
	}
	if cfg.Storage.JournalPath != "" {
		j, err := journal.Open(cfg.Storage.JournalPath)
		if err != nil {
			a.closeStores()
			return err
		}
		a.journal = j
	}

	// 上次运行遗留的挂单先撤掉，之后余额快照不会再被它们的成交改变
	if _, left, err := quote.CancelOpenOrders(ctx, a.venues.Maker, a.makerRetry); err != nil || left > 0 {
		appLog.Warnf("⚠️ 启动撤单未完成: 剩余=%d err=%v", left, err)
	}

	bal, err := retry.Value(ctx, a.makerRetry, "maker_balance", a.venues.Maker.Balance)
	if err != nil {
		a.closeStores()
		return errors.Wrap(err, "read maker balance")
	}
	pos, err := retry.Value(ctx, a.hedgeRetry, "hedge_position", a.venues.Hedge.Position)
	if err != nil {
		a.closeStores()
		return errors.Wrap(err, "read hedge position")
	}
	// 早于快照的成交已计入余额
	a.snapshotAt = time.Now()
	a.ledger = ledger.New(ledger.Start{
		MakerBase:     bal.Base,
		MakerTarget:   cfg.Maker.BaseInventoryTarget,
		HedgePosition: pos,
	})
	appLog.Infof("✅ 启动余额: maker base=%s quote=%s target=%s hedge=%s net=%s",
		bal.Base, bal.Quote, cfg.Maker.BaseInventoryTarget, pos, a.ledger.Net())

	a.quotes = quote.NewEngine(quoteConfig(cfg), quote.Deps{
		Venue:   a.venues.Maker,
		Prices:  a.prices,
		Ledger:  a.ledger,
		Retry:   a.makerRetry,
		Breaker: a.breaker,
		Alerts:  a.alerts,
	})

	hedgeDeps := hedge.Deps{
		Venue:   a.venues.Hedge,
		Ledger:  a.ledger,
		Retry:   a.hedgeRetry,
		Breaker: a.breaker,
		Alerts:  a.alerts,
	}
	if a.journal != nil {
		hedgeDeps.Journal = a.journal
	}
	a.hedger = hedge.NewEngine(hedgeConfig(cfg), hedgeDeps)

	var store reconcile.Store
	if a.kv != nil {
		store = reconcile.NewBadgerStore(a.kv, cfg.Reconcile.Retention)
	} else {
		store = reconcile.NewMemoryStore(cfg.Reconcile.Retention)
	}
	recDeps := reconcile.Deps{
		Venue:    a.venues.Maker,
		Ledger:   a.ledger,
		Book:     a.quotes.Book(),
		Store:    store,
		Retry:    a.makerRetry,
		Handlers: []ports.FillHandler{a.hedger},
	}
	if a.journal != nil {
		recDeps.Journal = a.journal
	}
	recCfg := reconcile.Config{
		PollInterval: cfg.Reconcile.PollInterval,
		MakerFeeBps:  cfg.Reconcile.MakerFeeBps,
	}
	if cfg.Reconcile.SkipHistorical {
		recCfg.SkipBefore = a.snapshotAt
	}
	a.reconciler, err = reconcile.New(recCfg, recDeps)
	if err != nil {
		a.closeStores()
		return err
	}

	alertCtx, alertCancel := context.WithCancel(context.Background())
	a.alertCancel = alertCancel
	go a.alerts.Run(alertCtx)

	runCtx, runCancel := context.WithCancel(ctx)
	a.runCancel = runCancel

	a.prices.Subscribe(a.quotes.OnFairValue)
	if a.paperMaker != nil {
		a.prices.Subscribe(a.paperMatch)
	}

	for _, st := range a.streams {
		a.group.Go("stream:"+st.Name(), func() { st.Run(runCtx) })
	}
	a.group.Go("pricefeed", func() { a.prices.Run(runCtx, cfg.Price.PollInterval) })
	a.group.Go("reconcile", func() { a.reconciler.Run(runCtx) })
	a.group.Go("hedge", func() { a.hedger.Run(runCtx) })
	a.group.Go("quote", func() { a.quotes.Run(runCtx) })
	if cfg.Hedge.PositionCheckInterval > 0 {
		a.group.Go("account", func() { a.runAccountCheck(runCtx, cfg.Hedge.PositionCheckInterval) })
	}

	if cfg.MetricsAddr != "" {
		srv, err := metrics.StartAsync(runCtx, cfg.MetricsAddr, a.ready)
		if err != nil {
			appLog.Warnf("⚠️ metrics server 启动失败: %v", err)
		} else {
			a.metrics = srv
		}
	}
	if cfg.ControlAddr != "" {
		deps := server.Deps{
			Ledger:  a.ledger,
			Quotes:  quoteView{a.quotes},
			Hedges:  a.hedger,
			Breaker: a.breaker,
		}
		if a.journal != nil {
			deps.Journal = a.journal
		}
		a.control = server.New(deps)
		a.control.StartAsync(cfg.ControlAddr)
	}

	a.registerShutdown()
	appLog.Infof("✅ 启动完成: dry_run=%v", cfg.DryRun)
	return nil
}

func (a *App) runAccountCheck(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := a.checkMakerBalance(ctx); err != nil && ctx.Err() == nil {
			appLog.Warnf("⚠️ 做市余额核对失败: %v", err)
		}
	}
}

// checkMakerBalance 做市交易所余额与账本做市分量比对。成交回报可能滞后，所以只告警不修正：
// 在没有新成交入账的情况下连续两次不一致才告警。
func (a *App) checkMakerBalance(ctx context.Context) error {
	bal, err := retry.Value(ctx, a.makerRetry, "maker_balance", a.venues.Maker.Balance)
	if err != nil {
		return err
	}
	snap := a.ledger.Snapshot()
	venueMaker := bal.Base.Sub(a.cfg.Maker.BaseInventoryTarget)
	diff := venueMaker.Sub(snap.Maker)
	if diff.IsZero() {
		a.balanceMismatch = 0
		a.lastFills = snap.Fills
		return nil
	}
	if snap.Fills != a.lastFills {
		a.lastFills = snap.Fills
		a.balanceMismatch = 1
		return nil
	}
	a.balanceMismatch++
	if a.balanceMismatch == 2 {
		a.alerts.Firef(alert.KindDrift, "maker_balance", map[string]any{
			"venue":  venueMaker.String(),
			"ledger": snap.Maker.String(),
		}, "做市交易所余额与账本不一致: venue=%s ledger=%s diff=%s", venueMaker, snap.Maker, diff)
	}
	return nil
}

// 就绪检查要求常驻的循环
var coreLoops = []string{"pricefeed", "reconcile", "hedge", "quote"}

// ready 就绪检查：循环都在运行且没有 panic、未熔断、公允价新鲜、报价未暂停
func (a *App) ready() error {
	if p := a.group.Panics(); len(p) > 0 {
		return fmt.Errorf("%d loop panic(s), last: %v", len(p), p[len(p)-1])
	}
	running := a.group.Running()
	for _, name := range coreLoops {
		if running[name] == 0 {
			return fmt.Errorf("%s loop not running", name)
		}
	}
	if err := a.breaker.AllowTrading(); err != nil {
		return err
	}
	if r := a.prices.Last(); !r.Fresh(time.Now(), a.cfg.Quote.MaxPriceAge) {
		return errors.New("fair value stale")
	}
	switch m := a.quotes.Mode(); m {
	case quote.ModePaused, quote.ModeStale, quote.ModeStopped:
		return fmt.Errorf("quoting %s", m)
	}
	return nil
}

// paperMatch dry-run：公允价穿过挂单即成交，对冲交易所中间价跟随公允价
func (a *App) paperMatch(r domain.Reading) {
	if a.paperHedge != nil {
		a.paperHedge.SetMid(r.Price)
	}
	if fills := a.paperMaker.Cross(r.Price); len(fills) > 0 {
		appLog.Debugf("📝 模拟成交 %d 笔 @ %s", len(fills), r.Price)
	}
}

func quoteConfig(cfg *config.Config) quote.Config {
	q := cfg.Quote
	return quote.Config{
		Params: quote.Params{
			SpreadBase:         q.SpreadBase,
			SkewFactor:         q.SpreadSkewFactor,
			SkewShiftFactor:    q.SkewShiftFactor,
			SkewShiftThreshold: q.SkewShiftThreshold,
			QuoteSize:          q.QuoteSize,
			MinQuoteSize:       q.MinQuoteSize,
			MaxInventory:       q.MaxInventory,
			SizeTaper:          q.SizeTaper,
			PriceTick:          q.PriceTick,
			SizeStep:           q.SizeStep,
		},
		TickInterval:        q.TickInterval,
		DriftInterval:       q.DriftCheckInterval,
		MaxPriceAge:         q.MaxPriceAge,
		MinPriceDelta:       q.MinPriceDelta,
		MinSizeDelta:        q.MinSizeDelta,
		RepriceThreshold:    q.RepriceThreshold,
		HedgeDownPolicy:     quote.DegradePolicy(q.HedgeDownPolicy),
		HedgeDownMultiplier: q.HedgeDownMultiple,
		MaxUnhedged:         q.MaxUnhedged,
	}
}

func hedgeConfig(cfg *config.Config) hedge.Config {
	h := cfg.Hedge
	return hedge.Config{
		SlippageTolerance:     h.SlippageTolerance,
		TimeInForce:           domain.TimeInForce(h.TimeInForce),
		MaxSubmitRounds:       h.MaxSubmitRounds,
		PollInterval:          h.PollInterval,
		StatusPoll:            h.StatusPollInterval,
		FillTimeout:           h.FillTimeout,
		SizeDecimals:          h.SizeDecimals,
		PriceSigFigs:          h.PriceSigFigs,
		MaxQueueDepth:         h.MaxQueueDepth,
		MaxHedgeAge:           h.MaxHedgeAge,
		MaxUnhedged:           cfg.Quote.MaxUnhedged,
		AutoRequeueAfter:      h.AutoRequeueAfter,
		PositionCheckInterval: h.PositionCheckInterval,
	}
}

// registerShutdown 关闭顺序：停止循环 → 撤单 → 未对冲敞口告警 → 关闭服务与存储
func (a *App) registerShutdown() {
	a.shutdown.OnShutdown("stop",
		func(context.Context) error {
			a.quotes.Stop()
			a.hedger.Stop()
			a.runCancel()
			a.group.Wait()
			return nil
		},
	)
	a.shutdown.OnShutdown("cancel_quotes", func(ctx context.Context) error {
		left, err := a.quotes.CancelAll(ctx)
		if err != nil {
			return err
		}
		if left > 0 {
			return fmt.Errorf("%d maker orders still open", left)
		}
		return nil
	})
	a.shutdown.OnShutdown("residual", func(ctx context.Context) error {
		a.reportResidual()
		a.alertCancel()
		select {
		case <-a.alerts.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	a.shutdown.OnShutdown("close",
		func(ctx context.Context) error {
			if a.control == nil {
				return nil
			}
			return a.control.Shutdown(ctx)
		},
		func(ctx context.Context) error {
			if a.metrics == nil {
				return nil
			}
			return a.metrics.Shutdown(ctx)
		},
		func(context.Context) error {
			a.closeStores()
			return nil
		},
	)
}

// reportResidual 退出时仍有未对冲数量则告警，交由人工处理
func (a *App) reportResidual() {
	snap := a.ledger.Snapshot()
	fields := map[string]any{
		"net":         snap.Net.String(),
		"unhedged":    snap.Unhedged.String(),
		"queue_depth": snap.QueueDepth,
		"failed":      snap.Failed,
	}
	if snap.Unhedged.IsZero() && snap.Net.IsZero() {
		appLog.WithFields(logrus.Fields(fields)).Info("✅ 退出时无未对冲敞口")
		return
	}
	a.alerts.Firef(alert.KindShutdownResidual, "shutdown", fields,
		"退出时仍有未对冲敞口: net=%s unhedged=%s 未完成请求=%d", snap.Net, snap.Unhedged, snap.QueueDepth)
}

func (a *App) closeStores() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			appLog.Warnf("⚠️ 关闭交易日志失败: %v", err)
		}
		a.journal = nil
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			appLog.Warnf("⚠️ 关闭状态库失败: %v", err)
		}
		a.kv = nil
	}
}

// Shutdown 按顺序优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	return a.shutdown.Shutdown(ctx)
}

// Ledger 账本（测试与运维查询用）
func (a *App) Ledger() *ledger.Ledger { return a.ledger }
