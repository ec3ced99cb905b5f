// Package quote 做市侧报价引擎：按公允价与库存偏斜计算目标买卖价，
// 以“先撤后挂”的方式与交易所上的挂单对齐，并定期用交易所视图修正本地报价记录。
package quote

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/betbot/crossmm/internal/alert"
	"github.com/betbot/crossmm/internal/domain"
	"github.com/betbot/crossmm/internal/ledger"
	"github.com/betbot/crossmm/internal/metrics"
	"github.com/betbot/crossmm/internal/ports"
	"github.com/betbot/crossmm/internal/retry"
	"github.com/betbot/crossmm/internal/risk"
	"github.com/betbot/crossmm/internal/venue"
	"github.com/betbot/crossmm/pkg/sigchan"
	"github.com/betbot/crossmm/pkg/syncgroup"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var quoteLog = logrus.WithField("component", "quote")

// DegradePolicy 对冲侧不可用（或未对冲敞口超限）时的报价策略
type DegradePolicy string

const (
	DegradeWiden DegradePolicy = "widen"
	DegradePause DegradePolicy = "pause"
)

// Mode 当前报价模式
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeWidened Mode = "widened"
	ModePaused  Mode = "paused"
	ModeStale   Mode = "stale" // 公允价不可用/过期
	ModeStopped Mode = "stopped"
)

// Config 报价引擎配置
type Config struct {
	Params

	TickInterval     time.Duration
	DriftInterval    time.Duration
	MaxPriceAge      time.Duration
	MinPriceDelta    decimal.Decimal
	MinSizeDelta     decimal.Decimal
	RepriceThreshold decimal.Decimal // 公允价相对变化超过该值立即触发一次报价

	HedgeDownPolicy     DegradePolicy
	HedgeDownMultiplier decimal.Decimal
	MaxUnhedged         decimal.Decimal // 0 表示不限制
}

// MakerOps 报价引擎需要的做市交易所能力
type MakerOps interface {
	ports.OrderPlacer
	ports.OrderCanceler
	ports.OpenOrderLister
}

// Engine 报价引擎
type Engine struct {
	cfg     Config
	venue   MakerOps
	prices  ports.PriceSource
	ledger  *ledger.Ledger
	book    *Book
	sup     *retry.Supervisor
	breaker *risk.CircuitBreaker
	alerts  alert.Sink
	guard   *InFlightDeduper
	trigger *sigchan.Chan

	mu     sync.Mutex
	lastFV decimal.Decimal
	mode   Mode

	stopped atomic.Bool
}

// Deps 依赖
type Deps struct {
	Venue   MakerOps
	Prices  ports.PriceSource
	Ledger  *ledger.Ledger
	Book    *Book
	Retry   *retry.Supervisor
	Breaker *risk.CircuitBreaker
	Alerts  alert.Sink
}

func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.HedgeDownPolicy == "" {
		cfg.HedgeDownPolicy = DegradeWiden
	}
	if !cfg.HedgeDownMultiplier.IsPositive() {
		cfg.HedgeDownMultiplier = decimal.NewFromInt(2)
	}
	book := deps.Book
	if book == nil {
		book = NewBook()
	}
	alerts := deps.Alerts
	if alerts == nil {
		alerts = alert.NewDispatcher(alert.Options{})
	}
	return &Engine{
		cfg:     cfg,
		venue:   deps.Venue,
		prices:  deps.Prices,
		ledger:  deps.Ledger,
		book:    book,
		sup:     deps.Retry,
		breaker: deps.Breaker,
		alerts:  alerts,
		guard:   NewInFlightDeduper(time.Minute),
		trigger: sigchan.New(1),
		mode:    ModeNormal,
	}
}

// Book 共享报价簿
func (e *Engine) Book() *Book { return e.book }

// Mode 当前模式
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Stop 停止发出新报价（已有挂单由 CancelAll 处理）
func (e *Engine) Stop() {
	if !e.stopped.Swap(true) {
		e.setMode(ModeStopped, "shutdown")
	}
}

// OnFairValue 公允价推送：相对上次报价时的公允价变化超过阈值时立即触发一次报价
func (e *Engine) OnFairValue(r domain.Reading) {
	if !e.cfg.RepriceThreshold.IsPositive() {
		return
	}
	e.mu.Lock()
	last := e.lastFV
	e.mu.Unlock()
	if !last.IsPositive() {
		return
	}
	if r.Price.Sub(last).Abs().Div(last).GreaterThan(e.cfg.RepriceThreshold) {
		e.trigger.Emit()
	}
}

// Run 报价循环：固定间隔 tick + 公允价变化触发 + 定期漂移检查
func (e *Engine) Run(ctx context.Context) {
	tick := time.NewTicker(e.cfg.TickInterval)
	defer tick.Stop()

	var driftC <-chan time.Time
	if e.cfg.DriftInterval > 0 {
		drift := time.NewTicker(e.cfg.DriftInterval)
		defer drift.Stop()
		driftC = drift.C
	}

	quoteLog.Infof("✅ 报价循环启动: tick=%s drift=%s", e.cfg.TickInterval, e.cfg.DriftInterval)
	e.safe(ctx, "cycle", e.Cycle)
	for {
		select {
		case <-ctx.Done():
			quoteLog.Info("🛑 报价循环退出")
			return
		case <-tick.C:
			e.safe(ctx, "cycle", e.Cycle)
		case <-e.trigger.C():
			e.safe(ctx, "cycle", e.Cycle)
		case <-driftC:
			e.safe(ctx, "drift", e.CheckDrift)
		}
	}
}

func (e *Engine) safe(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			quoteLog.Errorf("❌ %s panic: %v\n%s", name, r, debug.Stack())
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		quoteLog.Warnf("%s 失败: %v", name, err)
	}
}

// Cycle 执行一次报价周期
func (e *Engine) Cycle(ctx context.Context) error {
	if e.stopped.Load() {
		return nil
	}
	metrics.QuoteCycles.Add(1)

	reading, err := e.prices.FairValue(ctx)
	if err == nil && !reading.Fresh(time.Now(), e.cfg.MaxPriceAge) {
		err = fmt.Errorf("fair value stale: at=%s", reading.At.Format(time.RFC3339))
	}
	if err != nil {
		metrics.QuoteCycleSkips.Add(1)
		if e.setMode(ModeStale, err.Error()) {
			e.alerts.Fire(alert.Alert{Kind: alert.KindPriceStale, Message: fmt.Sprintf("公允价不可用，撤下全部报价: %v", err)})
		}
		e.pullAll(ctx, "price_stale")
		return err
	}

	snap := e.ledger.Snapshot()
	mode, params := e.evaluate(snap)
	if mode == ModePaused {
		e.pullAll(ctx, "paused")
		return nil
	}

	bid, ask := Targets(reading.Price, snap.Net, params)
	g := syncgroup.NewSyncGroup()
	g.Go("quote-bid", func() { e.reconcileSide(ctx, bid) })
	g.Go("quote-ask", func() { e.reconcileSide(ctx, ask) })
	g.Wait()

	e.mu.Lock()
	e.lastFV = reading.Price
	e.mu.Unlock()
	return nil
}

// evaluate 根据对冲侧健康度与未对冲敞口决定报价模式
func (e *Engine) evaluate(snap ledger.Snapshot) (Mode, Params) {
	params := e.cfg.Params
	var reasons []string
	halted := e.breaker.Halted()
	switch {
	case halted:
		reasons = append(reasons, "trading halted")
	case e.breaker.AllowTrading() != nil:
		reasons = append(reasons, "hedge venue unavailable")
	}
	if e.cfg.MaxUnhedged.IsPositive() && snap.Unhedged.GreaterThan(e.cfg.MaxUnhedged) {
		reasons = append(reasons, fmt.Sprintf("unhedged %s > %s", snap.Unhedged, e.cfg.MaxUnhedged))
	}
	if len(reasons) == 0 {
		if e.setMode(ModeNormal, "healthy") {
			quoteLog.Info("✅ 报价恢复正常")
		}
		return ModeNormal, params
	}

	// 熔断期间对冲引擎不提交任何订单，两侧都撤下
	mode := ModeWidened
	if halted || e.cfg.HedgeDownPolicy == DegradePause {
		mode = ModePaused
	} else {
		params.SpreadMultiplier = e.cfg.HedgeDownMultiplier
	}
	if e.setMode(mode, fmt.Sprint(reasons)) {
		e.alerts.Fire(alert.Alert{
			Kind:    alert.KindVenueDegraded,
			Message: fmt.Sprintf("报价降级为 %s: %v", mode, reasons),
			Fields:  map[string]any{"unhedged": snap.Unhedged.String()},
		})
	}
	return mode, params
}

// setMode 返回模式是否发生变化
func (e *Engine) setMode(m Mode, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == m || e.mode == ModeStopped {
		return false
	}
	quoteLog.Warnf("⚠️ 报价模式 %s -> %s (%s)", e.mode, m, reason)
	e.mode = m
	return true
}

func sideKey(s domain.Side) string { return "side:" + string(s) }

// reconcileSide 把某一侧对齐到目标报价
func (e *Engine) reconcileSide(ctx context.Context, t domain.Target) {
	key := sideKey(t.Side)
	if err := e.guard.TryAcquire(key); err != nil {
		return
	}
	defer e.guard.Release(key)

	cur := e.book.Live(t.Side)
	if cur != nil && cur.Status != domain.QuoteResting {
		// 上一次操作结果未知，等待漂移检查处理
		return
	}
	if !NeedsReplace(cur, t, e.cfg.MinPriceDelta, e.cfg.MinSizeDelta) {
		return
	}
	if cur != nil && !e.cancelSide(ctx, t.Side, "replace") {
		// 撤单未确认：旧报价继续挂着，不挂新单
		return
	}
	if t.Empty() || e.stopped.Load() {
		return
	}
	e.place(ctx, t)
}

// cancelSide 撤掉某侧 resting 报价。返回该侧是否已没有 live 报价。
func (e *Engine) cancelSide(ctx context.Context, side domain.Side, reason string) bool {
	q := e.book.BeginCancel(side)
	if q == nil {
		return e.book.Live(side) == nil
	}
	err := e.sup.Do(ctx, "cancel_order", func(ctx context.Context) error {
		err := e.venue.CancelOrder(ctx, q.OrderID)
		if venue.IsNotFound(err) {
			// 已成交或已撤：都意味着不再挂在交易所上
			return nil
		}
		return err
	})
	log := quoteLog.WithFields(logrus.Fields{"side": side, "order_id": q.OrderID})
	if err != nil {
		e.book.CancelFailed(q.ID, err.Error())
		metrics.QuoteEvents.WithLabelValues(string(side), "cancel_failed").Inc()
		log.Errorf("❌ 撤单失败，旧报价保留: %v", err)
		if retry.IsExhausted(err) {
			e.alerts.Fire(alert.Alert{Kind: alert.KindRetriesExhausted, Key: "cancel:" + string(side),
				Message: fmt.Sprintf("%s 撤单重试耗尽: %v", side, err)})
		}
		return false
	}
	e.book.Cancelled(q.ID, reason)
	e.ledger.SetResting(side, decimal.Zero)
	metrics.QuoteEvents.WithLabelValues(string(side), "cancelled").Inc()
	log.Debugf("撤单完成 (%s)", reason)
	return true
}

func (e *Engine) place(ctx context.Context, t domain.Target) {
	size := e.ledger.ReserveResting(t.Side, t.Size, e.cfg.MaxInventory)
	if !size.IsPositive() || size.LessThan(e.cfg.MinQuoteSize) {
		e.ledger.ReleaseResting(t.Side, size)
		return
	}
	t.Size = size
	q, err := e.book.BeginPlace(t)
	if err != nil {
		e.ledger.ReleaseResting(t.Side, size)
		return
	}

	log := quoteLog.WithFields(logrus.Fields{"side": t.Side, "price": t.Price.String(), "size": t.Size.String()})
	// 下单不是幂等的：超时/5xx 之后订单可能已经挂上，重试前先按 (side, price, size) 在交易所查找
	var uncertain, recovered bool
	orderID, err := retry.Value(ctx, e.sup, "place_order", func(ctx context.Context) (string, error) {
		if uncertain {
			id, found, err := e.findPlaced(ctx, t)
			if err != nil {
				return "", err
			}
			if found {
				recovered = true
				return id, nil
			}
		}
		id, err := e.venue.PlaceOrder(ctx, t.Side, t.Price, t.Size)
		if err != nil && venue.KindOf(err).Ambiguous() {
			uncertain = true
		}
		return id, err
	})
	if err != nil && uncertain && ctx.Err() == nil {
		// 重试耗尽时最后一次结果仍未知
		lookupCtx, cancel := ctx, context.CancelFunc(func() {})
		if d := e.sup.Policy().AttemptTimeout; d > 0 {
			lookupCtx, cancel = context.WithTimeout(ctx, d)
		}
		if id, found, ferr := e.findPlaced(lookupCtx, t); ferr == nil && found {
			orderID, err, recovered = id, nil, true
		}
		cancel()
	}
	if recovered {
		metrics.QuoteEvents.WithLabelValues(string(t.Side), "recovered").Inc()
		log.WithField("order_id", orderID).Warnf("⚠️ 下单确认丢失，在交易所找到对应挂单，直接认领")
	}
	if err != nil {
		_ = e.book.Rejected(q.ID, err.Error())
		e.ledger.SetResting(t.Side, decimal.Zero)
		metrics.QuoteEvents.WithLabelValues(string(t.Side), "rejected").Inc()
		log.Errorf("❌ 挂单失败，标记 rejected，另一侧继续报价: %v", err)
		kind := alert.KindRetriesExhausted
		if retry.IsTerminal(err) {
			kind = alert.KindVenueDegraded
		}
		e.alerts.Fire(alert.Alert{Kind: kind, Key: "place:" + string(t.Side),
			Message: fmt.Sprintf("%s 挂单失败: %v", t.Side, err)})
		return
	}
	if err := e.book.Placed(q.ID, orderID); err != nil {
		log.Warnf("挂单确认时本地报价已不存在: %v", err)
		return
	}
	metrics.QuoteEvents.WithLabelValues(string(t.Side), "placed").Inc()
	log.WithField("order_id", orderID).Infof("📝 挂单")
}

// findPlaced 在交易所挂单中查找与目标一致且本地未登记的订单
func (e *Engine) findPlaced(ctx context.Context, t domain.Target) (string, bool, error) {
	orders, err := e.venue.ListOpenOrders(ctx)
	if err != nil {
		return "", false, err
	}
	known := e.book.LiveOrders()
	for _, o := range orders {
		if _, ok := known[o.OrderID]; ok {
			continue
		}
		// 部分成交后交易所报告的是剩余量
		if o.Side == t.Side && o.Price.Equal(t.Price) && o.Size.IsPositive() && o.Size.LessThanOrEqual(t.Size) {
			return o.OrderID, true, nil
		}
	}
	return "", false, nil
}

// pullAll 撤掉两侧报价
func (e *Engine) pullAll(ctx context.Context, reason string) {
	for _, s := range domain.Sides {
		key := sideKey(s)
		if e.guard.TryAcquire(key) != nil {
			continue
		}
		e.cancelSide(ctx, s, reason)
		e.guard.Release(key)
	}
}

// CheckDrift 以交易所挂单视图为准修正本地报价记录
func (e *Engine) CheckDrift(ctx context.Context) error {
	orders, err := retry.Value(ctx, e.sup, "list_open_orders", e.venue.ListOpenOrders)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	atVenue := make(map[string]domain.VenueOrder, len(orders))
	for _, o := range orders {
		atVenue[o.OrderID] = o
	}

	for _, s := range domain.Sides {
		key := sideKey(s)
		if e.guard.TryAcquire(key) != nil {
			continue
		}
		e.driftSide(ctx, s, atVenue)
		e.guard.Release(key)
	}
	return nil
}

func (e *Engine) driftSide(ctx context.Context, side domain.Side, atVenue map[string]domain.VenueOrder) {
	local := e.book.Live(side)
	if local != nil && local.Status == domain.QuotePendingPlacement {
		return
	}
	if local != nil && local.OrderID != "" {
		vo, ok := atVenue[local.OrderID]
		if !ok {
			e.book.Cancelled(local.ID, "missing_at_venue")
			e.ledger.SetResting(side, decimal.Zero)
			e.drift(side, local.OrderID, "本地报价在交易所不存在，标记为 cancelled")
			local = nil
		} else if e.book.SyncRemaining(local.OrderID, vo.Size) {
			e.ledger.SetResting(side, vo.Size)
			quoteLog.WithFields(logrus.Fields{"side": side, "order_id": local.OrderID}).
				Warnf("⚠️ 剩余量与交易所不一致，修正为 %s", vo.Size)
		}
	}

	for id, vo := range atVenue {
		if vo.Side != side || (local != nil && id == local.OrderID) {
			continue
		}
		if local == nil && !e.stopped.Load() {
			if q, err := e.book.Adopt(vo); err == nil {
				local = q
				e.ledger.SetResting(side, vo.Size)
				e.drift(side, id, "交易所存在未知挂单，已收编")
				continue
			}
		}
		err := e.sup.Do(ctx, "cancel_order", func(ctx context.Context) error {
			err := e.venue.CancelOrder(ctx, id)
			if venue.IsNotFound(err) {
				return nil
			}
			return err
		})
		if err != nil {
			e.drift(side, id, fmt.Sprintf("多余挂单撤销失败: %v", err))
			continue
		}
		e.drift(side, id, "交易所存在多余挂单，已撤销")
	}
}

func (e *Engine) drift(side domain.Side, orderID, msg string) {
	quoteLog.WithFields(logrus.Fields{"side": side, "order_id": orderID}).Warnf("⚠️ 漂移: %s", msg)
	metrics.QuoteEvents.WithLabelValues(string(side), "drift").Inc()
	e.alerts.Fire(alert.Alert{Kind: alert.KindDrift, Key: orderID, Message: msg,
		Fields: map[string]any{"side": string(side), "order_id": orderID}})
}

// CancelAll 撤掉交易所上全部挂单（关闭前撤单）。返回仍未撤掉的订单数。
func (e *Engine) CancelAll(ctx context.Context) (int, error) {
	for _, s := range domain.Sides {
		e.cancelSide(ctx, s, "cancel_all")
	}
	cancelled, left, err := CancelOpenOrders(ctx, e.venue, e.sup)
	live := e.book.LiveOrders()
	for _, id := range cancelled {
		if q, ok := live[id]; ok {
			e.book.Cancelled(q.ID, "cancel_all")
			e.ledger.SetResting(q.Side, decimal.Zero)
		}
	}
	return left, err
}

// OrderSweeper 撤单所需的交易所能力
type OrderSweeper interface {
	ports.OrderCanceler
	ports.OpenOrderLister
}

// CancelOpenOrders 按交易所挂单列表逐个撤单（启动时清理上次运行遗留的挂单也用它）。
// 返回已撤掉的订单 ID 与仍未撤掉的数量；列表读取失败时数量为 -1。
func CancelOpenOrders(ctx context.Context, v OrderSweeper, sup *retry.Supervisor) ([]string, int, error) {
	orders, err := retry.Value(ctx, sup, "list_open_orders", v.ListOpenOrders)
	if err != nil {
		return nil, -1, fmt.Errorf("list open orders: %w", err)
	}
	var (
		errs      []error
		cancelled []string
	)
	for _, o := range orders {
		id := o.OrderID
		err := sup.Do(ctx, "cancel_order", func(ctx context.Context) error {
			err := v.CancelOrder(ctx, id)
			if venue.IsNotFound(err) {
				return nil
			}
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cancelled = append(cancelled, id)
	}
	left := len(orders) - len(cancelled)
	if left == 0 {
		quoteLog.Infof("✅ 已撤销全部挂单 (%d)", len(orders))
	}
	return cancelled, left, errors.Join(errs...)
}
