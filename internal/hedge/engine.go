// Package hedge 按 FIFO 顺序消费对冲请求，在对冲交易所下可立即成交的限价单并跟踪执行。
package hedge

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
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var hedgeLog = logrus.WithField("component", "hedge")

var (
	// ErrNoProgress 连续多轮提交没有任何成交
	ErrNoProgress = errors.New("hedge made no progress")
	// ErrStopped 引擎已停止，不再提交新的对冲单
	ErrStopped = errors.New("hedge engine stopped")
)

// Config 对冲配置
type Config struct {
	SlippageTolerance decimal.Decimal
	TimeInForce       domain.TimeInForce
	MaxSubmitRounds   int
	PollInterval      time.Duration // 队列空闲时的检查间隔
	StatusPoll        time.Duration // GTC 订单状态轮询间隔
	FillTimeout       time.Duration // GTC 订单最长等待，超时撤销剩余
	SizeDecimals      int32
	PriceSigFigs      int32

	MaxQueueDepth int
	MaxHedgeAge   time.Duration
	MaxUnhedged   decimal.Decimal

	AutoRequeueAfter      time.Duration
	PositionCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TimeInForce == "" {
		c.TimeInForce = domain.TIFIOC
	}
	if c.MaxSubmitRounds <= 0 {
		c.MaxSubmitRounds = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StatusPoll <= 0 {
		c.StatusPoll = 500 * time.Millisecond
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = 10 * time.Second
	}
	if c.PriceSigFigs <= 0 {
		c.PriceSigFigs = 5
	}
	return c
}

// Deps 依赖
type Deps struct {
	Venue   ports.HedgeVenue
	Ledger  *ledger.Ledger
	Retry   *retry.Supervisor
	Breaker *risk.CircuitBreaker
	Alerts  alert.Sink
	Journal ports.HedgeRecorder
}

// Engine 对冲引擎。Drain/Run 只能在单个协程中执行。
type Engine struct {
	cfg     Config
	venue   ports.HedgeVenue
	ledger  *ledger.Ledger
	sup     *retry.Supervisor
	breaker *risk.CircuitBreaker
	alerts  alert.Sink
	journal ports.HedgeRecorder

	wake    *sigchan.Chan
	stopped atomic.Bool

	// 对冲订单 ID -> 已入账的成交量（状态查询返回累计值）
	applied map[string]decimal.Decimal

	mu              sync.Mutex
	backlogAlerted  bool
	unhedgedAlerted bool

	now func() time.Time
}

func NewEngine(cfg Config, deps Deps) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		venue:   deps.Venue,
		ledger:  deps.Ledger,
		sup:     deps.Retry,
		breaker: deps.Breaker,
		alerts:  deps.Alerts,
		journal: deps.Journal,
		wake:    sigchan.New(1),
		applied: make(map[string]decimal.Decimal),
		now:     time.Now,
	}
}

// OnFill 新成交入账后唤醒对冲循环
func (e *Engine) OnFill(context.Context, domain.Fill, *domain.HedgeRequest) {
	e.wake.Emit()
}

// Wake 手动唤醒（重新排队后）
func (e *Engine) Wake() { e.wake.Emit() }

// Stop 停止提交新的对冲单；在途订单的状态仍会被处理完
func (e *Engine) Stop() {
	if e.stopped.CompareAndSwap(false, true) {
		hedgeLog.Info("🛑 对冲引擎停止接收新请求")
	}
}

// Run 对冲循环：成交唤醒或定时检查时排空队列
func (e *Engine) Run(ctx context.Context) {
	idle := time.NewTicker(e.cfg.PollInterval)
	defer idle.Stop()

	var posC <-chan time.Time
	if e.cfg.PositionCheckInterval > 0 {
		pos := time.NewTicker(e.cfg.PositionCheckInterval)
		defer pos.Stop()
		posC = pos.C
	}

	hedgeLog.Infof("✅ 对冲循环启动: tif=%s tol=%s", e.cfg.TimeInForce, e.cfg.SlippageTolerance)
	for {
		select {
		case <-ctx.Done():
			hedgeLog.Info("🛑 对冲循环退出")
			return
		case <-e.wake.C():
		case <-idle.C:
			e.safe(ctx, "recovery_check", e.CheckRecovery)
			e.requeueFailed()
		case <-posC:
			e.safe(ctx, "position_check", e.CheckPosition)
			continue
		}
		e.safe(ctx, "drain", func(ctx context.Context) error {
			_, err := e.Drain(ctx)
			return err
		})
		e.CheckThresholds()
	}
}

func (e *Engine) safe(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			hedgeLog.Errorf("❌ %s panic: %v\n%s", name, r, debug.Stack())
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		hedgeLog.Warnf("%s: %v", name, err)
	}
}

// Drain 按 FIFO 处理队列直到为空、引擎停止或对冲交易所不可用。返回处理完成的请求数。
func (e *Engine) Drain(ctx context.Context) (int, error) {
	done := 0
	for ctx.Err() == nil && !e.stopped.Load() {
		req, ok := e.ledger.NextHedge()
		if !ok {
			return done, nil
		}
		if err := e.Process(ctx, req); err != nil {
			return done, err
		}
		done++
	}
	return done, ctx.Err()
}

// Process 执行单个请求直到确认或失败。返回 nil 表示请求已离开待处理状态（确认或失败）。
// 返回错误时请求仍在原 FIFO 位置等待下一次处理。
func (e *Engine) Process(ctx context.Context, req *domain.HedgeRequest) error {
	log := hedgeLog.WithFields(logrus.Fields{"hedge_id": req.ID, "fill_id": req.FillID})
	idle := 0
	for {
		cur, ok := e.ledger.Get(req.ID)
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownHedge, req.ID)
		}
		if cur.Status == domain.HedgeConfirmed || cur.Status == domain.HedgeFailed {
			return nil
		}

		var (
			exec domain.HedgeExecution
			err  error
		)
		if cur.Status == domain.HedgeSubmitted && cur.OrderID != "" {
			// 上一轮的订单仍在途：先跟踪它，不重复下单
			exec, err = e.track(ctx, cur, domain.HedgeExecution{OrderID: cur.OrderID, State: domain.ExecOpen})
		} else {
			qty := RoundQty(cur.Remaining, e.cfg.SizeDecimals)
			if qty.IsZero() {
				return e.closeResidual(cur, log)
			}
			if e.stopped.Load() {
				return ErrStopped
			}
			if e.breaker.Halted() {
				return risk.ErrCircuitBreakerOpen
			}
			exec, err = e.submit(ctx, cur, qty)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return e.fail(cur, err)
		}

		before := cur.Remaining
		updated, err := e.apply(ctx, cur, exec)
		if err != nil {
			return err
		}
		if exec.State.Done() {
			delete(e.applied, exec.OrderID)
		}
		if updated.Status == domain.HedgeConfirmed {
			metrics.HedgeEvents.WithLabelValues("confirmed").Inc()
			log.Infof("✅ 对冲完成: qty=%s avg=%s rounds=%d", updated.Filled, updated.AvgPrice, updated.Attempts)
			return nil
		}
		if !exec.State.Done() {
			// 撤单未确认，订单可能还会成交：保持 submitted，下次继续跟踪
			return fmt.Errorf("hedge order %s still %s", exec.OrderID, exec.State)
		}
		if err := e.ledger.ReleaseHedge(cur.ID); err != nil {
			return err
		}

		if updated.Remaining.Equal(before) {
			idle++
			metrics.HedgeEvents.WithLabelValues("no_fill").Inc()
			log.Warnf("⚠️ 对冲单 %s 未成交 (%s)，第 %d/%d 轮", exec.OrderID, exec.State, idle, e.cfg.MaxSubmitRounds)
			if idle >= e.cfg.MaxSubmitRounds {
				return e.fail(updated, fmt.Errorf("%w after %d rounds (last state %s)", ErrNoProgress, idle, exec.State))
			}
		} else {
			idle = 0
			metrics.HedgeEvents.WithLabelValues("partial").Inc()
			log.Infof("📝 对冲部分成交，剩余 %s 重新提交", updated.Remaining)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// submit 取中间价、计算限价并提交（均经过重试监督）
func (e *Engine) submit(ctx context.Context, cur *domain.HedgeRequest, qty decimal.Decimal) (domain.HedgeExecution, error) {
	mid, err := retry.Value(ctx, e.sup, "hedge_mid", e.venue.Mid)
	if err != nil {
		e.breaker.OnError()
		return domain.HedgeExecution{}, err
	}
	// ClientID 在重试之间保持不变，交易所据此去重
	order := domain.HedgeOrder{
		ClientID:    uuid.NewString(),
		Quantity:    qty,
		Price:       LimitPrice(mid, cur.Side(), e.cfg.SlippageTolerance, e.cfg.PriceSigFigs),
		TimeInForce: e.cfg.TimeInForce,
	}
	exec, err := retry.Value(ctx, e.sup, "submit_hedge", func(ctx context.Context) (domain.HedgeExecution, error) {
		return e.venue.SubmitOrder(ctx, order)
	})
	if err != nil {
		if e.breaker.OnError() {
			hedgeLog.Errorf("🚨 对冲交易所连续失败，熔断打开")
		}
		return domain.HedgeExecution{}, err
	}
	e.healthy()
	if err := e.ledger.MarkHedgeSubmitted(cur.ID, exec.OrderID); err != nil {
		return exec, err
	}
	metrics.HedgeEvents.WithLabelValues("submitted").Inc()
	hedgeLog.WithField("hedge_id", cur.ID).Infof("📝 提交对冲单 %s %s@%s (%s) mid=%s", exec.OrderID, qty, order.Price, order.TimeInForce, mid)

	if exec.State.Done() {
		return exec, nil
	}
	return e.track(ctx, cur, exec)
}

func (e *Engine) healthy() {
	if e.breaker.OnSuccess() {
		hedgeLog.Infof("✅ 对冲交易所恢复")
	}
}

// recoverIfOpen 只读调用成功时仅在断路器已打开的情况下视为恢复，不清空正在累计的提交失败
func (e *Engine) recoverIfOpen() {
	if !e.breaker.Halted() && e.breaker.AllowTrading() != nil {
		e.healthy()
	}
}

// CheckRecovery 断路器因连续错误打开且队列为空时，用一次中间价查询探测对冲交易所是否恢复
func (e *Engine) CheckRecovery(ctx context.Context) error {
	if e.breaker.Halted() || e.breaker.AllowTrading() == nil || e.ledger.Snapshot().QueueDepth > 0 {
		return nil
	}
	if _, err := retry.Value(ctx, e.sup, "hedge_mid", e.venue.Mid); err != nil {
		e.breaker.OnError()
		return fmt.Errorf("hedge venue recovery check: %w", err)
	}
	e.recoverIfOpen()
	return nil
}

// track 轮询未完成订单直到终态或超时；超时后撤销剩余并取最终状态
func (e *Engine) track(ctx context.Context, cur *domain.HedgeRequest, exec domain.HedgeExecution) (domain.HedgeExecution, error) {
	deadline := e.now().Add(e.cfg.FillTimeout)
	poll := time.NewTicker(e.cfg.StatusPoll)
	defer poll.Stop()

	for !exec.State.Done() && e.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-poll.C:
		}
		st, err := e.status(ctx, exec.OrderID)
		if err != nil {
			if venue.IsNotFound(err) {
				return exec, err
			}
			hedgeLog.WithField("hedge_id", cur.ID).Warnf("查询对冲单 %s 失败: %v", exec.OrderID, err)
			continue
		}
		exec = st
		if partial, _ := e.apply(ctx, cur, exec); partial != nil && partial.Status == domain.HedgeConfirmed {
			return exec, nil
		}
	}
	if exec.State.Done() {
		return exec, nil
	}

	hedgeLog.WithField("hedge_id", cur.ID).Warnf("⏱️ 对冲单 %s 超时未完成，撤销剩余", exec.OrderID)
	err := e.sup.Do(ctx, "cancel_hedge", func(ctx context.Context) error {
		err := e.venue.CancelOrder(ctx, exec.OrderID)
		if venue.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return exec, nil
	}
	if st, err := e.status(ctx, exec.OrderID); err == nil {
		exec = st
	}
	if !exec.State.Done() {
		exec.State = domain.ExecCancelled
	}
	return exec, nil
}

func (e *Engine) status(ctx context.Context, orderID string) (domain.HedgeExecution, error) {
	return retry.Value(ctx, e.sup, "hedge_status", func(ctx context.Context) (domain.HedgeExecution, error) {
		return e.venue.OrderStatus(ctx, orderID)
	})
}

// apply 把订单的新增成交量记入账本并写交易日志
func (e *Engine) apply(ctx context.Context, cur *domain.HedgeRequest, exec domain.HedgeExecution) (*domain.HedgeRequest, error) {
	delta := exec.FilledQty.Sub(e.applied[exec.OrderID])
	if delta.IsPositive() {
		e.applied[exec.OrderID] = exec.FilledQty
	}
	if !delta.IsPositive() {
		got, ok := e.ledger.Get(cur.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownHedge, cur.ID)
		}
		return got, nil
	}

	signed := delta
	if cur.Quantity.IsNegative() {
		signed = delta.Neg()
	}
	updated, err := e.ledger.ApplyHedgeFill(cur.ID, signed, exec.AvgPrice)
	if err != nil {
		return nil, err
	}
	pnl := updated.PairPnL(signed, exec.AvgPrice).Sub(updated.FeeShare(signed))
	e.breaker.AddPnL(pnl)
	if e.journal != nil {
		if err := e.journal.RecordHedge(ctx, updated, exec, signed); err != nil {
			hedgeLog.WithField("hedge_id", cur.ID).Warnf("记录对冲成交失败: %v", err)
		}
	}
	hedgeLog.WithField("hedge_id", cur.ID).Infof("💰 对冲成交 %s@%s pnl=%s", signed, exec.AvgPrice, pnl.StringFixed(4))
	return updated, nil
}

// closeResidual 剩余量不足一个最小下单单位，作为尾量结束
func (e *Engine) closeResidual(cur *domain.HedgeRequest, log *logrus.Entry) error {
	done, err := e.ledger.ConfirmHedge(cur.ID)
	if err != nil {
		return err
	}
	metrics.HedgeEvents.WithLabelValues("residual").Inc()
	log.Infof("📝 剩余 %s 低于最小下单精度，记为尾量", done.Residual)
	return nil
}

// fail 标记失败并发出一次告警。请求仍计入未对冲敞口。
func (e *Engine) fail(cur *domain.HedgeRequest, cause error) error {
	failed, err := e.ledger.FailHedge(cur.ID, cause)
	if err != nil {
		return err
	}
	metrics.HedgeEvents.WithLabelValues("failed").Inc()
	e.alerts.Fire(alert.Alert{
		Kind:    alert.KindHedgeFailed,
		Key:     failed.ID,
		Message: fmt.Sprintf("对冲失败，未对冲敞口 %s: %v", failed.Remaining, cause),
		Fields: map[string]any{
			"hedge_id":  failed.ID,
			"fill_id":   failed.FillID,
			"remaining": failed.Remaining.String(),
			"attempts":  failed.Attempts,
		},
		At: e.now(),
	})
	hedgeLog.WithField("hedge_id", failed.ID).Errorf("❌ 对冲失败: remaining=%s err=%v", failed.Remaining, cause)
	return nil
}

// Requeue 失败请求重新排队（运维操作）
func (e *Engine) Requeue(id string) (*domain.HedgeRequest, error) {
	req, err := e.ledger.Requeue(id)
	if err != nil {
		return nil, err
	}
	metrics.HedgeEvents.WithLabelValues("requeued").Inc()
	hedgeLog.WithField("hedge_id", id).Infof("📝 对冲请求重新排队: remaining=%s", req.Remaining)
	e.wake.Emit()
	return req, nil
}

func (e *Engine) requeueFailed() {
	if e.cfg.AutoRequeueAfter <= 0 || e.stopped.Load() {
		return
	}
	for _, id := range e.ledger.FailedSince(e.now().Add(-e.cfg.AutoRequeueAfter)) {
		if _, err := e.Requeue(id); err != nil {
			hedgeLog.Warnf("自动重新排队 %s 失败: %v", id, err)
		}
	}
}

// CheckThresholds 更新指标；队列积压与未对冲敞口每次越限只告警一次
func (e *Engine) CheckThresholds() {
	now := e.now()
	s := e.ledger.Snapshot()
	age := s.OldestAge(now)

	metrics.NetPosition.Set(s.Net.InexactFloat64())
	metrics.UnhedgedExposure.Set(s.Unhedged.InexactFloat64())
	metrics.HedgeQueueDepth.Set(float64(s.QueueDepth))
	metrics.HedgeQueueAge.Set(age.Seconds())

	backlog := (e.cfg.MaxQueueDepth > 0 && s.QueueDepth > e.cfg.MaxQueueDepth) ||
		(e.cfg.MaxHedgeAge > 0 && age > e.cfg.MaxHedgeAge)
	unhedged := e.cfg.MaxUnhedged.IsPositive() && s.Unhedged.GreaterThan(e.cfg.MaxUnhedged)

	e.mu.Lock()
	fireBacklog := backlog && !e.backlogAlerted
	fireUnhedged := unhedged && !e.unhedgedAlerted
	e.backlogAlerted, e.unhedgedAlerted = backlog, unhedged
	e.mu.Unlock()

	if fireBacklog {
		e.alerts.Fire(alert.Alert{
			Kind:    alert.KindQueueBacklog,
			Message: fmt.Sprintf("对冲队列积压: depth=%d oldest=%s", s.QueueDepth, age.Truncate(time.Millisecond)),
			Fields:  map[string]any{"depth": s.QueueDepth, "oldest_age": age.String()},
			At:      now,
		})
	}
	if fireUnhedged {
		e.alerts.Fire(alert.Alert{
			Kind:    alert.KindUnhedgedExposure,
			Message: fmt.Sprintf("未对冲敞口 %s 超过上限 %s", s.Unhedged, e.cfg.MaxUnhedged),
			Fields:  map[string]any{"unhedged": s.Unhedged.String(), "net": s.Net.String()},
			At:      now,
		})
	}
}

// CheckPosition 对比对冲交易所持仓与账本；无在途对冲单时以交易所为准修正
func (e *Engine) CheckPosition(ctx context.Context) error {
	pos, err := retry.Value(ctx, e.sup, "hedge_position", e.venue.Position)
	if err != nil {
		return err
	}
	e.recoverIfOpen()
	delta, changed := e.ledger.CorrectHedgePosition(pos)
	if !changed {
		return nil
	}
	msg := fmt.Sprintf("对冲持仓漂移 %s，已按交易所持仓 %s 修正", delta, pos)
	hedgeLog.Warn("⚠️ " + msg)
	e.alerts.Fire(alert.Alert{
		Kind:    alert.KindDrift,
		Key:     "hedge_position",
		Message: msg,
		Fields:  map[string]any{"delta": delta.String(), "venue_position": pos.String()},
		At:      e.now(),
	})
	return nil
}
