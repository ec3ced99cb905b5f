// Package reconcile 对账做市成交：轮询（或接收推送的）成交，按交易所顺序应用到账本，
// 生成对冲请求，并保证同一成交 ID 只处理一次。
package reconcile

import (
	"context"
	"fmt"
	"iter"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/betbot/crossmm/internal/ledger"
	"github.com/betbot/crossmm/internal/metrics"
	"github.com/betbot/crossmm/internal/ports"
	"github.com/betbot/crossmm/internal/quote"
	"github.com/betbot/crossmm/internal/retry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var reconcileLog = logrus.WithField("component", "reconcile")

var bpsDivisor = decimal.NewFromInt(10000)

// Config 对账配置
type Config struct {
	PollInterval time.Duration
	MakerFeeBps  decimal.Decimal
	// SkipBefore 早于该时间的成交已体现在启动时的交易所余额中，只记为已处理不入账。
	// 本次运行挂出的报价上的成交不受影响（交易所时钟可能落后于本地）。
	SkipBefore time.Time
}

// Reconciler 成交对账器
type Reconciler struct {
	cfg      Config
	venue    ports.FillLister
	ledger   *ledger.Ledger
	book     *quote.Book
	store    Store
	sup      *retry.Supervisor
	journal  ports.FillRecorder
	handlers []ports.FillHandler

	mu     sync.Mutex // 串行化 Apply（轮询与推送两条路径）
	cursor string
}

// Deps 依赖
type Deps struct {
	Venue    ports.FillLister
	Ledger   *ledger.Ledger
	Book     *quote.Book
	Store    Store
	Retry    *retry.Supervisor
	Journal  ports.FillRecorder
	Handlers []ports.FillHandler
}

func New(cfg Config, deps Deps) (*Reconciler, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	store := deps.Store
	if store == nil {
		store = NewMemoryStore(24 * time.Hour)
	}
	r := &Reconciler{
		cfg:      cfg,
		venue:    deps.Venue,
		ledger:   deps.Ledger,
		book:     deps.Book,
		store:    store,
		sup:      deps.Retry,
		journal:  deps.Journal,
		handlers: deps.Handlers,
	}
	cursor, ok, err := store.Cursor()
	if err != nil {
		return nil, fmt.Errorf("load fill cursor: %w", err)
	}
	if ok {
		r.cursor = cursor
		reconcileLog.Infof("从持久化 cursor 继续: %q", cursor)
	}
	return r, nil
}

// Cursor 当前 cursor
func (r *Reconciler) Cursor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// SortFills 按交易所序号排序；任一成交缺少序号时按时间戳、再按 ID 排序
func SortFills(fills []domain.Fill) {
	bySeq := true
	for _, f := range fills {
		if f.Seq == 0 {
			bySeq = false
			break
		}
	}
	sort.SliceStable(fills, func(i, j int) bool {
		if bySeq {
			return fills[i].Seq < fills[j].Seq
		}
		if !fills[i].Timestamp.Equal(fills[j].Timestamp) {
			return fills[i].Timestamp.Before(fills[j].Timestamp)
		}
		return fills[i].ID < fills[j].ID
	})
}

// poll 拉取 cursor 之后的一批成交，排序并去掉已处理的
func (r *Reconciler) poll(ctx context.Context) ([]domain.Fill, string, error) {
	metrics.FillPolls.Add(1)
	cursor := r.Cursor()
	type page struct {
		fills []domain.Fill
		next  string
	}
	p, err := retry.Value(ctx, r.sup, "list_fills", func(ctx context.Context) (page, error) {
		fills, next, err := r.venue.ListFills(ctx, cursor)
		return page{fills, next}, err
	})
	if err != nil {
		metrics.FillPollErrors.Add(1)
		return nil, cursor, err
	}
	SortFills(p.fills)

	out := p.fills[:0]
	inBatch := make(map[string]struct{}, len(p.fills))
	for _, f := range p.fills {
		if _, dup := inBatch[f.ID]; dup {
			continue
		}
		inBatch[f.ID] = struct{}{}
		seen, err := r.store.Seen(f.ID)
		if err != nil {
			return nil, cursor, fmt.Errorf("check fill %s: %w", f.ID, err)
		}
		if !seen {
			out = append(out, f)
		}
	}
	return out, p.next, nil
}

// Fills 由重复轮询产生的新成交序列（惰性、可重新开始：再次调用从当前 cursor 继续）。
// 轮询失败时产出 (零值, err)，调用方可以选择继续迭代。
func (r *Reconciler) Fills(ctx context.Context) iter.Seq2[domain.Fill, error] {
	return func(yield func(domain.Fill, error) bool) {
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			batch, next, err := r.poll(ctx)
			if err != nil {
				if ctx.Err() != nil || !yield(domain.Fill{}, err) {
					return
				}
				timer.Reset(r.cfg.PollInterval)
				continue
			}
			for _, f := range batch {
				if !yield(f, nil) {
					return
				}
			}
			r.advance(next)
			timer.Reset(r.cfg.PollInterval)
		}
	}
}

func (r *Reconciler) advance(next string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if next == "" || next == r.cursor {
		return
	}
	r.cursor = next
	if err := r.store.SetCursor(next); err != nil {
		reconcileLog.Warnf("保存 cursor 失败: %v", err)
	}
}

// Run 轮询循环
func (r *Reconciler) Run(ctx context.Context) {
	processed, err := r.store.Processed()
	if err != nil {
		reconcileLog.Warnf("读取已处理成交数失败: %v", err)
	}
	reconcileLog.Infof("✅ 成交对账启动: poll=%s 已处理=%d", r.cfg.PollInterval, processed)
	for f, err := range r.Fills(ctx) {
		if err != nil {
			reconcileLog.Warnf("⚠️ 拉取成交失败: %v", err)
			continue
		}
		r.safeApply(ctx, f)
	}
	reconcileLog.Info("🛑 成交对账退出")
}

func (r *Reconciler) safeApply(ctx context.Context, f domain.Fill) {
	defer func() {
		if rec := recover(); rec != nil {
			reconcileLog.Errorf("❌ 处理成交 panic: fill=%s %v\n%s", f.ID, rec, debug.Stack())
		}
	}()
	if _, err := r.Apply(ctx, f); err != nil {
		reconcileLog.WithField("fill_id", f.ID).Errorf("❌ 处理成交失败: %v", err)
	}
}

// Submit 推送路径：与轮询路径共用去重与排序
func (r *Reconciler) Submit(ctx context.Context, fills []domain.Fill) (int, error) {
	batch := append([]domain.Fill(nil), fills...)
	SortFills(batch)
	applied := 0
	for _, f := range batch {
		ok, err := r.Apply(ctx, f)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

func (r *Reconciler) historical(f domain.Fill) bool {
	if r.cfg.SkipBefore.IsZero() || f.Timestamp.IsZero() || !f.Timestamp.Before(r.cfg.SkipBefore) {
		return false
	}
	return r.book == nil || !r.book.Owns(f.OrderID)
}

// Apply 处理一笔成交。已处理过的成交 ID 为 no-op，返回 false。
func (r *Reconciler) Apply(ctx context.Context, f domain.Fill) (bool, error) {
	if f.ID == "" || !f.Side.Valid() || !f.Quantity.IsPositive() {
		metrics.FillsProcessed.WithLabelValues("invalid").Inc()
		return false, fmt.Errorf("invalid fill %+v", f)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fresh, err := r.store.Mark(f.ID)
	if err != nil {
		return false, fmt.Errorf("mark fill %s: %w", f.ID, err)
	}
	if !fresh {
		metrics.FillsProcessed.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	log := reconcileLog.WithFields(logrus.Fields{"fill_id": f.ID, "order_id": f.OrderID, "side": f.Side})

	if r.historical(f) {
		metrics.FillsProcessed.WithLabelValues("historical").Inc()
		log.Debugf("跳过启动前的历史成交 %s", f.Timestamp.Format(time.RFC3339))
		return false, nil
	}

	fee := f.Notional().Mul(r.cfg.MakerFeeBps).Div(bpsDivisor)
	req := r.ledger.ApplyMakerFill(f, fee)
	if r.book != nil {
		r.book.ApplyFill(f.OrderID, f.Quantity)
	}
	metrics.FillsProcessed.WithLabelValues("applied").Inc()
	log.WithField("hedge_id", req.ID).Infof("💰 做市成交 %s@%s，生成对冲请求 %s", f.Quantity, f.Price, req.Quantity)

	if r.journal != nil {
		if err := r.journal.RecordMakerFill(ctx, f, fee); err != nil {
			log.Warnf("记录成交失败: %v", err)
		}
	}
	for _, h := range r.handlers {
		h.OnFill(ctx, f, req)
	}
	return true, nil
}
