// Package alert 面向运维的告警：火后即忘，投递失败或通道拥塞都不会阻塞交易逻辑。
package alert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/betbot/crossmm/internal/metrics"
	"github.com/sirupsen/logrus"
)

var alertLog = logrus.WithField("component", "alert")

// Kind 告警类别
type Kind string

const (
	KindUnhedgedExposure Kind = "unhedged_exposure"
	KindHedgeFailed      Kind = "hedge_failed"
	KindRetriesExhausted Kind = "retries_exhausted"
	KindDrift            Kind = "drift"
	KindQueueBacklog     Kind = "queue_backlog"
	KindPriceStale       Kind = "price_stale"
	KindVenueDegraded    Kind = "venue_degraded"
	KindShutdownResidual Kind = "shutdown_residual"
)

// Alert 告警
type Alert struct {
	Kind    Kind
	Key     string // 去重键（为空时用 Kind）
	Message string
	Fields  map[string]any
	At      time.Time
}

func (a Alert) dedupeKey() string {
	if a.Key != "" {
		return string(a.Kind) + ":" + a.Key
	}
	return string(a.Kind)
}

// Notifier 告警投递通道（外部协作方）
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc 函数适配
type NotifierFunc func(ctx context.Context, a Alert) error

func (f NotifierFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// Sink 触发告警的一侧
type Sink interface {
	Fire(a Alert)
}

// LogNotifier 以 error 级别写日志
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, a Alert) error {
	entry := alertLog.WithField("kind", a.Kind)
	if len(a.Fields) > 0 {
		entry = entry.WithFields(logrus.Fields(a.Fields))
	}
	entry.Errorf("🚨 %s", a.Message)
	return nil
}

// Dispatcher 异步告警分发：缓冲队列 + 单个投递协程。
// Fire 永不阻塞：队列满时丢弃并计数；同一去重键在冷却期内只投递一次。
type Dispatcher struct {
	notifiers []Notifier
	ch        chan Alert
	cooldown  time.Duration
	timeout   time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time

	fired   atomic.Int64
	dropped atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
}

// Options 分发器配置
type Options struct {
	Buffer   int
	Cooldown time.Duration // 0 表示不去重
	Timeout  time.Duration // 单次投递超时
}

func NewDispatcher(opts Options, notifiers ...Notifier) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = 128
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if len(notifiers) == 0 {
		notifiers = []Notifier{LogNotifier{}}
	}
	return &Dispatcher{
		notifiers: notifiers,
		ch:        make(chan Alert, opts.Buffer),
		cooldown:  opts.Cooldown,
		timeout:   opts.Timeout,
		last:      make(map[string]time.Time),
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Fire 非阻塞投递
func (d *Dispatcher) Fire(a Alert) {
	if d == nil {
		return
	}
	if a.At.IsZero() {
		a.At = d.now()
	}
	if d.cooldown > 0 {
		key := a.dedupeKey()
		d.mu.Lock()
		if prev, ok := d.last[key]; ok && a.At.Sub(prev) < d.cooldown {
			d.mu.Unlock()
			return
		}
		d.last[key] = a.At
		d.mu.Unlock()
	}
	select {
	case d.ch <- a:
		d.fired.Add(1)
		metrics.Alerts.WithLabelValues(string(a.Kind)).Inc()
	default:
		d.dropped.Add(1)
		metrics.AlertsDropped.Add(1)
		alertLog.Warnf("⚠️ 告警队列已满，丢弃: %s %s", a.Kind, a.Message)
	}
}

// Firef 便捷方法
func (d *Dispatcher) Firef(kind Kind, key string, fields map[string]any, format string, args ...any) {
	d.Fire(Alert{Kind: kind, Key: key, Fields: fields, Message: fmt.Sprintf(format, args...)})
}

// Run 投递循环，ctx 取消后把队列中剩余告警投递完再退出
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case a := <-d.ch:
			d.deliver(a)
		case <-ctx.Done():
			for {
				select {
				case a := <-d.ch:
					d.deliver(a)
				default:
					return
				}
			}
		}
	}
}

// Done Run 退出后关闭
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) deliver(a Alert) {
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := safeNotify(ctx, n, a)
		cancel()
		if err != nil {
			alertLog.Warnf("告警投递失败: kind=%s err=%v", a.Kind, err)
		}
	}
}

func safeNotify(ctx context.Context, n Notifier, a Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return n.Notify(ctx, a)
}

// Stats 已入队 / 已丢弃
func (d *Dispatcher) Stats() (fired, dropped int64) {
	return d.fired.Load(), d.dropped.Load()
}

// Recorder 同步记录告警，测试用
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Fire(a Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

// Alerts 返回副本
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Count 指定类别数量
func (r *Recorder) Count(kind Kind) int {
	n := 0
	for _, a := range r.Alerts() {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
