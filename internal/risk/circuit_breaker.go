package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// ErrCircuitBreakerOpen 表示对冲交易所不可用或风控熔断，报价侧需降级。
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors 对冲交易所连续失败上限（提交/查询/报价）。
	MaxConsecutiveErrors int64

	// DailyLossLimit 当日已实现亏损上限（计价货币）。达到或超过时熔断，需人工 Resume。
	DailyLossLimit decimal.Decimal
}

// CircuitBreaker 跟踪对冲交易所健康度。快路径只读原子变量。
//
// 连续错误达到上限后进入 open；下一次成功（对冲引擎仍会继续尝试）自动恢复。
// 手动 Halt 与日亏损熔断只能 Resume 解除。
type CircuitBreaker struct {
	halted atomic.Bool

	consecutiveErrors    atomic.Int64
	maxConsecutiveErrors atomic.Int64
	openedAt             atomic.Int64 // unix nano，0 表示未打开

	mu        sync.Mutex
	dailyPnL  decimal.Decimal
	lossLimit decimal.Decimal
	dayKey    int
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
	cb.mu.Lock()
	cb.lossLimit = cfg.DailyLossLimit
	cb.mu.Unlock()
}

// Halt 手动熔断（如人工介入或检测到严重异常）。
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.halted.Store(true)
}

// Resume 手动恢复（会同时清空连续错误计数）。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.consecutiveErrors.Store(0)
	cb.openedAt.Store(0)
}

// AllowTrading 快路径检查：nil 表示对冲侧健康。
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}
	maxErr := cb.maxConsecutiveErrors.Load()
	if maxErr > 0 && cb.consecutiveErrors.Load() >= maxErr {
		return ErrCircuitBreakerOpen
	}
	return nil
}

// Halted 手动熔断或日亏损熔断中
func (cb *CircuitBreaker) Halted() bool {
	return cb != nil && cb.halted.Load()
}

// OpenSince 断路器打开的时间（未打开返回零值）
func (cb *CircuitBreaker) OpenSince() time.Time {
	if cb == nil {
		return time.Time{}
	}
	if ns := cb.openedAt.Load(); ns > 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// OnSuccess 对冲交易所调用成功：清空连续错误计数。返回 true 表示本次调用使断路器恢复。
func (cb *CircuitBreaker) OnSuccess() bool {
	if cb == nil {
		return false
	}
	cb.consecutiveErrors.Store(0)
	return cb.openedAt.Swap(0) != 0
}

// OnError 对冲交易所调用失败：累计连续错误。返回 true 表示本次调用使断路器打开。
func (cb *CircuitBreaker) OnError() bool {
	if cb == nil {
		return false
	}
	n := cb.consecutiveErrors.Add(1)
	maxErr := cb.maxConsecutiveErrors.Load()
	if maxErr > 0 && n >= maxErr {
		return cb.openedAt.CompareAndSwap(0, time.Now().UnixNano())
	}
	return false
}

// AddPnL 累计当日已实现盈亏；触及亏损上限时熔断
func (cb *CircuitBreaker) AddPnL(delta decimal.Decimal) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	// 本地日期即可；风控用途不要求跨时区精确
	now := time.Now()
	key := now.Year()*10000 + int(now.Month())*100 + now.Day()
	if key != cb.dayKey {
		cb.dayKey = key
		cb.dailyPnL = decimal.Zero
	}
	cb.dailyPnL = cb.dailyPnL.Add(delta)
	if cb.lossLimit.IsPositive() && cb.dailyPnL.LessThanOrEqual(cb.lossLimit.Neg()) {
		cb.halted.Store(true)
	}
}

// DailyPnL 当日已实现盈亏
func (cb *CircuitBreaker) DailyPnL() decimal.Decimal {
	if cb == nil {
		return decimal.Zero
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.dailyPnL
}
