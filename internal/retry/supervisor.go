// Package retry 为所有交易所 I/O 提供统一的重试/退避策略。
//
// 报价引擎与对冲引擎共用同一个 Supervisor：指数退避 + 抖动，最大尝试次数与最大总等待时间，
// 可重试错误（超时、限流、5xx）与终态错误（鉴权、参数非法、业务拒绝）的区分由 Classifier 决定。
// 重试耗尽或终态失败都以类型化错误返回，由调用方执行自己的降级策略。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/betbot/crossmm/internal/metrics"
	"github.com/betbot/crossmm/internal/venue"
	"github.com/betbot/crossmm/pkg/ratelimit"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

var retryLog = logrus.WithField("component", "retry")

// Policy 重试策略
type Policy struct {
	MaxAttempts    int           // 最大尝试次数（含第一次）
	BaseDelay      time.Duration // 首次退避
	MaxDelay       time.Duration // 单次退避上限
	MaxWait        time.Duration // 总耗时上限（0 表示不限制）
	Multiplier     float64       // 指数因子
	Jitter         float64       // 随机化因子 [0,1)
	AttemptTimeout time.Duration // 单次调用超时（0 表示只受上层 ctx 约束）
}

// DefaultPolicy 默认策略
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		MaxWait:        30 * time.Second,
		Multiplier:     2,
		Jitter:         0.3,
		AttemptTimeout: 10 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	return p
}

// Classifier 返回 true 表示错误可重试
type Classifier func(err error) bool

// DefaultClassifier 按 venue.Kind 分类
func DefaultClassifier(err error) bool {
	return venue.KindOf(err).Retryable()
}

// TerminalError 终态失败（不重试）
type TerminalError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s: terminal failure after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// ExhaustedError 重试耗尽（次数、总等待或上层 ctx）
type ExhaustedError struct {
	Op       string
	Attempts int
	Elapsed  time.Duration
	Last     error // 最后一次调用错误
	Cause    error // 非 nil 时为上层 ctx 的错误
}

func (e *ExhaustedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: gave up after %d attempt(s) in %s (%v): %v", e.Op, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Cause, e.Last)
	}
	return fmt.Sprintf("%s: retries exhausted after %d attempt(s) in %s: %v", e.Op, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Last, e.Cause}
	}
	return []error{e.Last}
}

// IsTerminal 调用被判定为终态失败
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// IsExhausted 调用重试耗尽
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Supervisor 可复用的重试策略对象
type Supervisor struct {
	policy   Policy
	classify Classifier
	limiter  ratelimit.RateLimiter
	clock    backoff.Clock
	timer    backoff.Timer
}

// Option 可选项
type Option func(*Supervisor)

// WithClassifier 替换错误分类
func WithClassifier(c Classifier) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.classify = c
		}
	}
}

// WithRateLimiter 每次尝试前先取令牌
func WithRateLimiter(l ratelimit.RateLimiter) Option {
	return func(s *Supervisor) { s.limiter = l }
}

// WithTimer 测试中替换等待实现
func WithTimer(t backoff.Timer) Option {
	return func(s *Supervisor) { s.timer = t }
}

func New(p Policy, opts ...Option) *Supervisor {
	s := &Supervisor{
		policy:   p.normalized(),
		classify: DefaultClassifier,
		clock:    backoff.SystemClock,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Policy 返回生效的策略
func (s *Supervisor) Policy() Policy { return s.policy }

func (s *Supervisor) newBackOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.policy.BaseDelay
	exp.MaxInterval = s.policy.MaxDelay
	exp.Multiplier = s.policy.Multiplier
	exp.RandomizationFactor = s.policy.Jitter
	exp.MaxElapsedTime = s.policy.MaxWait
	exp.Clock = s.clock
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.policy.MaxAttempts-1)), ctx)
}

// Do 执行 fn，按策略重试。成功返回 nil；否则返回 *TerminalError 或 *ExhaustedError。
func (s *Supervisor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if ctx.Err() != nil {
		return &ExhaustedError{Op: op, Last: ctx.Err(), Cause: ctx.Err()}
	}
	start := time.Now()
	attempts := 0
	var last error
	terminal := false

	operation := func() error {
		if s.limiter != nil && !s.limiter.Allow() {
			metrics.RetryEvents.WithLabelValues(op, "throttled").Inc()
			if err := s.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		attempts++
		metrics.RetryEvents.WithLabelValues(op, "attempt").Inc()

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if s.policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, s.policy.AttemptTimeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if !s.classify(err) {
			terminal = true
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		metrics.RetryEvents.WithLabelValues(op, "retry").Inc()
		retryLog.WithFields(logrus.Fields{"op": op, "attempt": attempts, "wait": wait}).
			Warnf("⚠️ 调用失败，准备重试: %v", err)
	}

	var err error
	if s.timer != nil {
		err = backoff.RetryNotifyWithTimer(operation, s.newBackOff(ctx), notify, s.timer)
	} else {
		err = backoff.RetryNotify(operation, s.newBackOff(ctx), notify)
	}
	if err == nil {
		metrics.RetryEvents.WithLabelValues(op, "ok").Inc()
		return nil
	}

	if terminal {
		metrics.RetryEvents.WithLabelValues(op, "terminal").Inc()
		return &TerminalError{Op: op, Attempts: attempts, Err: last}
	}
	metrics.RetryEvents.WithLabelValues(op, "exhausted").Inc()
	ee := &ExhaustedError{Op: op, Attempts: attempts, Elapsed: time.Since(start), Last: last}
	if cerr := ctx.Err(); cerr != nil {
		ee.Cause = cerr
	}
	if ee.Last == nil {
		ee.Last = err
	}
	return ee
}

// Value 执行带返回值的调用
func Value[T any](ctx context.Context, s *Supervisor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
