package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/betbot/crossmm/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type stage struct {
	name     string
	handlers []Handler
}

// Manager 优雅关闭管理器
// 阶段按注册顺序依次执行；同一阶段内的回调并发执行。
type Manager struct {
	stages []stage
	mu     sync.Mutex
	once   sync.Once
	err    error
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册一个关闭阶段
func (m *Manager) OnShutdown(name string, handlers ...Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage{name: name, handlers: handlers})
}

// Shutdown 执行所有关闭阶段（阻塞调用，只执行一次）
// ctx 应该是一个带超时的 context；超时后剩余阶段仍会以已取消的 ctx 执行，便于释放本地资源
func (m *Manager) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		m.mu.Lock()
		stages := m.stages
		m.mu.Unlock()

		if len(stages) == 0 {
			logger.Info("没有注册的关闭回调")
			return
		}
		logger.Infof("开始优雅关闭，共 %d 个阶段", len(stages))

		var errs []error
		for _, st := range stages {
			if err := runStage(ctx, st); err != nil {
				logger.Warnf("⚠️ 关闭阶段 %s 出错: %v", st.name, err)
				errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			}
		}
		m.err = errors.Join(errs...)
		if ctx.Err() != nil {
			logger.Warnf("关闭超时: %v", ctx.Err())
		} else {
			logger.Info("所有关闭回调已完成")
		}
	})
	return m.err
}

func runStage(ctx context.Context, st stage) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	wg.Add(len(st.handlers))
	for _, h := range st.handlers {
		go func(handler Handler) {
			defer wg.Done()
			if err := handler(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// 超时后不再等待本阶段未完成的回调
		return ctx.Err()
	}
	return errors.Join(errs...)
}
