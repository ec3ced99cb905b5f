package syncgroup

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// SyncGroup 是 sync.WaitGroup 的包装器，自动管理 Add()/Done()，并对每个 goroutine 做 panic 恢复。
// 同一个 SyncGroup 可反复使用：Wait 返回后可以继续 Go。
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	running map[string]int
	panics  []error
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{running: make(map[string]int)}
}

// Go 以 name 启动一个 goroutine。panic 会被恢复、记录并通过 Panics() 返回。
func (g *SyncGroup) Go(name string, fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.running[name]++
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("goroutine %s panic: %v", name, r)
				logrus.WithField("component", "syncgroup").Errorf("❌ %v\n%s", err, debug.Stack())
				g.mu.Lock()
				g.panics = append(g.panics, err)
				g.mu.Unlock()
			}
			g.mu.Lock()
			g.running[name]--
			if g.running[name] <= 0 {
				delete(g.running, name)
			}
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn()
	}()
}

// Wait 等待所有 goroutine 完成
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}

// Running 当前仍在运行的 goroutine 名称及数量
func (g *SyncGroup) Running() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.running))
	for k, v := range g.running {
		out[k] = v
	}
	return out
}

// Panics 已恢复的 panic
func (g *SyncGroup) Panics() []error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]error(nil), g.panics...)
}
