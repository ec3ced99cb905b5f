package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/betbot/crossmm/pkg/httpclient"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

var ErrNoData = errors.New("stream has no data yet")

// StreamConfig WebSocket 价格流配置
type StreamConfig struct {
	Name      string
	URL       string
	Subscribe string // 连接后发送的订阅帧（原始 JSON，可为空）
	Path      string // 价格所在 JSON 路径
	// Match 可选：只处理该路径存在的消息（如 "data.mids"），为空时尝试所有消息
	Match        string
	PingInterval time.Duration
	// Watchdog 超过该时长没有任何消息则强制重连
	Watchdog       time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	HandshakeLimit time.Duration
}

// StreamSource 订阅 WebSocket 推送，缓存最新价格
type StreamSource struct {
	cfg StreamConfig

	mu     sync.RWMutex
	latest domain.Reading

	connects int
	onUpdate func(domain.Reading)
}

func NewStreamSource(cfg StreamConfig) *StreamSource {
	if cfg.Name == "" {
		cfg.Name = "ws"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = 60 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.HandshakeLimit <= 0 {
		cfg.HandshakeLimit = 10 * time.Second
	}
	return &StreamSource{cfg: cfg}
}

func (s *StreamSource) Name() string { return s.cfg.Name }

// OnUpdate 每条有效价格消息的回调（需在 Run 之前设置）
func (s *StreamSource) OnUpdate(fn func(domain.Reading)) { s.onUpdate = fn }

func (s *StreamSource) FairValue(context.Context) (domain.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest.At.IsZero() {
		return domain.Reading{}, ErrNoData
	}
	return s.latest, nil
}

// Connects 成功建立连接的次数
func (s *StreamSource) Connects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connects
}

// Run 连接并持续读取，断开后指数退避重连，直到 ctx 结束
func (s *StreamSource) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectBase
	bo.MaxInterval = s.cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for ctx.Err() == nil {
		got, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if got {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		feedLog.Warnf("⚠️ [%s] 连接断开: %v，%s 后重连", s.cfg.Name, err, wait.Truncate(time.Millisecond))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session 一次连接的生命周期；返回是否收到过有效数据
func (s *StreamSource) session(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.HandshakeLimit,
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.connects++
	s.mu.Unlock()
	feedLog.Infof("✅ [%s] 已连接 %s", s.cfg.Name, s.cfg.URL)

	if s.cfg.Subscribe != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(s.cfg.Subscribe)); err != nil {
			return false, fmt.Errorf("subscribe: %w", err)
		}
	}

	// ctx 结束或 ping 失败时关闭连接，使 ReadMessage 返回
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	got := false
	for {
		// 看门狗：Watchdog 内没有任何消息则读超时，触发重连
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Watchdog))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return got, err
		}
		if r, ok := s.parse(data); ok {
			got = true
			s.mu.Lock()
			s.latest = r
			s.mu.Unlock()
			if s.onUpdate != nil {
				s.onUpdate(r)
			}
		}
	}
}

func (s *StreamSource) parse(data []byte) (domain.Reading, bool) {
	doc, err := httpclient.DecodeJSON(data)
	if err != nil {
		return domain.Reading{}, false
	}
	if s.cfg.Match != "" {
		if _, err := lookup(doc, s.cfg.Match); err != nil {
			return domain.Reading{}, false
		}
	}
	px, err := Extract(doc, s.cfg.Path)
	if err != nil || !px.IsPositive() {
		return domain.Reading{}, false
	}
	return domain.Reading{Price: px, At: time.Now(), Source: s.cfg.Name}, true
}
