// Package server 运维控制面：只读查询账本/报价/对冲队列/盈亏，以及少量运维操作（重新排队、熔断开关）。
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/betbot/crossmm/internal/journal"
	"github.com/betbot/crossmm/internal/ledger"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var serverLog = logrus.WithField("component", "controlplane")

// QuoteView 报价引擎的只读视图
type QuoteView interface {
	Quotes() []*domain.Quote
	Mode() string
}

// Requeuer 失败对冲请求的重新排队
type Requeuer interface {
	Requeue(id string) (*domain.HedgeRequest, error)
}

// PnLReader 盈亏查询
type PnLReader interface {
	PnL(ctx context.Context, since time.Time, recent int) (journal.Summary, error)
}

// Breaker 熔断开关
type Breaker interface {
	Halt()
	Resume()
	AllowTrading() error
}

type Deps struct {
	Ledger  *ledger.Ledger
	Quotes  QuoteView
	Hedges  Requeuer
	Journal PnLReader
	Breaker Breaker
}

type Server struct {
	deps  Deps
	srv   *http.Server
	start time.Time
}

func New(deps Deps) *Server {
	return &Server{deps: deps, start: time.Now()}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.GET("/ledger", s.handleLedger)
	api.GET("/quotes", s.handleQuotes)
	api.GET("/hedges", s.handleHedges)
	api.POST("/hedges/:id/requeue", s.handleRequeue)
	api.GET("/pnl", s.handlePnL)
	api.POST("/halt", s.handleHalt)
	api.POST("/resume", s.handleResume)
	return r
}

// StartAsync 在后台监听；addr 为空时不启动
func (s *Server) StartAsync(addr string) {
	if addr == "" {
		return
	}
	s.srv = &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		serverLog.Infof("✅ 控制面监听 %s", addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLog.Errorf("❌ 控制面退出: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeErr(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	breaker := "closed"
	if s.deps.Breaker != nil && s.deps.Breaker.AllowTrading() != nil {
		status, breaker = "degraded", "open"
	}
	mode := ""
	if s.deps.Quotes != nil {
		mode = s.deps.Quotes.Mode()
		if mode != "normal" {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"mode":    mode,
		"breaker": breaker,
		"uptime":  time.Since(s.start).Truncate(time.Second).String(),
	})
}

func (s *Server) handleLedger(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Ledger.Snapshot())
}

func (s *Server) handleQuotes(c *gin.Context) {
	var quotes []*domain.Quote
	mode := ""
	if s.deps.Quotes != nil {
		quotes, mode = s.deps.Quotes.Quotes(), s.deps.Quotes.Mode()
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "quotes": quotes})
}

// GET /api/hedges?status=failed
func (s *Server) handleHedges(c *gin.Context) {
	want := domain.HedgeStatus(c.Query("status"))
	all := s.deps.Ledger.Hedges()
	out := make([]*domain.HedgeRequest, 0, len(all))
	for _, h := range all {
		if want == "" || h.Status == want {
			out = append(out, h)
		}
	}
	c.JSON(http.StatusOK, gin.H{"hedges": out, "count": len(out)})
}

func (s *Server) handleRequeue(c *gin.Context) {
	if s.deps.Hedges == nil {
		writeErr(c, http.StatusServiceUnavailable, errors.New("hedge engine not running"))
		return
	}
	req, err := s.deps.Hedges.Requeue(c.Param("id"))
	switch {
	case errors.Is(err, ledger.ErrUnknownHedge):
		writeErr(c, http.StatusNotFound, err)
	case errors.Is(err, ledger.ErrHedgeState):
		writeErr(c, http.StatusConflict, err)
	case err != nil:
		writeErr(c, http.StatusInternalServerError, err)
	default:
		serverLog.Infof("📝 运维重新排队对冲请求 %s", req.ID)
		c.JSON(http.StatusOK, req)
	}
}

// GET /api/pnl?since=2026-01-02T00:00:00Z&recent=20
func (s *Server) handlePnL(c *gin.Context) {
	if s.deps.Journal == nil {
		writeErr(c, http.StatusServiceUnavailable, errors.New("journal disabled"))
		return
	}
	var since time.Time
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(c, http.StatusBadRequest, err)
			return
		}
		since = t
	}
	recent := 20
	if v := c.Query("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(c, http.StatusBadRequest, errors.New("recent must be a non-negative integer"))
			return
		}
		recent = n
	}
	sum, err := s.deps.Journal.PnL(c.Request.Context(), since, recent)
	if err != nil {
		writeErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleHalt(c *gin.Context) {
	if s.deps.Breaker == nil {
		writeErr(c, http.StatusServiceUnavailable, errors.New("breaker not configured"))
		return
	}
	s.deps.Breaker.Halt()
	serverLog.Warn("🛑 运维手动熔断")
	c.JSON(http.StatusOK, gin.H{"breaker": "open"})
}

func (s *Server) handleResume(c *gin.Context) {
	if s.deps.Breaker == nil {
		writeErr(c, http.StatusServiceUnavailable, errors.New("breaker not configured"))
		return
	}
	s.deps.Breaker.Resume()
	serverLog.Info("✅ 运维解除熔断")
	c.JSON(http.StatusOK, gin.H{"breaker": "closed"})
}
