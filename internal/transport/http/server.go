// Package httpapi exposes the operational surface: health, metrics, agent
// state queries and lifecycle control, and the last reconciliation summary.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentledger/internal/agent"
	"agentledger/internal/ledger"
	"agentledger/internal/logger"
	"agentledger/internal/pnl"
	"agentledger/internal/reconcile"
)

type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig wires the handler dependencies.
type ServerConfig struct {
	Addr      string
	Agents    *agent.Repository
	Ledger    *ledger.Service
	Recorder  *pnl.Recorder
	Reconcile *reconcile.Job
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("http server requires the ledger service")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9980"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{
		agents:    cfg.Agents,
		ledger:    cfg.Ledger,
		recorder:  cfg.Recorder,
		reconcile: cfg.Reconcile,
	}
	api := router.Group("/api")
	{
		api.GET("/agents/:id/positions", h.agentPositions)
		api.GET("/agents/:id/trades", h.agentTrades)
		api.GET("/agents/:id/stats", h.agentStats)
		api.POST("/agents/:id/status", h.updateAgentStatus)
		api.GET("/reconcile/last", h.lastReconcile)
	}

	return &Server{addr: cfg.Addr, router: router}, nil
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("http: shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

type handlers struct {
	agents    *agent.Repository
	ledger    *ledger.Service
	recorder  *pnl.Recorder
	reconcile *reconcile.Job
}

func (h *handlers) agentPositions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	positions, err := h.ledger.OpenPositions(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "positions": positions})
}

func (h *handlers) agentTrades(c *gin.Context) {
	if h.recorder == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "trade history not enabled"})
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	trades, err := h.recorder.Recent(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "trades": trades})
}

func (h *handlers) agentStats(c *gin.Context) {
	if h.recorder == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "trade history not enabled"})
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	stats, err := h.recorder.Stats(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handlers) updateAgentStatus(c *gin.Context) {
	if h.agents == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "agent management not enabled"})
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.agents.UpdateStatus(c.Request.Context(), id, agent.Status(body.Status))
	switch {
	case errors.Is(err, agent.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, agent.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"agent_id": id, "status": body.Status})
	}
}

func (h *handlers) lastReconcile(c *gin.Context) {
	if h.reconcile == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reconciliation not enabled"})
		return
	}
	summary := h.reconcile.LastSummary()
	if summary == nil {
		c.JSON(http.StatusOK, gin.H{"status": "no pass completed yet"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return 0, false
	}
	return id, true
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
