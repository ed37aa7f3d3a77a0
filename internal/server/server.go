// Package server 对外暴露回放 websocket 以及健康检查、会话列表接口。
package server

import (
	"context"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"

	"orderbook-recorder/gateway"
	"orderbook-recorder/infrastructure/logger"
	"orderbook-recorder/internal/replay"
)

// Pinger 存储可用性检查。
type Pinger interface {
	Ping(ctx context.Context) error
}

// FeedProbe 行情连接状态；可为 nil（未启用录制）。
type FeedProbe interface {
	State() gateway.FeedState
}

const healthTimeout = 2 * time.Second

type Server struct {
	router *gin.Engine
	replay *replay.Manager
	store  Pinger
	feed   FeedProbe
	logger *logger.Logger
}

func New(mgr *replay.Manager, st Pinger, feed FeedProbe, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	router := gin.New()
	router.Use(ginzap.Ginzap(log.Logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(log.Logger, true))

	s := &Server{router: router, replay: mgr, store: st, feed: feed, logger: log}
	s.registerRoutes()
	return s
}

// Handler 供 http.Server 使用。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	// 原有客户端直接连端口根路径
	s.router.GET("/", s.serveReplay)
	s.router.GET("/ws", s.serveReplay)
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/sessions", s.sessions)
}

func (s *Server) serveReplay(c *gin.Context) {
	s.replay.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	code := http.StatusOK
	resp := gin.H{
		"status":  "ok",
		"store":   "ok",
		"feed":    "disabled",
		"clients": s.replay.Clients(),
	}
	if err := s.store.Ping(ctx); err != nil {
		code = http.StatusServiceUnavailable
		resp["status"] = "degraded"
		resp["store"] = err.Error()
	}
	if s.feed != nil {
		resp["feed"] = s.feed.State().String()
	}
	c.JSON(code, resp)
}

func (s *Server) sessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.replay.Sessions()})
}
