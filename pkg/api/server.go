// Package api master控制面HTTP服务
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/LENAX/dag-master/pkg/api/handler"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:12345",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Dependencies 控制面依赖的组件
type Dependencies struct {
	Self       string
	Version    string
	Controller handler.WorkflowController
	Repos      storage.Repositories
	Members    handler.Members
	Slots      handler.SlotSource
	// Metrics prometheus抓取入口，为nil时不注册/metrics
	Metrics http.Handler
}

// APIServer 控制面HTTP服务
type APIServer struct {
	cfg    ServerConfig
	router *gin.Engine
	srv    *http.Server
	log    *zap.Logger
}

// NewAPIServer 创建服务并注册路由
func NewAPIServer(cfg ServerConfig, deps Dependencies) *APIServer {
	gin.SetMode(gin.ReleaseMode)
	log := logger.Named("api")
	router := gin.New()
	router.Use(gin.Recovery(), accessLog(log))

	s := &APIServer{cfg: cfg, router: router, log: log}
	s.routes(deps)
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *APIServer) routes(deps Dependencies) {
	workflows := handler.NewWorkflowHandler(deps.Controller, deps.Repos.WorkflowDefinition)
	instances := handler.NewInstanceHandler(deps.Controller, deps.Repos.WorkflowInstance, deps.Repos.TaskInstance)
	clusterInfo := handler.NewClusterHandler(deps.Self, deps.Version, deps.Members, deps.Slots, deps.Controller)

	s.router.GET("/health", clusterInfo.Health)
	if deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/workflows", workflows.List)
		v1.POST("/workflows", workflows.Import)
		v1.GET("/workflows/:code", workflows.Get)
		v1.POST("/workflows/:code/trigger", workflows.Trigger)

		v1.GET("/instances", instances.List)
		v1.GET("/instances/:id", instances.Get)
		v1.GET("/instances/:id/tasks", instances.Tasks)
		v1.POST("/instances/:id/pause", instances.Pause)
		v1.POST("/instances/:id/stop", instances.Stop)
		v1.POST("/instances/:id/recover-failure", instances.RecoverFailure)
		v1.POST("/instances/:id/recover-suspended", instances.RecoverSuspended)

		v1.GET("/cluster", clusterInfo.Cluster)
	}
}

// Handler 路由，测试中配合httptest使用
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// Start 开始监听，阻塞到服务关闭
func (s *APIServer) Start() error {
	s.log.Info("控制面HTTP服务启动", zap.String("addr", s.cfg.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP服务异常退出: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// accessLog 请求日志
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("请求处理失败", fields...)
			return
		}
		log.Debug("请求完成", fields...)
	}
}
