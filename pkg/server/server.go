// Package server 组装master进程：存储、注册中心、集群、消息通道、内嵌执行器、调度引擎和控制面
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	internalstorage "github.com/LENAX/dag-master/internal/storage"
	"github.com/LENAX/dag-master/pkg/api"
	"github.com/LENAX/dag-master/pkg/cluster"
	"github.com/LENAX/dag-master/pkg/cluster/registry"
	"github.com/LENAX/dag-master/pkg/config"
	"github.com/LENAX/dag-master/pkg/core/engine"
	"github.com/LENAX/dag-master/pkg/core/executor"
	"github.com/LENAX/dag-master/pkg/core/executor/plugins"
	"github.com/LENAX/dag-master/pkg/core/taskgroup"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/metrics"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/LENAX/dag-master/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	cronReloadInterval = time.Minute
	shutdownTimeout    = 10 * time.Second
)

// Server 一个master进程
type Server struct {
	cfg     *config.EngineConfig
	version string
	self    string
	log     *zap.Logger

	db       internalstorage.DatabaseFactory
	reg      registry.Registry
	members  *cluster.ClusterManager
	slots    *cluster.MasterSlotManager
	metrics  *metrics.Metrics
	bus      *transport.Bus
	client   *transport.MasterClient
	listener *transport.EventListener
	engine   *engine.WorkflowEngine
	failover *engine.FailoverCoordinator
	api      *api.APIServer

	heartbeats []*cluster.HeartbeatReporter
	executor   *executor.TaskExecutor
	execServer *transport.ExecutorServer
}

// New 按配置创建全部组件，不启动
func New(cfg *config.EngineConfig, version string) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: version,
		self:    cfg.GetMasterAddress(),
		log:     logger.Named("server"),
		metrics: metrics.New(),
	}
	if err := s.build(); err != nil {
		s.closeInfra()
		return nil, err
	}
	return s, nil
}

func (s *Server) build() error {
	var err error
	if s.db, err = internalstorage.NewDatabaseFactory(s.cfg.Storage.Database); err != nil {
		return err
	}
	if s.reg, err = registry.New(s.cfg.Registry); err != nil {
		return err
	}
	repos := *s.db.Repositories()

	s.members = cluster.NewClusterManager(s.reg)
	s.slots = cluster.NewMasterSlotManager(s.self)
	s.slots.Bind(s.members)
	s.slots.OnChange(func(snap cluster.SlotSnapshot) {
		s.metrics.SetSlot(snap.Slot, snap.Total)
		s.log.Info("master槽位变更", zap.Int("slot", snap.Slot), zap.Int("total", snap.Total))
	})

	var guard *cluster.ResourceGuard
	if rg := s.cfg.Master.ResourceGuard; rg.Enabled {
		guard = cluster.NewResourceGuard(cluster.ResourceGuardConfig{
			CPUHigh:    rg.CPUHigh,
			CPULow:     rg.CPULow,
			MemoryHigh: rg.MemoryHigh,
			MemoryLow:  rg.MemoryLow,
		})
	}
	s.heartbeats = append(s.heartbeats, cluster.NewHeartbeatReporter(s.reg, registry.MasterPath(s.self),
		cluster.HeartBeat{Host: s.self, Role: cluster.RoleMaster}, s.cfg.Master.HeartbeatInterval, nil, guard))

	s.bus = transport.NewBus(s.cfg.Transport)
	s.client = transport.NewMasterClient(s.bus, s.self, 0)

	logicHost := ""
	if s.cfg.Executor.Embedded {
		if err := s.buildExecutor(); err != nil {
			return err
		}
		logicHost = s.cfg.Executor.Host
	}

	s.engine, err = engine.NewWorkflowEngine(engine.Config{
		MasterHost:           s.self,
		LogicHost:            logicHost,
		EventFireWorkers:     s.cfg.Master.EventFireWorkers,
		DispatchWorkers:      s.cfg.Master.DispatchWorkers,
		DispatchBackoffBase:  s.cfg.Master.DispatchBackoffBase,
		DispatchBackoffMax:   s.cfg.Master.DispatchBackoffMax,
		CommandFetchInterval: s.cfg.Master.CommandFetchInterval,
		CommandFetchSize:     s.cfg.Master.CommandFetchSize,
		CronEnabled:          s.cfg.Master.CronEnabled,
		CronReloadInterval:   cronReloadInterval,
	}, engine.Dependencies{
		Repos:      repos,
		Client:     s.client,
		Workers:    s.members,
		Slots:      s.slots,
		TaskGroups: taskgroup.NewCoordinator(repos.TaskGroup, s.cfg.Master.TaskGroupInterval),
		Metrics:    s.metrics,
	})
	if err != nil {
		return fmt.Errorf("创建调度引擎失败: %w", err)
	}
	s.listener = transport.NewEventListener(s.bus, s.self, s.engine.HandleExecutorEvent)

	if s.cfg.Master.FailoverEnabled {
		s.failover = engine.NewFailoverCoordinator(s.self, s.reg, repos.WorkflowInstance, repos.Command, s.engine)
		s.members.AddListener(s.failover.OnMembership)
	}

	if s.cfg.API.Enabled {
		s.api = api.NewAPIServer(api.ServerConfig{
			Addr:         s.cfg.GetAPIAddress(),
			ReadTimeout:  s.cfg.API.ReadTimeout,
			WriteTimeout: s.cfg.API.WriteTimeout,
		}, api.Dependencies{
			Self:       s.self,
			Version:    s.version,
			Controller: s.engine,
			Repos:      repos,
			Members:    s.members,
			Slots:      s.slots,
			Metrics:    s.metrics.Handler(),
		})
	}
	return nil
}

// buildExecutor 与master同进程的执行器，负责全部插件类型，逻辑任务只派发到这里
func (s *Server) buildExecutor() error {
	pm := executor.NewPluginManager()
	for _, p := range []executor.TaskPlugin{
		plugins.NewShellPlugin(),
		plugins.NewHTTPPlugin(),
		plugins.NewSleepPlugin(),
		plugins.NewConditionsPlugin(),
	} {
		if err := pm.Register(p); err != nil {
			return fmt.Errorf("注册任务插件失败: %w", err)
		}
	}
	ec := s.cfg.Executor
	s.executor = executor.NewTaskExecutor(executor.Config{
		Host:              ec.Host,
		ExecThreads:       ec.ExecThreads,
		AsyncPollInterval: ec.AsyncPollInterval,
	}, pm, transport.NewEventSender(s.bus))
	s.execServer = transport.NewExecutorServer(s.bus, s.executor)
	s.heartbeats = append(s.heartbeats, cluster.NewHeartbeatReporter(s.reg, registry.WorkerPath(ec.Host),
		cluster.HeartBeat{Host: ec.Host, Role: cluster.RoleExecutor, WorkerGroup: ec.WorkerGroup, ExecThreads: ec.ExecThreads},
		ec.HeartbeatInterval, nil, nil))
	return nil
}

// Run 启动全部组件，阻塞到ctx取消或某个组件异常退出，然后按相反顺序关闭
func (s *Server) Run(ctx context.Context) error {
	defer s.closeInfra()

	g, gctx := errgroup.WithContext(ctx)
	if err := s.start(gctx, g); err != nil {
		s.stop()
		return err
	}
	s.log.Info("master已启动", zap.String("host", s.self), zap.String("version", s.version))

	<-gctx.Done()
	s.stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) start(ctx context.Context, g *errgroup.Group) error {
	if err := s.members.Start(ctx); err != nil {
		return fmt.Errorf("加载集群成员失败: %w", err)
	}
	for _, hb := range s.heartbeats {
		if err := hb.Beat(ctx); err != nil {
			return fmt.Errorf("注册到注册中心失败: %w", err)
		}
		g.Go(func() error { return hb.Run(ctx) })
	}

	if s.executor != nil {
		if err := s.executor.Start(ctx); err != nil {
			return err
		}
		if err := s.execServer.Start(ctx); err != nil {
			return err
		}
	}
	if err := s.client.Start(ctx); err != nil {
		return err
	}
	if err := s.listener.Start(ctx); err != nil {
		return err
	}
	if err := s.engine.Start(ctx); err != nil {
		return err
	}

	if s.failover != nil {
		g.Go(func() error { return s.failover.Run(ctx) })
		// 接管本机上次退出时未结束的工作流
		if n, err := s.failover.FailoverMaster(ctx, s.self); err != nil {
			s.log.Error("启动容错失败", zap.Error(err))
		} else if n > 0 {
			s.log.Info("启动容错完成", zap.Int("workflows", n))
		}
	}

	if s.api != nil {
		g.Go(s.api.Start)
	}
	return nil
}

// stop 先停止接收新工作，再停止执行，最后摘除注册
func (s *Server) stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.api != nil {
		if err := s.api.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("关闭控制面失败", zap.Error(err))
		}
	}
	if err := s.engine.Stop(); err != nil {
		s.log.Warn("停止调度引擎失败", zap.Error(err))
	}
	if err := s.listener.Stop(); err != nil {
		s.log.Warn("停止事件监听失败", zap.Error(err))
	}
	if err := s.client.Stop(); err != nil {
		s.log.Warn("停止master客户端失败", zap.Error(err))
	}
	if s.executor != nil {
		if err := s.execServer.Stop(); err != nil {
			s.log.Warn("停止执行器服务失败", zap.Error(err))
		}
		if err := s.executor.Stop(); err != nil {
			s.log.Warn("停止执行器失败", zap.Error(err))
		}
	}
	for _, hb := range s.heartbeats {
		if err := hb.Deregister(shutdownCtx); err != nil {
			s.log.Warn("摘除注册失败", zap.Error(err))
		}
	}
	s.members.Stop()
	s.log.Info("master已停止")
}

func (s *Server) closeInfra() {
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.log.Warn("关闭消息通道失败", zap.Error(err))
		}
	}
	if s.reg != nil {
		if err := s.reg.Close(); err != nil {
			s.log.Warn("关闭注册中心失败", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn("关闭数据库失败", zap.Error(err))
		}
	}
}

// Repositories 存储
func (s *Server) Repositories() storage.Repositories {
	return *s.db.Repositories()
}

// Engine 调度引擎
func (s *Server) Engine() *engine.WorkflowEngine {
	return s.engine
}

// Members 集群成员
func (s *Server) Members() *cluster.ClusterManager {
	return s.members
}

// Slots 本机槽位
func (s *Server) Slots() *cluster.MasterSlotManager {
	return s.slots
}
