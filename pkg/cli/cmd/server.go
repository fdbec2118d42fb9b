package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/LENAX/dag-master/pkg/cli/output"
	"github.com/LENAX/dag-master/pkg/config"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/server"
	"github.com/spf13/cobra"
)

// serverCmd 启动master
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动master进程",
	Long: `启动master进程：注册到注册中心、领取槽位、拉取命令并调度工作流。

示例：
  # 使用默认配置（./dag-master.yaml 或 ./configs/dag-master.yaml）启动
  dag-master server

  # 指定配置文件
  dag-master server --config ./configs/dag-master.yaml

  # 用环境变量覆盖配置
  DAGMASTER_MASTER_LISTEN_PORT=5679 dag-master server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			output.Error("加载配置失败: %v", err)
			return err
		}
		logger.Init(&cfg.General.Log)
		defer logger.Sync()

		srv, err := server.New(cfg, Version)
		if err != nil {
			output.Error("创建master失败: %v", err)
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		output.Success("dag-master %s 启动: master=%s", Version, cfg.GetMasterAddress())
		if cfg.API.Enabled {
			output.Info("控制面地址: http://%s", cfg.GetAPIAddress())
		}
		if err := srv.Run(ctx); err != nil {
			output.Error("master异常退出: %v", err)
			return err
		}
		output.Success("服务已停止")
		return nil
	},
}

func loadConfig() (*config.EngineConfig, error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigFile(configPath)
	}
	return loader.Load()
}
