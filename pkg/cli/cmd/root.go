// Package cmd dag-master命令行
package cmd

import (
	"os"

	"github.com/LENAX/dag-master/pkg/cli/dagmaster"
	"github.com/spf13/cobra"
)

var (
	// 全局变量
	serverURL  string
	outputJSON bool
	configPath string
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "dag-master",
	Short: "dag-master - 分布式DAG工作流调度master",
	Long: `dag-master 是一个分布式DAG工作流调度master，同时提供管理用的命令行工具。

支持的功能：
  - 启动master进程（可内嵌执行器）
  - 管理工作流定义（导入、列出、查看、触发）
  - 管理工作流实例（状态、暂停、停止、恢复）
  - 查看集群成员和槽位

使用示例：
  # 启动master
  dag-master server --config ./configs/dag-master.yaml

  # 导入并触发工作流
  dag-master workflow import ./etl.yaml
  dag-master workflow trigger 100 --param dt=2026-10-19

  # 查看实例状态
  dag-master instance status 1`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *dagmaster.Client {
	return dagmaster.New(serverURL)
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:12345", "dag-master控制面地址")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "使用JSON格式输出")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径")

	// 添加子命令
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
