package cmd

import (
	"github.com/LENAX/dag-master/pkg/config"
	"github.com/spf13/cobra"
)

// configCmd 配置相关命令
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
}

// configDumpCmd 输出生效的配置
var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "输出合并了默认值、配置文件和环境变量之后的配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	configCmd.AddCommand(configDumpCmd)
}
