package cmd

import (
	"fmt"
	"strconv"

	"github.com/LENAX/dag-master/pkg/api/dto"
	"github.com/LENAX/dag-master/pkg/cli/output"
	"github.com/spf13/cobra"
)

var (
	instanceStatus   string
	instanceLimit    int
	instanceAllTasks bool
	recoverSuspended bool
)

// instanceCmd instance子命令
var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "工作流实例管理命令",
	Long:  `管理工作流实例，包括查看状态、暂停、停止和恢复。`,
}

// instanceListCmd 列出实例
var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出最近的工作流实例",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().ListInstances(instanceStatus, instanceLimit)
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		if len(result.Items) == 0 {
			output.Info("暂无工作流实例")
			return nil
		}
		table := output.NewTable("ID", "WORKFLOW", "STATUS", "HOST", "RUNS", "STARTED", "DURATION")
		for _, inst := range result.Items {
			table.AddRow(
				strconv.FormatInt(inst.ID, 10),
				inst.Name,
				output.Status(inst.Status),
				orDash(inst.Host),
				strconv.Itoa(inst.RunTimes),
				formatTime(inst),
				orDash(inst.Duration),
			)
		}
		table.Render()
		return nil
	},
}

// instanceStatusCmd 查看实例状态
var instanceStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "查看工作流实例状态和任务",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client := newClient()
		inst, err := client.GetInstance(id)
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		tasks, err := client.GetInstanceTasks(id, instanceAllTasks)
		if err != nil {
			output.Error("查询任务失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(map[string]any{
				"instance": inst,
				"tasks":    tasks,
			})
		}

		w := output.Writer
		fmt.Fprintf(w, "Instance: %d\n", inst.ID)
		fmt.Fprintf(w, "Workflow: %s (%d)\n", inst.Name, inst.DefinitionCode)
		fmt.Fprintf(w, "Status:   %s\n", output.Status(inst.Status))
		fmt.Fprintf(w, "Host:     %s\n", orDash(inst.Host))
		fmt.Fprintf(w, "Progress: %d/%d (%d%%) running=%d failed=%d\n",
			inst.Progress.Success, inst.Progress.Total,
			calculatePercent(inst.Progress.Success, inst.Progress.Total),
			inst.Progress.Running, inst.Progress.Failed)
		fmt.Fprintf(w, "Started:  %s\n", formatTime(inst.InstanceSummary))
		if inst.EndTime != nil {
			fmt.Fprintf(w, "Finished: %s (%s)\n", inst.EndTime.Format("2006-01-02 15:04:05"), inst.Duration)
		}

		fmt.Fprintln(w)
		table := output.NewTable("TASK_ID", "CODE", "NAME", "TYPE", "STATUS", "HOST", "RETRY")
		for _, t := range tasks {
			name := t.Name
			if !t.Valid {
				name += " (replaced)"
			}
			table.AddRow(
				strconv.FormatInt(t.ID, 10),
				strconv.FormatInt(t.TaskCode, 10),
				name,
				t.TaskType,
				output.Status(t.Status),
				orDash(t.Host),
				strconv.Itoa(t.RetryTimes),
			)
		}
		table.Render()
		return nil
	},
}

// instancePauseCmd 暂停实例
var instancePauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "暂停运行中的实例",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := newClient().PauseInstance(id); err != nil {
			output.Error("暂停失败: %v", err)
			return err
		}
		output.Success("已请求暂停实例 %d", id)
		return nil
	},
}

// instanceStopCmd 停止实例
var instanceStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "停止运行中的实例，正在运行的任务会被杀掉",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := newClient().StopInstance(id); err != nil {
			output.Error("停止失败: %v", err)
			return err
		}
		output.Success("已请求停止实例 %d", id)
		return nil
	},
}

// instanceRecoverCmd 恢复实例
var instanceRecoverCmd = &cobra.Command{
	Use:   "recover <id>",
	Short: "从失败任务恢复实例；--suspended 恢复暂停或停止的实例",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client := newClient()
		recoverFn := client.RecoverFailure
		if recoverSuspended {
			recoverFn = client.RecoverSuspended
		}
		cmdID, err := recoverFn(id)
		if err != nil {
			output.Error("恢复失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(dto.CommandAccepted{CommandID: cmdID})
		}
		output.Success("已提交恢复命令 %d", cmdID)
		return nil
	},
}

func formatTime(inst dto.InstanceSummary) string {
	if inst.StartTime.IsZero() {
		return "-"
	}
	return inst.StartTime.Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// calculatePercent 计算百分比
func calculatePercent(completed, total int) int {
	if total == 0 {
		return 0
	}
	return completed * 100 / total
}

func init() {
	instanceListCmd.Flags().StringVar(&instanceStatus, "status", "", "按状态过滤，如 RUNNING_EXECUTION、SUCCESS")
	instanceListCmd.Flags().IntVarP(&instanceLimit, "limit", "l", 20, "返回数量")
	instanceStatusCmd.Flags().BoolVarP(&instanceAllTasks, "all", "a", false, "包含被重试替代的任务尝试")
	instanceRecoverCmd.Flags().BoolVar(&recoverSuspended, "suspended", false, "恢复暂停或停止的实例")

	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceStatusCmd)
	instanceCmd.AddCommand(instancePauseCmd)
	instanceCmd.AddCommand(instanceStopCmd)
	instanceCmd.AddCommand(instanceRecoverCmd)
}
