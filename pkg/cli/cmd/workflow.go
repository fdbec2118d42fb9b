package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/LENAX/dag-master/pkg/api/dto"
	"github.com/LENAX/dag-master/pkg/cli/output"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/spf13/cobra"
)

var (
	triggerStartNodes []int64
	triggerParams     []string
	triggerPriority   int
)

// workflowCmd workflow子命令
var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "工作流定义管理命令",
	Long:  `管理工作流定义，包括导入、列出、查看和触发。`,
}

// workflowListCmd 列出工作流定义
var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出所有工作流定义",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().ListWorkflows()
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		if len(result.Items) == 0 {
			output.Info("暂无工作流定义")
			return nil
		}
		table := output.NewTable("CODE", "VERSION", "NAME", "FAILURE", "CRON", "ONLINE")
		for _, wf := range result.Items {
			cron := "-"
			if wf.Crontab != "" {
				cron = wf.Crontab
			}
			table.AddRow(
				strconv.FormatInt(wf.Code, 10),
				strconv.Itoa(wf.Version),
				wf.Name,
				wf.FailureStrategy,
				cron,
				strconv.FormatBool(wf.Online),
			)
		}
		table.Render()
		return nil
	},
}

// workflowShowCmd 查看工作流定义
var workflowShowCmd = &cobra.Command{
	Use:   "show <code>",
	Short: "查看工作流定义（任务和依赖）",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := parseID(args[0])
		if err != nil {
			return err
		}
		spec, err := newClient().GetWorkflow(code)
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(spec)
		}
		fmt.Fprintf(output.Writer, "Workflow: %s (%d v%d)\n", spec.Definition.Name, spec.Definition.Code, spec.Definition.Version)
		fmt.Fprintf(output.Writer, "Failure:  %s\n", spec.Definition.FailureStrategy)
		if spec.Definition.Crontab != "" {
			fmt.Fprintf(output.Writer, "Cron:     %s\n", spec.Definition.Crontab)
		}
		upstream := make(map[int64][]string)
		for _, r := range spec.Relations {
			if r.PreTaskCode != 0 {
				upstream[r.PostTaskCode] = append(upstream[r.PostTaskCode], strconv.FormatInt(r.PreTaskCode, 10))
			}
		}
		fmt.Fprintln(output.Writer)
		table := output.NewTable("CODE", "NAME", "TYPE", "RETRY", "UPSTREAM")
		for _, td := range spec.Tasks {
			deps := "-"
			if len(upstream[td.Code]) > 0 {
				deps = strings.Join(upstream[td.Code], ",")
			}
			table.AddRow(strconv.FormatInt(td.Code, 10), td.Name, td.TaskType, strconv.Itoa(td.FailRetryTimes), deps)
		}
		table.Render()
		return nil
	},
}

// workflowImportCmd 导入YAML定义
var workflowImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "从YAML文件导入工作流定义",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			output.Error("读取文件失败: %v", err)
			return err
		}
		summary, err := newClient().ImportWorkflow(string(content))
		if err != nil {
			output.Error("导入失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(summary)
		}
		output.Success("已导入工作流 %s (code=%d, version=%d)", summary.Name, summary.Code, summary.Version)
		return nil
	},
}

// workflowTriggerCmd 触发工作流
var workflowTriggerCmd = &cobra.Command{
	Use:   "trigger <code>",
	Short: "触发工作流",
	Long: `写入START_PROCESS命令，由持有对应槽位的master执行。

示例：
  dag-master workflow trigger 100
  dag-master workflow trigger 100 --start-nodes 3,4 --param dt=2026-10-19 --priority 1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := parseID(args[0])
		if err != nil {
			return err
		}
		params, err := parseParams(triggerParams)
		if err != nil {
			return err
		}
		req := dto.TriggerWorkflowRequest{StartNodes: triggerStartNodes, Params: params}
		if cmd.Flags().Changed("priority") {
			p := task.Priority(triggerPriority)
			req.Priority = &p
		}
		cmdID, err := newClient().TriggerWorkflow(code, req)
		if err != nil {
			output.Error("触发失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(dto.CommandAccepted{CommandID: cmdID})
		}
		output.Success("已提交触发命令 %d", cmdID)
		return nil
	},
}

// parseParams 解析 key=value 形式的参数
func parseParams(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("参数格式应为key=value: %s", kv)
		}
		params[k] = v
	}
	return params, nil
}

func parseID(raw string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("不是合法的ID: %s", raw)
	}
	return v, nil
}

func init() {
	workflowTriggerCmd.Flags().Int64SliceVar(&triggerStartNodes, "start-nodes", nil, "从指定任务编码开始运行")
	workflowTriggerCmd.Flags().StringArrayVarP(&triggerParams, "param", "p", nil, "启动参数 key=value，可重复")
	workflowTriggerCmd.Flags().IntVar(&triggerPriority, "priority", int(task.PriorityMedium), "工作流优先级 0(最高)-4(最低)")

	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowShowCmd)
	workflowCmd.AddCommand(workflowImportCmd)
	workflowCmd.AddCommand(workflowTriggerCmd)
}
