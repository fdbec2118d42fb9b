package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/LENAX/dag-master/pkg/cli/output"
	"github.com/LENAX/dag-master/pkg/cluster"
	"github.com/spf13/cobra"
)

// clusterCmd 查看集群
var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "查看在线master、执行器和槽位",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient().Cluster()
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(info)
		}

		w := output.Writer
		slot := "未就绪"
		if info.Slot.Ready {
			slot = fmt.Sprintf("%d/%d", info.Slot.Slot, info.Slot.Total)
		}
		fmt.Fprintf(w, "Self: %s  Slot: %s\n\n", info.Self, slot)

		table := output.NewTable("ROLE", "HOST", "GROUP", "STATUS", "CPU%", "MEM%", "REPORTED")
		for _, hb := range append(info.Masters, info.Workers...) {
			table.AddRow(
				string(hb.Role),
				hb.Host,
				orDash(hb.WorkerGroup),
				serverStatus(hb.Status),
				strconv.FormatFloat(hb.CPUUsage, 'f', 1, 64),
				strconv.FormatFloat(hb.MemoryUsage, 'f', 1, 64),
				reportedAgo(hb.ReportTime),
			)
		}
		table.Render()
		return nil
	},
}

// serverStatus BUSY 表示触发了资源保护，不再接收新工作
func serverStatus(s cluster.ServerStatus) string {
	if s == cluster.StatusBusy {
		return output.Status(string(s))
	}
	return string(s)
}

func reportedAgo(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.Since(time.UnixMilli(ms)).Round(time.Second).String() + " ago"
}
