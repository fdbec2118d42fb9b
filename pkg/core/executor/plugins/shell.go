// Package plugins 内置任务插件：SHELL、HTTP、SLEEP、CONDITIONS
package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/LENAX/dag-master/pkg/core/executor"
	"github.com/LENAX/dag-master/pkg/core/task"
)

// ShellParams SHELL任务参数
type ShellParams struct {
	RawScript string `json:"raw_script"`
}

// 脚本通过输出 ${setValue(key=value)} 向下游传递变量
var setValuePattern = regexp.MustCompile(`\$\{setValue\(([^=()]+)=([^)]*)\)\}`)

// ShellPlugin 在本机shell中执行脚本
type ShellPlugin struct {
	Shell string
}

// NewShellPlugin 创建SHELL插件
func NewShellPlugin() *ShellPlugin {
	return &ShellPlugin{Shell: "/bin/sh"}
}

// Type 任务类型
func (p *ShellPlugin) Type() string {
	return task.TypeShell
}

// Execute 执行脚本，退出码非0视为失败
func (p *ShellPlugin) Execute(ctx context.Context, tctx *task.TaskExecutionContext) (*executor.Result, error) {
	var params ShellParams
	if err := json.Unmarshal([]byte(tctx.TaskParams), &params); err != nil {
		return nil, fmt.Errorf("解析SHELL参数失败: %w", err)
	}
	if strings.TrimSpace(params.RawScript) == "" {
		return nil, fmt.Errorf("SHELL脚本为空")
	}

	cmd := exec.CommandContext(ctx, p.Shell, "-c", params.RawScript)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("脚本执行失败: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	out := stdout.String()
	return &executor.Result{Output: out, VarPool: ParseSetValues(out)}, nil
}

// ParseSetValues 从输出中提取 ${setValue(key=value)}，同名变量以最后一次为准
func ParseSetValues(output string) []task.Property {
	var props []task.Property
	index := make(map[string]int)
	for _, m := range setValuePattern.FindAllStringSubmatch(output, -1) {
		key := strings.TrimSpace(m[1])
		p := task.Property{Prop: key, Direct: task.DirectOut, Type: "VARCHAR", Value: m[2]}
		if i, ok := index[key]; ok {
			props[i] = p
			continue
		}
		index[key] = len(props)
		props = append(props, p)
	}
	return props
}

var _ executor.SyncTaskPlugin = (*ShellPlugin)(nil)
