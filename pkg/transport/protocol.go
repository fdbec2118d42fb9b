package transport

import (
	"errors"

	"github.com/LENAX/dag-master/pkg/core/executor"
	"github.com/LENAX/dag-master/pkg/core/task"
)

// CommandKind master发给执行器的命令类型
type CommandKind string

const (
	CommandDispatch CommandKind = "DISPATCH"
	CommandPause    CommandKind = "PAUSE"
	CommandKill     CommandKind = "KILL"
	CommandTakeOver CommandKind = "TAKE_OVER"
)

// CommandRequest 命令请求
type CommandRequest struct {
	Kind           CommandKind                `json:"kind"`
	TaskInstanceID int64                      `json:"task_instance_id"`
	Context        *task.TaskExecutionContext `json:"context,omitempty"`
}

// CommandReply 命令应答
type CommandReply struct {
	Accepted  bool   `json:"accepted"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// 应答错误码，master侧还原成执行器的哨兵错误
const (
	codeTaskNotFound    = "TASK_NOT_FOUND"
	codeExecutorBusy    = "EXECUTOR_BUSY"
	codeExecutorStopped = "EXECUTOR_STOPPED"
	codePluginNotFound  = "PLUGIN_NOT_FOUND"
	codeBadRequest      = "BAD_REQUEST"
	codeInternal        = "INTERNAL"
)

var codeErrors = map[string]error{
	codeTaskNotFound:    executor.ErrTaskNotFound,
	codeExecutorBusy:    executor.ErrExecutorBusy,
	codeExecutorStopped: executor.ErrExecutorStopped,
	codePluginNotFound:  executor.ErrPluginNotFound,
}

// ErrBadRequest 执行器无法解析的命令
var ErrBadRequest = errors.New("transport: bad request")

func replyFromError(err error) CommandReply {
	if err == nil {
		return CommandReply{Accepted: true}
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return CommandReply{ErrorCode: code, Error: err.Error()}
		}
	}
	if errors.Is(err, ErrBadRequest) {
		return CommandReply{ErrorCode: codeBadRequest, Error: err.Error()}
	}
	return CommandReply{ErrorCode: codeInternal, Error: err.Error()}
}

// Err 应答中的错误
func (r CommandReply) Err() error {
	if r.ErrorCode == "" {
		return nil
	}
	if sentinel, ok := codeErrors[r.ErrorCode]; ok {
		return sentinel
	}
	if r.ErrorCode == codeBadRequest {
		return ErrBadRequest
	}
	return errors.New(r.Error)
}
