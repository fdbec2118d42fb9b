package queue

import "strconv"

// TaskPriority 派发队列排序元组
// 依次比较：派发失败次数、工作流优先级、工作流实例ID、任务优先级、任务组优先级（大者优先）、任务实例ID
type TaskPriority struct {
	DispatchFailedTimes int
	WorkflowPriority    int
	WorkflowInstanceID  int64
	TaskPriority        int
	TaskGroupPriority   int
	TaskInstanceID      int64
}

// Compare 返回-1/0/1
func (p TaskPriority) Compare(o TaskPriority) int {
	if c := compareInt(int64(p.DispatchFailedTimes), int64(o.DispatchFailedTimes)); c != 0 {
		return c
	}
	if c := compareInt(int64(p.WorkflowPriority), int64(o.WorkflowPriority)); c != 0 {
		return c
	}
	if c := compareInt(p.WorkflowInstanceID, o.WorkflowInstanceID); c != 0 {
		return c
	}
	if c := compareInt(int64(p.TaskPriority), int64(o.TaskPriority)); c != 0 {
		return c
	}
	if c := compareInt(int64(o.TaskGroupPriority), int64(p.TaskGroupPriority)); c != 0 {
		return c
	}
	return compareInt(p.TaskInstanceID, o.TaskInstanceID)
}

// Less p排在o前面
func (p TaskPriority) Less(o TaskPriority) bool {
	return p.Compare(o) < 0
}

// Key 队列去重键
func (p TaskPriority) Key() string {
	return strconv.FormatInt(p.TaskInstanceID, 10)
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
