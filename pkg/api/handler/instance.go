package handler

import (
	"net/http"

	"github.com/LENAX/dag-master/pkg/api/dto"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/gin-gonic/gin"
)

// InstanceHandler 工作流实例API处理器
type InstanceHandler struct {
	controller WorkflowController
	instances  storage.WorkflowInstanceRepository
	tasks      storage.TaskInstanceRepository
}

// NewInstanceHandler 创建InstanceHandler
func NewInstanceHandler(controller WorkflowController, instances storage.WorkflowInstanceRepository, tasks storage.TaskInstanceRepository) *InstanceHandler {
	return &InstanceHandler{controller: controller, instances: instances, tasks: tasks}
}

// List 列出最近的工作流实例
// GET /api/v1/instances
func (h *InstanceHandler) List(c *gin.Context) {
	var query dto.ListQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "查询参数错误: %v", err)
		return
	}
	insts, err := h.instances.ListWorkflowInstances(c.Request.Context(), query.GetDefaultLimit())
	if err != nil {
		abortWithError(c, "查询工作流实例失败", err)
		return
	}
	items := make([]dto.InstanceSummary, 0, len(insts))
	for _, inst := range insts {
		if query.Status != "" && string(inst.Status) != query.Status {
			continue
		}
		items = append(items, dto.NewInstanceSummary(inst))
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.InstanceSummary]{
		Total: len(items),
		Items: items,
	}))
}

// Get 获取实例详情和任务进度
// GET /api/v1/instances/:id
func (h *InstanceHandler) Get(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	inst, err := h.instances.GetWorkflowInstance(ctx, id)
	if err != nil {
		abortWithError(c, "查询工作流实例失败", err)
		return
	}
	tasks, err := h.tasks.ListValidByWorkflowInstance(ctx, id)
	if err != nil {
		abortWithError(c, "查询任务实例失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.InstanceDetail{
		InstanceSummary: dto.NewInstanceSummary(inst),
		Progress:        dto.NewProgressInfo(tasks),
	}))
}

// Tasks 列出实例的任务；all=true时包含被重试替代的尝试
// GET /api/v1/instances/:id/tasks
func (h *InstanceHandler) Tasks(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.instances.GetWorkflowInstance(ctx, id); err != nil {
		abortWithError(c, "查询工作流实例失败", err)
		return
	}
	list := h.tasks.ListValidByWorkflowInstance
	if c.Query("all") == "true" {
		list = h.tasks.ListByWorkflowInstance
	}
	tasks, err := list(ctx, id)
	if err != nil {
		abortWithError(c, "查询任务实例失败", err)
		return
	}
	items := make([]dto.TaskInstanceDetail, 0, len(tasks))
	for _, ti := range tasks {
		items = append(items, dto.NewTaskInstanceDetail(ti))
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.TaskInstanceDetail]{
		Total: len(items),
		Items: items,
	}))
}

// Pause 暂停本master上运行的实例
// POST /api/v1/instances/:id/pause
func (h *InstanceHandler) Pause(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	if err := h.controller.PauseWorkflow(id); err != nil {
		abortWithError(c, "暂停工作流失败", err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(gin.H{"id": id}))
}

// Stop 停止本master上运行的实例
// POST /api/v1/instances/:id/stop
func (h *InstanceHandler) Stop(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	if err := h.controller.StopWorkflow(id); err != nil {
		abortWithError(c, "停止工作流失败", err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(gin.H{"id": id}))
}

// RecoverFailure 从失败的任务重新运行
// POST /api/v1/instances/:id/recover-failure
func (h *InstanceHandler) RecoverFailure(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	cmdID, err := h.controller.RecoverFailure(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, "恢复失败工作流失败", err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(dto.CommandAccepted{CommandID: cmdID}))
}

// RecoverSuspended 恢复暂停或停止的实例
// POST /api/v1/instances/:id/recover-suspended
func (h *InstanceHandler) RecoverSuspended(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	cmdID, err := h.controller.RecoverSuspended(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, "恢复暂停工作流失败", err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(dto.CommandAccepted{CommandID: cmdID}))
}
