package handler

import (
	"context"
	"net/http"

	"github.com/LENAX/dag-master/pkg/api/dto"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"
)

// WorkflowController 控制面对引擎的调用，*engine.WorkflowEngine实现了它
type WorkflowController interface {
	Trigger(ctx context.Context, definitionCode int64, startNodes []int64, params map[string]string, priority task.Priority) (int64, error)
	PauseWorkflow(id int64) error
	StopWorkflow(id int64) error
	RecoverFailure(ctx context.Context, id int64) (int64, error)
	RecoverSuspended(ctx context.Context, id int64) (int64, error)
	Running() bool
}

// WorkflowHandler 工作流定义API处理器
type WorkflowHandler struct {
	controller WorkflowController
	defs       storage.WorkflowDefinitionRepository
}

// NewWorkflowHandler 创建WorkflowHandler
func NewWorkflowHandler(controller WorkflowController, defs storage.WorkflowDefinitionRepository) *WorkflowHandler {
	return &WorkflowHandler{controller: controller, defs: defs}
}

// List 列出工作流定义
// GET /api/v1/workflows
func (h *WorkflowHandler) List(c *gin.Context) {
	defs, err := h.defs.ListWorkflowDefinitions(c.Request.Context())
	if err != nil {
		abortWithError(c, "查询工作流定义失败", err)
		return
	}
	items := make([]dto.WorkflowSummary, 0, len(defs))
	for _, def := range defs {
		items = append(items, dto.NewWorkflowSummary(def))
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.WorkflowSummary]{
		Total: len(items),
		Items: items,
	}))
}

// Get 获取工作流定义（含任务和依赖关系）
// GET /api/v1/workflows/:code
func (h *WorkflowHandler) Get(c *gin.Context) {
	code, ok := int64Param(c, "code")
	if !ok {
		return
	}
	spec, err := h.defs.GetWorkflowSpec(c.Request.Context(), code)
	if err != nil {
		abortWithError(c, "查询工作流定义失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(spec))
}

// Import 导入YAML格式的工作流定义，同编码的定义整体替换
// POST /api/v1/workflows
func (h *WorkflowHandler) Import(c *gin.Context) {
	var req dto.ImportWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误: %v", err)
		return
	}
	var spec workflow.WorkflowSpec
	if err := yaml.Unmarshal([]byte(req.Content), &spec); err != nil {
		badRequest(c, "YAML解析失败: %v", err)
		return
	}
	if err := spec.Validate(); err != nil {
		badRequest(c, "工作流定义不合法: %v", err)
		return
	}
	if err := h.defs.SaveWorkflowSpec(c.Request.Context(), &spec); err != nil {
		abortWithError(c, "保存工作流定义失败", err)
		return
	}
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(dto.NewWorkflowSummary(&spec.Definition)))
}

// Trigger 触发工作流，写入START_PROCESS命令
// POST /api/v1/workflows/:code/trigger
func (h *WorkflowHandler) Trigger(c *gin.Context) {
	code, ok := int64Param(c, "code")
	if !ok {
		return
	}
	var req dto.TriggerWorkflowRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "请求参数错误: %v", err)
			return
		}
	}
	id, err := h.controller.Trigger(c.Request.Context(), code, req.StartNodes, req.Params, req.GetPriority())
	if err != nil {
		abortWithError(c, "触发工作流失败", err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(dto.CommandAccepted{CommandID: id}))
}
