// Package dagmaster 控制面HTTP API客户端
package dagmaster

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LENAX/dag-master/pkg/api/dto"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/valyala/fasthttp"
)

// APIError 服务端返回的错误
type APIError struct {
	Status  int
	Message string
}

// Error 实现error
func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Client 控制面客户端
type Client struct {
	baseURL string
	timeout time.Duration
	http    *fasthttp.Client
}

// New 创建客户端
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: 30 * time.Second,
		http: &fasthttp.Client{
			Name:                "dag-master-cli",
			MaxIdleConnDuration: 10 * time.Second,
		},
	}
}

// WithTimeout 设置单次请求超时
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// ========== Workflow API ==========

// ListWorkflows 列出工作流定义
func (c *Client) ListWorkflows() (*dto.ListResponse[dto.WorkflowSummary], error) {
	var out dto.ListResponse[dto.WorkflowSummary]
	if err := c.do(fasthttp.MethodGet, "/api/v1/workflows", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWorkflow 获取工作流定义
func (c *Client) GetWorkflow(code int64) (*workflow.WorkflowSpec, error) {
	var out workflow.WorkflowSpec
	if err := c.do(fasthttp.MethodGet, "/api/v1/workflows/"+id(code), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImportWorkflow 导入YAML格式的工作流定义
func (c *Client) ImportWorkflow(yamlContent string) (*dto.WorkflowSummary, error) {
	var out dto.WorkflowSummary
	if err := c.do(fasthttp.MethodPost, "/api/v1/workflows", dto.ImportWorkflowRequest{Content: yamlContent}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerWorkflow 触发工作流，返回命令ID
func (c *Client) TriggerWorkflow(code int64, req dto.TriggerWorkflowRequest) (int64, error) {
	var out dto.CommandAccepted
	if err := c.do(fasthttp.MethodPost, "/api/v1/workflows/"+id(code)+"/trigger", req, &out); err != nil {
		return 0, err
	}
	return out.CommandID, nil
}

// ========== Instance API ==========

// ListInstances 列出最近的工作流实例
func (c *Client) ListInstances(status string, limit int) (*dto.ListResponse[dto.InstanceSummary], error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/instances"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var out dto.ListResponse[dto.InstanceSummary]
	if err := c.do(fasthttp.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInstance 获取实例详情
func (c *Client) GetInstance(instanceID int64) (*dto.InstanceDetail, error) {
	var out dto.InstanceDetail
	if err := c.do(fasthttp.MethodGet, "/api/v1/instances/"+id(instanceID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInstanceTasks 获取实例的任务；all为true时包含被重试替代的尝试
func (c *Client) GetInstanceTasks(instanceID int64, all bool) ([]dto.TaskInstanceDetail, error) {
	path := "/api/v1/instances/" + id(instanceID) + "/tasks"
	if all {
		path += "?all=true"
	}
	var out dto.ListResponse[dto.TaskInstanceDetail]
	if err := c.do(fasthttp.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// PauseInstance 暂停实例
func (c *Client) PauseInstance(instanceID int64) error {
	return c.do(fasthttp.MethodPost, "/api/v1/instances/"+id(instanceID)+"/pause", nil, nil)
}

// StopInstance 停止实例
func (c *Client) StopInstance(instanceID int64) error {
	return c.do(fasthttp.MethodPost, "/api/v1/instances/"+id(instanceID)+"/stop", nil, nil)
}

// RecoverFailure 从失败任务恢复，返回命令ID
func (c *Client) RecoverFailure(instanceID int64) (int64, error) {
	return c.command("/api/v1/instances/" + id(instanceID) + "/recover-failure")
}

// RecoverSuspended 恢复暂停或停止的实例，返回命令ID
func (c *Client) RecoverSuspended(instanceID int64) (int64, error) {
	return c.command("/api/v1/instances/" + id(instanceID) + "/recover-suspended")
}

// ========== Cluster API ==========

// Cluster 集群成员和槽位
func (c *Client) Cluster() (*dto.ClusterInfo, error) {
	var out dto.ClusterInfo
	if err := c.do(fasthttp.MethodGet, "/api/v1/cluster", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health 健康检查
func (c *Client) Health() (*dto.HealthResponse, error) {
	var out dto.HealthResponse
	if err := c.do(fasthttp.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) command(path string) (int64, error) {
	var out dto.CommandAccepted
	if err := c.do(fasthttp.MethodPost, path, nil, &out); err != nil {
		return 0, err
	}
	return out.CommandID, nil
}

// do 发送请求并解开APIResponse；out为nil时忽略data
func (c *Client) do(method, path string, body, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(raw)
	}
	if err := c.http.DoTimeout(req, resp, c.timeout); err != nil {
		return fmt.Errorf("请求 %s %s 失败: %w", method, path, err)
	}

	var envelope dto.APIResponse[json.RawMessage]
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return &APIError{Status: resp.StatusCode(), Message: fmt.Sprintf("无法解析响应: %s", resp.Body())}
	}
	if envelope.Code != 0 || resp.StatusCode() >= fasthttp.StatusBadRequest {
		return &APIError{Status: resp.StatusCode(), Message: envelope.Message}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("解析响应数据失败: %w", err)
	}
	return nil
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}
