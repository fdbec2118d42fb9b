package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LENAX/dag-master/pkg/core/executor"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/valyala/fasthttp"
)

// HTTPParams HTTP任务参数
type HTTPParams struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	ExpectedStatus int               `json:"expected_status"`
	// OutputProp 不为空时把响应体写入该OUT变量
	OutputProp     string `json:"output_prop"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// HTTPPlugin 发起HTTP请求的同步插件
type HTTPPlugin struct {
	client *fasthttp.Client
}

// NewHTTPPlugin 创建HTTP插件
func NewHTTPPlugin() *HTTPPlugin {
	return &HTTPPlugin{client: &fasthttp.Client{
		Name:                "dag-master",
		MaxConnsPerHost:     64,
		MaxIdleConnDuration: 30 * time.Second,
	}}
}

// Type 任务类型
func (p *HTTPPlugin) Type() string {
	return task.TypeHTTP
}

// Execute 发起请求并检查状态码
func (p *HTTPPlugin) Execute(ctx context.Context, tctx *task.TaskExecutionContext) (*executor.Result, error) {
	var params HTTPParams
	if err := json.Unmarshal([]byte(tctx.TaskParams), &params); err != nil {
		return nil, fmt.Errorf("解析HTTP参数失败: %w", err)
	}
	if params.URL == "" {
		return nil, fmt.Errorf("HTTP任务缺少url")
	}
	if params.Method == "" {
		params.Method = fasthttp.MethodGet
	}
	if params.ExpectedStatus == 0 {
		params.ExpectedStatus = fasthttp.StatusOK
	}

	deadline := time.Now().Add(60 * time.Second)
	if params.TimeoutSeconds > 0 {
		deadline = time.Now().Add(time.Duration(params.TimeoutSeconds) * time.Second)
	}
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// fasthttp不感知context，请求在独立协程中完成，取消时提前返回
	done := make(chan httpOutcome, 1)
	go func() { done <- p.do(params, deadline) }()
	var out httpOutcome
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out = <-done:
	}
	if out.err != nil {
		return nil, fmt.Errorf("HTTP请求失败: %w", out.err)
	}
	if out.status != params.ExpectedStatus {
		return nil, fmt.Errorf("HTTP状态码 %d，期望 %d", out.status, params.ExpectedStatus)
	}
	body := out.body
	res := &executor.Result{Output: body}
	if params.OutputProp != "" {
		res.VarPool = []task.Property{{Prop: params.OutputProp, Direct: task.DirectOut, Type: "VARCHAR", Value: body}}
	}
	return res, nil
}

type httpOutcome struct {
	status int
	body   string
	err    error
}

func (p *HTTPPlugin) do(params HTTPParams, deadline time.Time) httpOutcome {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(params.URL)
	req.Header.SetMethod(params.Method)
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}
	if params.Body != "" {
		req.SetBodyString(params.Body)
	}
	if err := p.client.DoDeadline(req, resp, deadline); err != nil {
		return httpOutcome{err: err}
	}
	return httpOutcome{status: resp.StatusCode(), body: string(resp.Body())}
}

var _ executor.SyncTaskPlugin = (*HTTPPlugin)(nil)
