package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/LENAX/dag-master/pkg/api/dto"
	"github.com/LENAX/dag-master/pkg/core/engine"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/gin-gonic/gin"
)

// statusOf 错误到HTTP状态码的映射
func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, engine.ErrWorkflowNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrIllegalState):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidStartNode):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, prefix string, err error) {
	status := statusOf(err)
	c.JSON(status, dto.NewErrorResponse(status, fmt.Sprintf("%s: %v", prefix, err)))
}

func badRequest(c *gin.Context, format string, args ...any) {
	c.JSON(http.StatusBadRequest, dto.NewErrorResponse(http.StatusBadRequest, fmt.Sprintf(format, args...)))
}

// int64Param 解析路径中的数字ID
func int64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		badRequest(c, "参数 %s 不是合法的ID: %s", name, c.Param(name))
		return 0, false
	}
	return v, true
}
