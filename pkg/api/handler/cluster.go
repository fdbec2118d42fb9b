package handler

import (
	"net/http"

	"github.com/LENAX/dag-master/pkg/api/dto"
	"github.com/LENAX/dag-master/pkg/cluster"
	"github.com/gin-gonic/gin"
)

// Members 集群成员视图，*cluster.ClusterManager实现了它
type Members interface {
	Masters() []*cluster.HeartBeat
	Workers() []*cluster.HeartBeat
}

// SlotSource 本机槽位
type SlotSource interface {
	Snapshot() cluster.SlotSnapshot
}

// ClusterHandler 集群与健康检查API处理器
type ClusterHandler struct {
	self       string
	version    string
	members    Members
	slots      SlotSource
	controller WorkflowController
}

// NewClusterHandler 创建ClusterHandler
func NewClusterHandler(self, version string, members Members, slots SlotSource, controller WorkflowController) *ClusterHandler {
	return &ClusterHandler{self: self, version: version, members: members, slots: slots, controller: controller}
}

func (h *ClusterHandler) slotInfo() dto.SlotInfo {
	s := h.slots.Snapshot()
	return dto.SlotInfo{Slot: s.Slot, Total: s.Total, Ready: s.Active()}
}

// Cluster 在线master、执行器和本机槽位
// GET /api/v1/cluster
func (h *ClusterHandler) Cluster(c *gin.Context) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ClusterInfo{
		Self:    h.self,
		Slot:    h.slotInfo(),
		Masters: h.members.Masters(),
		Workers: h.members.Workers(),
	}))
}

// Health 健康检查；引擎未运行时返回503
// GET /health
func (h *ClusterHandler) Health(c *gin.Context) {
	resp := dto.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Engine:  h.controller.Running(),
		Slot:    h.slotInfo(),
	}
	status := http.StatusOK
	if !resp.Engine {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, dto.NewSuccessResponse(resp))
}
