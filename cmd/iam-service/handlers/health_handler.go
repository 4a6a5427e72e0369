package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloud-platform/identity-core/cmd/iam-service/services"
	"github.com/cloud-platform/identity-core/shared/api"
	"github.com/cloud-platform/identity-core/shared/monitoring"
)

// HealthHandler 健康检查与运行指标
type HealthHandler struct {
	monitor     *monitoring.PerformanceMonitor
	audit       *services.AuditPipeline
	service     string
	version     string
	respHandler *api.ResponseHandler
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(monitor *monitoring.PerformanceMonitor, audit *services.AuditPipeline, service, version string) *HealthHandler {
	return &HealthHandler{
		monitor:     monitor,
		audit:       audit,
		service:     service,
		version:     version,
		respHandler: api.NewResponseHandler(),
	}
}

// Health 依赖健康检查，任一依赖异常返回503
// @Summary 健康检查
// @Tags 系统
// @Produce json
// @Success 200 {object} map[string]interface{} "健康"
// @Failure 503 {object} map[string]interface{} "依赖异常"
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	checks := h.monitor.PerformHealthCheck(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !monitoring.Healthy(checks) {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	body := gin.H{
		"status":    status,
		"service":   h.service,
		"version":   h.version,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	}
	if h.audit != nil {
		body["audit"] = gin.H{
			"pending": h.audit.Pending(),
			"dropped": h.audit.Dropped(),
		}
	}
	c.JSON(code, body)
}

// Metrics 请求性能报告
// @Summary 性能报告
// @Tags 系统
// @Produce json
// @Security BearerAuth
// @Success 200 {object} StandardResponse{data=monitoring.PerformanceReport} "报告"
// @Router /api/v1/admin/metrics [get]
func (h *HealthHandler) Metrics(c *gin.Context) {
	h.respHandler.OK(c, "获取成功", h.monitor.GenerateReport())
}
