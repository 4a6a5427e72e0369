package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cloud-platform/identity-core/cmd/iam-service/services"
	"github.com/cloud-platform/identity-core/shared/api"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/models"
)

// AdminHandler 管理员操作：强制下线、MFA重置、维护与审计查询
type AdminHandler struct {
	authService *services.AuthService
	mfaService  *services.MFAService
	sessions    *services.SessionStore
	audit       *services.AuditPipeline
	alerts      *services.AlertHub
	upgrader    websocket.Upgrader
	logger      logger.Logger
	respHandler *api.ResponseHandler
}

// NewAdminHandler 创建管理处理器，allowedOrigins为空时告警推送仅接受同源连接
func NewAdminHandler(
	authService *services.AuthService,
	mfaService *services.MFAService,
	sessions *services.SessionStore,
	audit *services.AuditPipeline,
	alerts *services.AlertHub,
	allowedOrigins []string,
	logger logger.Logger,
) *AdminHandler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimRight(o, "/")] = struct{}{}
	}
	h := &AdminHandler{
		authService: authService,
		mfaService:  mfaService,
		sessions:    sessions,
		audit:       audit,
		alerts:      alerts,
		logger:      logger,
		respHandler: api.NewResponseHandler(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := origins["*"]; ok {
				return true
			}
			if _, ok := origins[origin]; ok {
				return true
			}
			return strings.HasSuffix(origin, "://"+r.Host)
		},
	}
	return h
}

// ForceLogoutRequest 强制下线请求
type ForceLogoutRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}

// AuditLogQuery 审计检索参数
type AuditLogQuery struct {
	From      time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To        time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	UserID    string    `form:"user_id" binding:"omitempty,uuid"`
	EventType string    `form:"event_type"`
	Severity  string    `form:"severity"`
	Success   string    `form:"success" binding:"omitempty,oneof=true false"`
	IPAddress string    `form:"ip" binding:"omitempty,ip"`
	Query     string    `form:"q" binding:"max=200"`
	Page      int       `form:"page" binding:"omitempty,min=1"`
	Limit     int       `form:"limit" binding:"omitempty,min=1,max=500"`
}

// AuditStatsQuery 审计统计参数，缺省统计最近24小时
type AuditStatsQuery struct {
	From      time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To        time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	EventType string    `form:"event_type"`
}

// ForceLogout 强制终止用户全部会话
// @Summary 强制下线
// @Tags 管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param user_id path string true "用户ID"
// @Param body body ForceLogoutRequest false "原因"
// @Success 200 {object} StandardResponse "已终止的会话"
// @Router /api/v1/admin/users/{user_id}/force-logout [post]
func (h *AdminHandler) ForceLogout(c *gin.Context) {
	actorID, ok := currentUserID(c)
	if !ok {
		h.respHandler.Unauthorized(c, "用户未认证")
		return
	}
	targetID, ok := pathUUID(c, "user_id")
	if !ok {
		h.respHandler.BadRequest(c, "无效的用户ID", nil)
		return
	}

	var req ForceLogoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respHandler.ValidationError(c, "请求参数无效", err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "admin_action"
	}

	removed, err := h.authService.ForceLogoutUser(c.Request.Context(), targetID, actorID, req.Reason, requestMeta(c))
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"actor_id":  actorID,
		"target_id": targetID,
		"sessions":  len(removed),
	}).Info("管理员强制下线用户")
	h.respHandler.OK(c, "用户会话已终止", gin.H{"terminated": removed})
}

// ResetMFA 重置用户全部MFA配置
// @Summary 重置用户MFA
// @Tags 管理
// @Produce json
// @Security BearerAuth
// @Param user_id path string true "用户ID"
// @Success 200 {object} StandardResponse "已重置"
// @Router /api/v1/admin/users/{user_id}/mfa/reset [post]
func (h *AdminHandler) ResetMFA(c *gin.Context) {
	actorID, ok := currentUserID(c)
	if !ok {
		h.respHandler.Unauthorized(c, "用户未认证")
		return
	}
	targetID, ok := pathUUID(c, "user_id")
	if !ok {
		h.respHandler.BadRequest(c, "无效的用户ID", nil)
		return
	}

	if err := h.mfaService.ResetUser(c.Request.Context(), targetID, actorID, requestMeta(c)); err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "用户MFA已重置", nil)
}

// SweepSessions 立即清扫过期会话
// @Summary 清扫过期会话
// @Tags 管理
// @Produce json
// @Security BearerAuth
// @Param threshold query string false "不活动阈值，如30m"
// @Success 200 {object} StandardResponse "清扫数量"
// @Router /api/v1/admin/sessions/sweep [post]
func (h *AdminHandler) SweepSessions(c *gin.Context) {
	var threshold time.Duration
	if raw := c.Query("threshold"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.respHandler.BadRequest(c, "无效的阈值", map[string]string{"threshold": "duration"})
			return
		}
		threshold = d
	}

	swept, err := h.sessions.SweepExpired(c.Request.Context(), threshold)
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	idle, err := h.sessions.FlagIdle(c.Request.Context())
	if err != nil {
		h.logger.Warnf("标记空闲会话失败: %v", err)
	}
	h.respHandler.OK(c, "清扫完成", gin.H{"expired": swept, "flaggedIdle": idle})
}

// CleanupMFASessions 清理过期MFA挑战
// @Summary 清理过期MFA挑战
// @Tags 管理
// @Produce json
// @Security BearerAuth
// @Success 200 {object} StandardResponse "清理数量"
// @Router /api/v1/admin/mfa/sessions/expired [delete]
func (h *AdminHandler) CleanupMFASessions(c *gin.Context) {
	n, err := h.mfaService.CleanupExpiredSessions(c.Request.Context())
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "清理完成", gin.H{"deleted": n})
}

// SearchAuditLogs 检索审计记录
// @Summary 审计检索
// @Tags 审计
// @Produce json
// @Security BearerAuth
// @Success 200 {object} StandardResponse "审计记录与总数"
// @Router /api/v1/admin/audit/logs [get]
func (h *AdminHandler) SearchAuditLogs(c *gin.Context) {
	var q AuditLogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.respHandler.ValidationError(c, "查询参数无效", err)
		return
	}

	filter := services.AuditFilter{
		IPAddress: q.IPAddress,
		Query:     q.Query,
		Page:      q.Page,
		Limit:     q.Limit,
	}
	if !q.From.IsZero() {
		from := q.From
		filter.From = &from
	}
	if !q.To.IsZero() {
		to := q.To
		filter.To = &to
	}
	if q.UserID != "" {
		uid := uuid.MustParse(q.UserID)
		filter.UserID = &uid
	}
	for _, t := range splitList(q.EventType) {
		filter.EventTypes = append(filter.EventTypes, models.AuditEventType(strings.ToUpper(t)))
	}
	for _, s := range splitList(q.Severity) {
		filter.Severities = append(filter.Severities, models.AuditSeverity(strings.ToUpper(s)))
	}
	if q.Success != "" {
		success := q.Success == "true"
		filter.Success = &success
	}

	logs, total, err := h.audit.Search(c.Request.Context(), filter)
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "获取成功", gin.H{"logs": logs, "total": total})
}

// AuditStatistics 审计统计
// @Summary 审计统计
// @Tags 审计
// @Produce json
// @Security BearerAuth
// @Success 200 {object} StandardResponse{data=services.AuditStatistics} "统计"
// @Router /api/v1/admin/audit/statistics [get]
func (h *AdminHandler) AuditStatistics(c *gin.Context) {
	var q AuditStatsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.respHandler.ValidationError(c, "查询参数无效", err)
		return
	}

	to := q.To
	if to.IsZero() {
		to = time.Now().UTC()
	}
	from := q.From
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	filter := services.AuditStatsFilter{From: from, To: to}
	for _, t := range splitList(q.EventType) {
		filter.EventTypes = append(filter.EventTypes, models.AuditEventType(strings.ToUpper(t)))
	}

	stats, err := h.audit.Statistics(c.Request.Context(), filter)
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "获取成功", stats)
}

// DetectAnomalies 检测用户近期异常行为
// @Summary 异常检测
// @Tags 审计
// @Produce json
// @Security BearerAuth
// @Param user_id path string true "用户ID"
// @Param window query string false "时间窗口，如30m"
// @Success 200 {object} StandardResponse{data=services.AnomalyReport} "检测报告"
// @Router /api/v1/admin/audit/anomalies/{user_id} [get]
func (h *AdminHandler) DetectAnomalies(c *gin.Context) {
	userID, ok := pathUUID(c, "user_id")
	if !ok {
		h.respHandler.BadRequest(c, "无效的用户ID", nil)
		return
	}

	var window time.Duration
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.respHandler.BadRequest(c, "无效的时间窗口", map[string]string{"window": "duration"})
			return
		}
		window = d
	}

	report, err := h.audit.DetectAnomalies(c.Request.Context(), userID, window)
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "检测完成", gin.H{
		"report":     report,
		"suspicious": report.Suspicious(),
	})
}

// CleanupAuditLogs 按保留期清理审计记录
// @Summary 清理审计记录
// @Tags 审计
// @Produce json
// @Security BearerAuth
// @Param retention_days query int false "保留天数，默认90"
// @Success 200 {object} StandardResponse "删除数量"
// @Router /api/v1/admin/audit/logs [delete]
func (h *AdminHandler) CleanupAuditLogs(c *gin.Context) {
	var q struct {
		RetentionDays int `form:"retention_days" binding:"omitempty,min=1,max=3650"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		h.respHandler.ValidationError(c, "查询参数无效", err)
		return
	}

	deleted, err := h.audit.Cleanup(c.Request.Context(), q.RetentionDays)
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}

	actorID, _ := currentUserID(c)
	meta := requestMeta(c)
	h.audit.Record(services.AuditEvent{
		EventType: models.EventDataDeleted,
		UserID:    &actorID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Resource:  "audit_logs",
		Action:    "retention_cleanup",
		Success:   true,
		Metadata:  map[string]interface{}{"deleted": deleted, "retention_days": q.RetentionDays},
	})
	h.respHandler.OK(c, "清理完成", gin.H{"deleted": deleted})
}

// AlertStream 通过WebSocket订阅严重安全告警
// @Summary 安全告警推送
// @Tags 审计
// @Security BearerAuth
// @Router /api/v1/admin/audit/alerts/ws [get]
func (h *AdminHandler) AlertStream(c *gin.Context) {
	if h.alerts == nil {
		h.respHandler.Error(c, http.StatusServiceUnavailable, "service_unavailable", "告警推送未启用", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade失败时已写入HTTP错误
		h.logger.Warnf("告警订阅升级失败: %v", err)
		return
	}
	clientID := h.alerts.Register(conn)
	h.logger.WithField("client_id", clientID).Info("告警订阅已建立")
}

// splitList 解析逗号分隔的查询参数
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
