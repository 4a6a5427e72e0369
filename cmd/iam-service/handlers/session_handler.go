package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloud-platform/identity-core/cmd/iam-service/services"
	"github.com/cloud-platform/identity-core/shared/api"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/middleware"
)

// SessionHandler 会话管理处理器
type SessionHandler struct {
	authService *services.AuthService
	logger      logger.Logger
	respHandler *api.ResponseHandler
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(authService *services.AuthService, logger logger.Logger) *SessionHandler {
	return &SessionHandler{
		authService: authService,
		logger:      logger,
		respHandler: api.NewResponseHandler(),
	}
}

// sessionView 会话列表项，标记当前会话
type sessionView struct {
	ID           string                 `json:"id"`
	LoginTime    time.Time              `json:"loginTime"`
	LastActivity time.Time              `json:"lastActivity"`
	IPAddress    string                 `json:"ipAddress"`
	DeviceInfo   map[string]interface{} `json:"deviceInfo,omitempty"`
	Location     map[string]interface{} `json:"location,omitempty"`
	Status       string                 `json:"status"`
	IsActive     bool                   `json:"isActive"`
	IsIdle       bool                   `json:"isIdle"`
	Current      bool                   `json:"current"`
}

// GetSessions 获取当前用户的会话
// @Summary 会话列表
// @Tags 会话
// @Produce json
// @Security BearerAuth
// @Param only_active query bool false "仅活跃会话"
// @Success 200 {object} StandardResponse "会话列表"
// @Router /api/v1/auth/sessions [get]
func (h *SessionHandler) GetSessions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		h.respHandler.Unauthorized(c, "用户未认证")
		return
	}

	onlyActive := c.DefaultQuery("only_active", "true") == "true"
	rows, err := h.authService.ListSessions(c.Request.Context(), userID, onlyActive)
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}

	current := c.GetString(middleware.ContextKeySessionID)
	views := make([]sessionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, sessionView{
			ID:           row.ID,
			LoginTime:    row.LoginTime.UTC(),
			LastActivity: row.LastActivity.UTC(),
			IPAddress:    row.IPAddress,
			DeviceInfo:   row.DeviceInfo,
			Location:     row.Location,
			Status:       row.Status,
			IsActive:     row.IsActive,
			IsIdle:       row.IsIdle,
			Current:      row.ID == current,
		})
	}
	h.respHandler.OK(c, "获取成功", gin.H{"sessions": views, "total": len(views)})
}

// RevokeSession 终止当前用户的某个会话
// @Summary 终止会话
// @Tags 会话
// @Produce json
// @Security BearerAuth
// @Param id path string true "会话ID"
// @Success 200 {object} StandardResponse "已终止"
// @Failure 404 {object} StandardResponse "会话不存在"
// @Router /api/v1/auth/sessions/{id} [delete]
func (h *SessionHandler) RevokeSession(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		h.respHandler.Unauthorized(c, "用户未认证")
		return
	}

	sessionID := c.Param("id")
	terminated, err := h.authService.TerminateSession(c.Request.Context(), userID, sessionID, requestMeta(c))
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "会话已终止", gin.H{"sessionId": sessionID, "terminated": terminated})
}

// GetSessionStats 会话统计
// @Summary 会话统计
// @Tags 会话
// @Produce json
// @Security BearerAuth
// @Success 200 {object} StandardResponse{data=services.SessionStats} "统计"
// @Router /api/v1/auth/sessions/stats [get]
func (h *SessionHandler) GetSessionStats(c *gin.Context) {
	stats, err := h.authService.SessionStats(c.Request.Context())
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "获取成功", stats)
}
