package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/cloud-platform/identity-core/cmd/iam-service/services"
	"github.com/cloud-platform/identity-core/shared/api"
	"github.com/cloud-platform/identity-core/shared/auth"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/middleware"
)

// AuthHandler 认证处理器
type AuthHandler struct {
	authService *services.AuthService
	logger      logger.Logger
	respHandler *api.ResponseHandler
}

// NewAuthHandler 创建认证处理器实例
func NewAuthHandler(authService *services.AuthService, logger logger.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		logger:      logger,
		respHandler: api.NewResponseHandler(),
	}
}

// ChallengeRequest 下发MFA挑战请求
type ChallengeRequest struct {
	SessionToken string          `json:"sessionToken" binding:"required,max=128"`
	Method       auth.MethodType `json:"method" binding:"required,mfa_method"`
}

// RefreshRequest 刷新令牌请求
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required,max=4096"`
}

// LogoutRequest 退出请求，未指定会话时退出当前会话
type LogoutRequest struct {
	// SessionID 留空时退出全部会话
	SessionID string `json:"sessionId" binding:"omitempty,max=64"`
}

// Login 用户登录
// @Summary 用户登录
// @Description 校验账号密码，按策略要求MFA或直接签发令牌
// @Tags 认证
// @Accept json
// @Produce json
// @Param login body services.LoginRequest true "登录信息"
// @Success 200 {object} StandardResponse{data=services.LoginOutcome} "登录成功或需要MFA"
// @Failure 400 {object} StandardResponse "请求参数错误"
// @Failure 401 {object} StandardResponse "认证失败"
// @Failure 403 {object} StandardResponse "需要先配置MFA"
// @Router /api/v1/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req services.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respHandler.ValidationError(c, "请求参数无效", err)
		return
	}

	outcome, err := h.authService.Login(c.Request.Context(), &req, requestMeta(c))
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}

	if outcome.RequiresMFA {
		h.respHandler.OK(c, "需要多因素认证", outcome)
		return
	}
	h.respHandler.OK(c, "登录成功", outcome)
}

// MFAChallenge 为短信或WebAuthn下发挑战
// @Summary 下发MFA挑战
// @Tags 认证
// @Accept json
// @Produce json
// @Param challenge body ChallengeRequest true "挑战请求"
// @Success 200 {object} StandardResponse "挑战材料"
// @Failure 401 {object} StandardResponse "会话无效或已过期"
// @Router /api/v1/auth/mfa/challenge [post]
func (h *AuthHandler) MFAChallenge(c *gin.Context) {
	var req ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respHandler.ValidationError(c, "请求参数无效", err)
		return
	}

	material, err := h.authService.PrepareMFAChallenge(c.Request.Context(), req.SessionToken, req.Method)
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "挑战已下发", material)
}

// VerifyMFA 完成第二步验证并签发令牌
// @Summary 验证MFA
// @Tags 认证
// @Accept json
// @Produce json
// @Param verify body services.VerifyMFARequest true "验证信息"
// @Success 200 {object} StandardResponse{data=services.LoginOutcome} "登录成功"
// @Failure 401 {object} StandardResponse "验证失败"
// @Failure 429 {object} StandardResponse "方式已锁定"
// @Router /api/v1/auth/mfa/verify [post]
func (h *AuthHandler) VerifyMFA(c *gin.Context) {
	var req services.VerifyMFARequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respHandler.ValidationError(c, "请求参数无效", err)
		return
	}

	outcome, err := h.authService.VerifyMFA(c.Request.Context(), &req, requestMeta(c))
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "登录成功", outcome)
}

// Refresh 刷新令牌
// @Summary 刷新访问令牌
// @Tags 认证
// @Accept json
// @Produce json
// @Param refresh body RefreshRequest true "刷新令牌"
// @Success 200 {object} StandardResponse{data=auth.TokenPair} "新令牌对"
// @Failure 401 {object} StandardResponse "令牌无效"
// @Router /api/v1/auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respHandler.ValidationError(c, "请求参数无效", err)
		return
	}

	pair, err := h.authService.Refresh(c.Request.Context(), req.RefreshToken, requestMeta(c))
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "令牌已刷新", pair)
}

// Logout 退出指定会话，未指定时退出全部会话
// @Summary 退出登录
// @Tags 认证
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param logout body LogoutRequest false "退出范围"
// @Success 200 {object} StandardResponse "已退出的会话"
// @Router /api/v1/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		h.respHandler.Unauthorized(c, "用户未认证")
		return
	}

	var req LogoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respHandler.ValidationError(c, "请求参数无效", err)
			return
		}
	}

	removed, err := h.authService.Logout(c.Request.Context(), userID, req.SessionID, requestMeta(c))
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "已退出登录", gin.H{"terminated": removed})
}

// Me 当前用户信息
// @Summary 当前用户
// @Tags 认证
// @Produce json
// @Security BearerAuth
// @Success 200 {object} StandardResponse{data=models.User} "用户信息"
// @Router /api/v1/auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		h.respHandler.Unauthorized(c, "用户未认证")
		return
	}

	user, err := h.authService.CurrentUser(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}

	data := gin.H{"user": user}
	if claims, ok := middleware.CurrentClaims(c); ok {
		data["sessionId"] = claims.SessionID
		data["permissions"] = claims.Permissions
	}
	h.respHandler.OK(c, "获取成功", data)
}
