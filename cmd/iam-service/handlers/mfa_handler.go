package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cloud-platform/identity-core/cmd/iam-service/services"
	"github.com/cloud-platform/identity-core/shared/api"
	"github.com/cloud-platform/identity-core/shared/auth"
	"github.com/cloud-platform/identity-core/shared/logger"
)

// MFAHandler MFA管理处理器
type MFAHandler struct {
	mfaService  *services.MFAService
	users       services.UserDirectory
	logger      logger.Logger
	respHandler *api.ResponseHandler
}

// NewMFAHandler 创建MFA处理器
func NewMFAHandler(mfaService *services.MFAService, users services.UserDirectory, logger logger.Logger) *MFAHandler {
	return &MFAHandler{
		mfaService:  mfaService,
		users:       users,
		logger:      logger,
		respHandler: api.NewResponseHandler(),
	}
}

// SetupRequest 注册MFA方式请求
type SetupRequest struct {
	MethodType  auth.MethodType `json:"methodType" binding:"required,mfa_method"`
	PhoneNumber string          `json:"phoneNumber" binding:"omitempty,phone_number"`
}

// ConfirmSetupRequest 确认注册请求
type ConfirmSetupRequest struct {
	MethodID uuid.UUID `json:"methodId" binding:"required"`
	Proof    string    `json:"proof" binding:"required,max=8192"`
}

// ListMethods 列出当前用户的MFA方式
// @Summary MFA方式列表
// @Tags MFA
// @Produce json
// @Security BearerAuth
// @Success 200 {object} StandardResponse{data=[]services.MFAMethodSummary} "方式列表"
// @Router /api/v1/auth/mfa/methods [get]
func (h *MFAHandler) ListMethods(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		h.respHandler.Unauthorized(c, "用户未认证")
		return
	}

	methods, err := h.mfaService.ListMethods(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "获取成功", methods)
}

// Setup 开始注册MFA方式
// @Summary 注册MFA方式
// @Tags MFA
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param setup body SetupRequest true "注册信息"
// @Success 201 {object} StandardResponse{data=services.MFASetupResult} "注册材料"
// @Failure 409 {object} StandardResponse "方式已启用"
// @Router /api/v1/auth/mfa/setup [post]
func (h *MFAHandler) Setup(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		h.respHandler.Unauthorized(c, "用户未认证")
		return
	}

	var req SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respHandler.ValidationError(c, "请求参数无效", err)
		return
	}

	user, err := h.users.FindByID(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}

	meta := requestMeta(c)
	result, err := h.mfaService.Setup(c.Request.Context(), &services.MFASetupRequest{
		UserID:      userID,
		MethodType:  req.MethodType,
		PhoneNumber: req.PhoneNumber,
		AccountName: user.Email,
		DisplayName: user.FullName(),
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	})
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.Created(c, "请完成验证以启用", result)
}

// ConfirmSetup 提交证明完成注册
// @Summary 确认MFA注册
// @Tags MFA
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param confirm body ConfirmSetupRequest true "确认信息"
// @Success 200 {object} StandardResponse{data=services.MFAConfirmResult} "已启用"
// @Failure 401 {object} StandardResponse "证明无效"
// @Router /api/v1/auth/mfa/setup/confirm [post]
func (h *MFAHandler) ConfirmSetup(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		h.respHandler.Unauthorized(c, "用户未认证")
		return
	}

	var req ConfirmSetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respHandler.ValidationError(c, "请求参数无效", err)
		return
	}

	result, err := h.mfaService.ConfirmSetup(c.Request.Context(), userID, req.MethodID, req.Proof, requestMeta(c))
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "MFA已启用", result)
}

// DisableMethod 停用MFA方式
// @Summary 停用MFA方式
// @Tags MFA
// @Produce json
// @Security BearerAuth
// @Param type path string true "方式类型"
// @Success 200 {object} StandardResponse "已停用"
// @Failure 404 {object} StandardResponse "方式不存在"
// @Router /api/v1/auth/mfa/methods/{type} [delete]
func (h *MFAHandler) DisableMethod(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		h.respHandler.Unauthorized(c, "用户未认证")
		return
	}

	methodType := auth.MethodType(strings.ToLower(c.Param("type")))
	if !methodType.IsEnrollable() {
		h.respHandler.BadRequest(c, "不支持的MFA方式", nil)
		return
	}

	if err := h.mfaService.DisableMethod(c.Request.Context(), userID, methodType, userID, requestMeta(c)); err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "MFA方式已停用", nil)
}

// RegenerateBackupCodes 重新生成备用码
// @Summary 重新生成备用码
// @Tags MFA
// @Produce json
// @Security BearerAuth
// @Success 200 {object} StandardResponse "新备用码，仅显示一次"
// @Router /api/v1/auth/mfa/backup-codes/regenerate [post]
func (h *MFAHandler) RegenerateBackupCodes(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		h.respHandler.Unauthorized(c, "用户未认证")
		return
	}

	codes, err := h.mfaService.RegenerateBackupCodes(c.Request.Context(), userID, requestMeta(c))
	if err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "备用码已重新生成", gin.H{"backupCodes": codes})
}

// RemoveWebAuthnCredential 删除WebAuthn凭证
// @Summary 删除WebAuthn凭证
// @Tags MFA
// @Produce json
// @Security BearerAuth
// @Param credential_id path string true "凭证ID"
// @Success 200 {object} StandardResponse "已删除"
// @Router /api/v1/auth/mfa/webauthn/credentials/{credential_id} [delete]
func (h *MFAHandler) RemoveWebAuthnCredential(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		h.respHandler.Unauthorized(c, "用户未认证")
		return
	}

	credentialID := c.Param("credential_id")
	if credentialID == "" {
		h.respHandler.BadRequest(c, "缺少凭证ID", nil)
		return
	}

	if err := h.mfaService.RemoveWebAuthnCredential(c.Request.Context(), userID, credentialID, requestMeta(c)); err != nil {
		writeServiceError(h.respHandler, h.logger, c, err)
		return
	}
	h.respHandler.OK(c, "凭证已删除", nil)
}
