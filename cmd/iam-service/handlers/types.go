package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cloud-platform/identity-core/cmd/iam-service/services"
	"github.com/cloud-platform/identity-core/shared/api"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/middleware"
)

// StandardResponse 使用统一响应格式
type StandardResponse = api.StandardResponse

// requestMeta 提取客户端IP与UA
func requestMeta(c *gin.Context) services.RequestMeta {
	return services.RequestMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// currentUserID 当前认证用户ID
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(middleware.ContextKeyUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// pathUUID 解析路径中的UUID参数
func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError 将服务层错误映射为HTTP响应，未识别的错误按500处理
func writeServiceError(resp *api.ResponseHandler, log logger.Logger, c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, services.ErrUnsupportedMethod):
		resp.BadRequest(c, err.Error(), nil)
	case errors.Is(err, services.ErrInvalidCredentials),
		errors.Is(err, services.ErrTokenInvalid),
		errors.Is(err, services.ErrSessionInactive),
		errors.Is(err, services.ErrInvalidOrExpiredChallenge),
		errors.Is(err, services.ErrInvalidProof):
		resp.Unauthorized(c, err.Error())
	case errors.Is(err, services.ErrMFASetupRequired):
		resp.Forbidden(c, err.Error())
	case errors.Is(err, services.ErrRateLimited):
		resp.TooManyRequests(c, err.Error())
	case errors.Is(err, services.ErrAlreadyConfigured):
		resp.Conflict(c, err.Error())
	case errors.Is(err, services.ErrSessionNotFound),
		errors.Is(err, services.ErrMethodNotFound),
		errors.Is(err, services.ErrUserNotFound):
		resp.NotFound(c, err.Error())
	case errors.Is(err, services.ErrTransportFailure),
		errors.Is(err, services.ErrAuditQueryUnavailable):
		resp.Error(c, http.StatusServiceUnavailable, "service_unavailable", err.Error(), nil)
	default:
		log.WithContext(c.Request.Context()).WithField("path", c.FullPath()).Errorf("请求处理失败: %v", err)
		resp.InternalServerError(c, "内部服务器错误")
	}
}
