package services

import (
	"errors"

	"github.com/cloud-platform/identity-core/shared/auth"
)

// 认证与会话错误，处理器通过errors.Is映射为统一的低信息量响应
var (
	ErrInvalidCredentials        = errors.New("用户名或密码错误")
	ErrInvalidOrExpiredChallenge = errors.New("验证会话无效或已过期")
	ErrRateLimited               = errors.New("尝试次数过多，请稍后再试")
	ErrAlreadyConfigured         = errors.New("该MFA方式已配置")
	ErrInvalidProof              = errors.New("验证失败")
	ErrSessionNotFound           = errors.New("会话不存在")
	ErrSessionInactive           = errors.New("会话已失效")
	ErrTokenInvalid              = auth.ErrTokenInvalid
	ErrTransportFailure          = errors.New("外部服务暂不可用")
	ErrMethodNotFound            = errors.New("MFA方式不存在")
	ErrMFASetupRequired          = errors.New("需要先配置MFA")
	ErrUnsupportedMethod         = errors.New("不支持的MFA方式")
	ErrUserNotFound              = errors.New("用户不存在")
	ErrAuditQueryUnavailable     = errors.New("审计查询不可用")
	ErrInvalidRequest            = errors.New("请求参数无效")
)
