package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cloud-platform/identity-core/shared/api"
	"github.com/cloud-platform/identity-core/shared/auth"
	"github.com/cloud-platform/identity-core/shared/logger"
)

// 上下文键
const (
	ContextKeyRequestID = "request_id"
	ContextKeyUserID    = "user_id"
	ContextKeySessionID = "session_id"
	ContextKeyRole      = "user_role"
	ContextKeyTenantID  = "tenant_id"
	ContextKeyClaims    = "claims"
)

var responses = api.NewResponseHandler()

// CORS 跨域中间件
func CORS(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return false }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

// RequestID 请求ID中间件，同时写入请求上下文供日志使用
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logger.ContextWithRequestID(c.Request.Context(), requestID))

		c.Next()
	}
}

// Logger 日志中间件
func Logger(log logger.Logger) gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		fields := map[string]interface{}{
			"status_code": param.StatusCode,
			"latency":     param.Latency.String(),
			"client_ip":   param.ClientIP,
			"method":      param.Method,
			"path":        param.Path,
			"body_size":   param.BodySize,
		}
		if param.ErrorMessage != "" {
			fields["error_message"] = param.ErrorMessage
		}
		if requestID := param.Keys[ContextKeyRequestID]; requestID != nil {
			fields["request_id"] = requestID
		}

		switch {
		case param.StatusCode >= 500:
			log.WithFields(fields).Error("HTTP请求")
		case param.StatusCode >= 400:
			log.WithFields(fields).Warn("HTTP请求")
		default:
			log.WithFields(fields).Info("HTTP请求")
		}

		return ""
	})
}

// Recovery 恢复中间件
func Recovery(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithFields(map[string]interface{}{
			"request_id": c.GetString(ContextKeyRequestID),
			"panic":      recovered,
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
		}).Error("服务器内部错误")

		responses.Abort(c, http.StatusInternalServerError, "internal_error", "内部服务器错误")
	})
}

// AccessValidator 校验访问令牌并确认绑定会话仍然存活
type AccessValidator interface {
	ValidateAccess(ctx context.Context, accessToken, ipAddress, userAgent string) (*auth.Claims, error)
}

// JWTAuth JWT认证中间件
func JWTAuth(validator AccessValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			responses.Abort(c, http.StatusUnauthorized, "unauthorized", "缺少认证信息")
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			responses.Abort(c, http.StatusUnauthorized, "unauthorized", "无效的认证格式")
			return
		}

		claims, err := validator.ValidateAccess(c.Request.Context(), authHeader[len(bearerPrefix):], c.ClientIP(), c.Request.UserAgent())
		if err != nil {
			responses.Abort(c, http.StatusUnauthorized, "unauthorized", "认证令牌无效或会话已失效")
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeySessionID, claims.SessionID)
		c.Set(ContextKeyRole, claims.Role)
		c.Set(ContextKeyTenantID, claims.TenantID)

		c.Next()
	}
}

// CurrentClaims 获取当前请求的令牌声明
func CurrentClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// RequireRole 角色验证中间件，角色名不区分大小写
func RequireRole(requiredRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(ContextKeyRole)
		if role == "" {
			responses.Abort(c, http.StatusForbidden, "forbidden", "缺少角色信息")
			return
		}

		for _, requiredRole := range requiredRoles {
			if strings.EqualFold(role, requiredRole) {
				c.Next()
				return
			}
		}

		responses.Abort(c, http.StatusForbidden, "forbidden", "权限不足")
	}
}

// SecurityHeaders 安全头中间件
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("Content-Security-Policy", "default-src 'self'")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}

// Timeout 为请求上下文设置超时，下游存储调用据此取消
func Timeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
