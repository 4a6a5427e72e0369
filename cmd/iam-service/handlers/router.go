package handlers

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloud-platform/identity-core/cmd/iam-service/services"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/middleware"
	"github.com/cloud-platform/identity-core/shared/models"
	"github.com/cloud-platform/identity-core/shared/monitoring"
)

// RouterDeps 路由依赖
type RouterDeps struct {
	Auth     *services.AuthService
	MFA      *services.MFAService
	Users    services.UserDirectory
	Sessions *services.SessionStore
	Audit    *services.AuditPipeline
	Alerts   *services.AlertHub
	Monitor  *monitoring.PerformanceMonitor
	// LoginLimiter 登录与MFA端点的按IP限流器，为nil时不限流
	LoginLimiter   *middleware.TokenBucketLimiter
	AllowedOrigins []string
	TrustedProxies []string
	RequestTimeout time.Duration
	AdminRoles     []string
	ServiceName    string
	Version        string
	Logger         logger.Logger
}

// NewRouter 构建HTTP路由
func NewRouter(deps RouterDeps) (*gin.Engine, error) {
	if err := middleware.RegisterValidators(); err != nil {
		return nil, err
	}
	if len(deps.AdminRoles) == 0 {
		deps.AdminRoles = []string{"admin"}
	}
	if deps.Monitor == nil {
		deps.Monitor = monitoring.NewPerformanceMonitor(nil, 0)
	}

	r := gin.New()
	if err := r.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("设置受信任代理失败: %w", err)
	}

	r.Use(middleware.CORS(deps.AllowedOrigins))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(deps.Monitor.HTTPMiddleware())
	r.Use(middleware.Timeout(deps.RequestTimeout))

	authHandler := NewAuthHandler(deps.Auth, deps.Logger)
	mfaHandler := NewMFAHandler(deps.MFA, deps.Users, deps.Logger)
	sessionHandler := NewSessionHandler(deps.Auth, deps.Logger)
	adminHandler := NewAdminHandler(deps.Auth, deps.MFA, deps.Sessions, deps.Audit, deps.Alerts, deps.AllowedOrigins, deps.Logger)
	healthHandler := NewHealthHandler(deps.Monitor, deps.Audit, deps.ServiceName, deps.Version)

	r.GET("/health", healthHandler.Health)

	limited := func(h gin.HandlerFunc) []gin.HandlerFunc {
		if deps.LoginLimiter == nil {
			return []gin.HandlerFunc{h}
		}
		return []gin.HandlerFunc{middleware.RateLimitByIP(deps.LoginLimiter, rateLimitAudit(deps.Audit)), h}
	}

	v1 := r.Group("/api/v1")
	{
		public := v1.Group("/auth")
		public.POST("/login", limited(authHandler.Login)...)
		public.POST("/mfa/challenge", limited(authHandler.MFAChallenge)...)
		public.POST("/mfa/verify", limited(authHandler.VerifyMFA)...)
		public.POST("/refresh", authHandler.Refresh)

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(deps.Auth))
		{
			protected.POST("/auth/logout", authHandler.Logout)
			protected.GET("/auth/me", authHandler.Me)

			sessions := protected.Group("/auth/sessions")
			{
				sessions.GET("", sessionHandler.GetSessions)
				sessions.GET("/stats", middleware.RequireRole(deps.AdminRoles...), sessionHandler.GetSessionStats)
				sessions.DELETE("/:id", sessionHandler.RevokeSession)
			}

			mfa := protected.Group("/auth/mfa")
			{
				mfa.GET("/methods", mfaHandler.ListMethods)
				mfa.POST("/setup", mfaHandler.Setup)
				mfa.POST("/setup/confirm", mfaHandler.ConfirmSetup)
				mfa.DELETE("/methods/:type", mfaHandler.DisableMethod)
				mfa.POST("/backup-codes/regenerate", mfaHandler.RegenerateBackupCodes)
				mfa.DELETE("/webauthn/credentials/:credential_id", mfaHandler.RemoveWebAuthnCredential)
			}

			admin := protected.Group("/admin")
			admin.Use(middleware.RequireRole(deps.AdminRoles...))
			{
				admin.POST("/users/:user_id/force-logout", adminHandler.ForceLogout)
				admin.POST("/users/:user_id/mfa/reset", adminHandler.ResetMFA)
				admin.POST("/sessions/sweep", adminHandler.SweepSessions)
				admin.DELETE("/mfa/sessions/expired", adminHandler.CleanupMFASessions)
				admin.GET("/audit/logs", adminHandler.SearchAuditLogs)
				admin.DELETE("/audit/logs", adminHandler.CleanupAuditLogs)
				admin.GET("/audit/statistics", adminHandler.AuditStatistics)
				admin.GET("/audit/anomalies/:user_id", adminHandler.DetectAnomalies)
				admin.GET("/audit/alerts/ws", adminHandler.AlertStream)
				admin.GET("/metrics", healthHandler.Metrics)
			}
		}
	}

	return r, nil
}

// rateLimitAudit 限流触发时记录审计事件
func rateLimitAudit(audit *services.AuditPipeline) func(c *gin.Context) {
	return func(c *gin.Context) {
		if audit == nil {
			return
		}
		audit.Record(services.AuditEvent{
			EventType: models.EventRateLimitExceeded,
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			Resource:  "auth",
			Action:    c.FullPath(),
			Success:   false,
			Metadata:  map[string]interface{}{"method": c.Request.Method},
		})
	}
}
