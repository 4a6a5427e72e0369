package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditEventType 审计事件类型
type AuditEventType string

const (
	EventLoginSuccess        AuditEventType = "LOGIN_SUCCESS"
	EventLoginFailed         AuditEventType = "LOGIN_FAILED"
	EventLogout              AuditEventType = "LOGOUT"
	EventSessionExpired      AuditEventType = "SESSION_EXPIRED"
	EventTokenRefreshed      AuditEventType = "TOKEN_REFRESHED"
	EventMFAEnabled          AuditEventType = "MFA_ENABLED"
	EventMFADisabled         AuditEventType = "MFA_DISABLED"
	EventMFAVerified         AuditEventType = "MFA_VERIFIED"
	EventMFAFailed           AuditEventType = "MFA_FAILED"
	EventMFABypassed         AuditEventType = "MFA_BYPASSED"
	EventAccessGranted       AuditEventType = "ACCESS_GRANTED"
	EventAccessDenied        AuditEventType = "ACCESS_DENIED"
	EventPermissionChanged   AuditEventType = "PERMISSION_CHANGED"
	EventRoleAssigned        AuditEventType = "ROLE_ASSIGNED"
	EventRoleRevoked         AuditEventType = "ROLE_REVOKED"
	EventDataViewed          AuditEventType = "DATA_VIEWED"
	EventDataCreated         AuditEventType = "DATA_CREATED"
	EventDataUpdated         AuditEventType = "DATA_UPDATED"
	EventDataDeleted         AuditEventType = "DATA_DELETED"
	EventDataExported        AuditEventType = "DATA_EXPORTED"
	EventPasswordChanged     AuditEventType = "PASSWORD_CHANGED"
	EventPasswordReset       AuditEventType = "PASSWORD_RESET"
	EventSuspiciousActivity  AuditEventType = "SUSPICIOUS_ACTIVITY"
	EventRateLimitExceeded   AuditEventType = "RATE_LIMIT_EXCEEDED"
	EventInvalidToken        AuditEventType = "INVALID_TOKEN"
	EventUserCreated         AuditEventType = "USER_CREATED"
	EventUserUpdated         AuditEventType = "USER_UPDATED"
	EventUserDeleted         AuditEventType = "USER_DELETED"
	EventSystemConfigChanged AuditEventType = "SYSTEM_CONFIG_CHANGED"
)

// AuditSeverity 审计严重级别
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "INFO"
	SeverityWarning  AuditSeverity = "WARNING"
	SeverityError    AuditSeverity = "ERROR"
	SeverityCritical AuditSeverity = "CRITICAL"
)

// AuditLog 审计记录，写入后不再修改
type AuditLog struct {
	ID           uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	OccurredAt   time.Time         `json:"occurred_at" gorm:"not null;index"`
	EventType    AuditEventType    `json:"event_type" gorm:"type:varchar(50);not null;index"`
	Severity     AuditSeverity     `json:"severity" gorm:"type:varchar(20);not null;index"`
	UserID       *uuid.UUID        `json:"user_id,omitempty" gorm:"type:uuid;index"`
	Identifier   string            `json:"identifier,omitempty" gorm:"type:varchar(255)"`
	SessionID    string            `json:"session_id,omitempty" gorm:"type:varchar(64)"`
	TenantID     *uuid.UUID        `json:"tenant_id,omitempty" gorm:"type:uuid"`
	IPAddress    string            `json:"ip_address,omitempty" gorm:"type:varchar(45)"`
	UserAgent    string            `json:"user_agent,omitempty" gorm:"type:text"`
	Resource     string            `json:"resource,omitempty" gorm:"type:varchar(100)"`
	Action       string            `json:"action,omitempty" gorm:"type:varchar(100)"`
	ResourceID   string            `json:"resource_id,omitempty" gorm:"type:varchar(100)"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"error_message,omitempty" gorm:"type:text"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
	OldValues    datatypes.JSONMap `json:"old_values,omitempty"`
	NewValues    datatypes.JSONMap `json:"new_values,omitempty"`
	DurationMs   int64             `json:"duration_ms,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// TableName 表名
func (AuditLog) TableName() string {
	return "audit_logs"
}

// BeforeCreate 生成主键
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// AllModels 需要迁移的模型
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&MFAMethod{},
		&MFASession{},
		&MFATrustedDevice{},
		&UserSession{},
		&AuditLog{},
	}
}
