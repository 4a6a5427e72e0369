package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// 会话状态
const (
	SessionStatusActive       = "active"
	SessionStatusEnded        = "ended"
	SessionStatusForcedLogout = "forced_logout"
	SessionStatusExpired      = "expired"
)

// UserSession 登录会话的持久化记录，终止时仅变更状态不删除
type UserSession struct {
	ID                 string            `json:"id" gorm:"type:varchar(64);primaryKey"`
	UserID             uuid.UUID         `json:"user_id" gorm:"type:uuid;not null;index"`
	TenantID           *uuid.UUID        `json:"tenant_id,omitempty" gorm:"type:uuid;index"`
	Role               string            `json:"role" gorm:"type:varchar(50)"`
	AccessTokenHash    string            `json:"-" gorm:"type:varchar(64);index"`
	RefreshTokenHash   string            `json:"-" gorm:"type:varchar(64);index"`
	LoginTime          time.Time         `json:"login_time"`
	LastActivity       time.Time         `json:"last_activity" gorm:"index"`
	LogoutTime         *time.Time        `json:"logout_time"`
	IPAddress          string            `json:"ip_address" gorm:"type:varchar(45)"`
	UserAgent          string            `json:"user_agent" gorm:"type:text"`
	DeviceInfo         datatypes.JSONMap `json:"device_info"`
	Location           datatypes.JSONMap `json:"location,omitempty"`
	IsActive           bool              `json:"is_active" gorm:"index"`
	IsIdle             bool              `json:"is_idle"`
	Status             string            `json:"status" gorm:"type:varchar(20);not null;index"`
	WarningCount       int               `json:"warning_count"`
	ForcedLogoutBy     *uuid.UUID        `json:"forced_logout_by,omitempty" gorm:"type:uuid"`
	ForcedLogoutReason string            `json:"forced_logout_reason,omitempty" gorm:"type:varchar(255)"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// TableName 表名
func (UserSession) TableName() string {
	return "user_sessions"
}
