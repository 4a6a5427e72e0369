package models

import (
	"time"

	"github.com/cloud-platform/identity-core/shared/auth"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MFA会话状态
const (
	MFASessionPending  = "pending"
	MFASessionVerified = "verified"
	MFASessionExpired  = "expired"
	MFASessionFailed   = "failed"
)

// MFA会话用途
const (
	MFAPurposeLogin      = "login"
	MFAPurposeEnrollment = "enrollment"
)

// MFAMethod 用户MFA方式，每个用户每种类型一条
type MFAMethod struct {
	ID                   uuid.UUID                                    `json:"id" gorm:"type:uuid;primaryKey"`
	UserID               uuid.UUID                                    `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_mfa_methods_user_type"`
	MethodType           auth.MethodType                              `json:"method_type" gorm:"type:varchar(20);not null;uniqueIndex:idx_mfa_methods_user_type"`
	IsEnabled            bool                                         `json:"is_enabled"`
	IsVerified           bool                                         `json:"is_verified"`
	SecretEncrypted      string                                       `json:"-" gorm:"type:text"`
	PhoneNumber          string                                       `json:"-" gorm:"type:varchar(20)"`
	Credentials          datatypes.JSONSlice[auth.WebAuthnCredential] `json:"-"`
	BackupCodesEncrypted string                                       `json:"-" gorm:"type:text"`
	UsageCount           int                                          `json:"usage_count"`
	LastUsedAt           *time.Time                                   `json:"last_used_at"`
	LastUsedStep         int64                                        `json:"-" gorm:"not null;default:0"`
	FailedAttempts       int                                          `json:"-"`
	LastFailedAt         *time.Time                                   `json:"-"`
	CreatedAt            time.Time                                    `json:"created_at"`
	UpdatedAt            time.Time                                    `json:"updated_at"`
}

// TableName 表名
func (MFAMethod) TableName() string {
	return "mfa_methods"
}

// BeforeCreate 生成主键
func (m *MFAMethod) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// IsUsable 仅启用且已验证的方式可用于登录
func (m *MFAMethod) IsUsable() bool {
	return m.IsEnabled && m.IsVerified
}

// IsLocked 失败次数达到阈值且最近一次失败仍在锁定期内
func (m *MFAMethod) IsLocked(threshold int, window time.Duration, now time.Time) bool {
	if threshold <= 0 || m.FailedAttempts < threshold || m.LastFailedAt == nil {
		return false
	}
	return now.Sub(*m.LastFailedAt) < window
}

// MFASession 进行中的MFA挑战
type MFASession struct {
	ID            uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	Token         string          `json:"-" gorm:"type:varchar(128);uniqueIndex;not null"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;not null;index"`
	MethodID      *uuid.UUID      `json:"method_id,omitempty" gorm:"type:uuid"`
	MethodType    auth.MethodType `json:"method_type,omitempty" gorm:"type:varchar(20)"`
	Purpose       string          `json:"purpose" gorm:"type:varchar(20);not null"`
	Status        string          `json:"status" gorm:"type:varchar(20);not null;index"`
	Challenge     string          `json:"-" gorm:"type:text"`
	CodeEncrypted string          `json:"-" gorm:"type:text"`
	CodeExpiresAt *time.Time      `json:"-"`
	ExpiresAt     time.Time       `json:"expires_at" gorm:"index"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	IPAddress     string          `json:"ip_address" gorm:"type:varchar(45)"`
	UserAgent     string          `json:"user_agent" gorm:"type:text"`
	VerifiedAt    *time.Time      `json:"verified_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TableName 表名
func (MFASession) TableName() string {
	return "mfa_sessions"
}

// BeforeCreate 生成主键
func (s *MFASession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// IsExpired 是否已过期
func (s *MFASession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// MFATrustedDevice 受信任的(地址,客户端)组合
type MFATrustedDevice struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_mfa_trusted_user_fp"`
	Fingerprint  string    `json:"-" gorm:"type:varchar(64);not null;uniqueIndex:idx_mfa_trusted_user_fp"`
	IPAddress    string    `json:"ip_address" gorm:"type:varchar(45)"`
	UserAgent    string    `json:"user_agent" gorm:"type:text"`
	TrustedUntil time.Time `json:"trusted_until" gorm:"index"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName 表名
func (MFATrustedDevice) TableName() string {
	return "mfa_trusted_devices"
}

// BeforeCreate 生成主键
func (d *MFATrustedDevice) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
