package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 用户模型（用户目录的最小投影）
type User struct {
	ID             uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID       *uuid.UUID `json:"tenant_id,omitempty" gorm:"type:uuid;index"`
	TenantCode     string     `json:"tenant_code,omitempty" gorm:"type:varchar(50)"`
	TenantDatabase string     `json:"-" gorm:"type:varchar(100)"`
	Email          string     `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	Username       string     `json:"username" gorm:"type:varchar(100);uniqueIndex;not null"`
	PasswordHash   string     `json:"-" gorm:"type:varchar(255);not null"`
	FirstName      string     `json:"first_name" gorm:"type:varchar(100)"`
	LastName       string     `json:"last_name" gorm:"type:varchar(100)"`
	Phone          string     `json:"phone" gorm:"type:varchar(20)"`
	Role           string     `json:"role" gorm:"type:varchar(50);not null;index"`
	IsActive       bool       `json:"is_active"`
	LastLoginAt    *time.Time `json:"last_login_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName 表名
func (User) TableName() string {
	return "users"
}

// BeforeCreate 生成主键
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// FullName 获取全名
func (u *User) FullName() string {
	if u.FirstName == "" && u.LastName == "" {
		return u.Username
	}
	return u.FirstName + " " + u.LastName
}

// ToPublicUser 转换为公开用户信息（不包含敏感信息）
func (u *User) ToPublicUser() map[string]interface{} {
	return map[string]interface{}{
		"id":            u.ID,
		"tenant_id":     u.TenantID,
		"email":         u.Email,
		"username":      u.Username,
		"full_name":     u.FullName(),
		"role":          u.Role,
		"last_login_at": u.LastLoginAt,
	}
}
