package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"gorm.io/gorm"

	"github.com/cloud-platform/identity-core/shared/auth"
	"github.com/cloud-platform/identity-core/shared/database"
	"github.com/cloud-platform/identity-core/shared/events"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/models"
)

// RequestMeta 请求来源信息
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// UserDirectory 用户目录
type UserDirectory interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	FindByIdentifier(ctx context.Context, identifier string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdateProfile(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error
}

// GormUserDirectory 基于数据库的用户目录
type GormUserDirectory struct {
	db *database.PostgresDB
}

// NewGormUserDirectory 创建用户目录
func NewGormUserDirectory(db *database.PostgresDB) *GormUserDirectory {
	return &GormUserDirectory{db: db}
}

// FindByID 按ID查询
func (d *GormUserDirectory) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := d.db.GetDB().WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	return &user, nil
}

// FindByIdentifier 按邮箱或用户名查询
func (d *GormUserDirectory) FindByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrUserNotFound
	}

	var user models.User
	err := d.db.GetDB().WithContext(ctx).
		Where("LOWER(email) = ? OR username = ?", strings.ToLower(identifier), identifier).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	return &user, nil
}

// UpdateLastLogin 更新最后登录时间
func (d *GormUserDirectory) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return d.db.GetDB().WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("last_login_at", at).Error
}

// UpdateProfile 更新用户资料
func (d *GormUserDirectory) UpdateProfile(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	delete(updates, "password_hash")
	delete(updates, "id")
	return d.db.GetDB().WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(updates).Error
}

// SMSResult 短信发送结果
type SMSResult struct {
	Success           bool
	ProviderMessageID string
	Error             string
}

// SMSTransport 短信通道
type SMSTransport interface {
	Send(ctx context.Context, phoneNumber, message string) (*SMSResult, error)
}

// KafkaSMSTransport 通过通知服务的Kafka主题投递短信
type KafkaSMSTransport struct {
	publisher *events.Publisher
	topic     string
}

// NewKafkaSMSTransport 创建短信通道
func NewKafkaSMSTransport(publisher *events.Publisher, topic string) *KafkaSMSTransport {
	return &KafkaSMSTransport{publisher: publisher, topic: topic}
}

// Send 发布短信发送请求
func (t *KafkaSMSTransport) Send(ctx context.Context, phoneNumber, message string) (*SMSResult, error) {
	requestID := uuid.NewString()
	err := t.publisher.Publish(ctx, t.topic, phoneNumber, "sms.requested", map[string]interface{}{
		"request_id":   requestID,
		"phone_number": phoneNumber,
		"message":      message,
	})
	if err != nil {
		return &SMSResult{Success: false, Error: err.Error()}, err
	}
	return &SMSResult{Success: true, ProviderMessageID: requestID}, nil
}

// LoggingSMSTransport 未接入通知服务时的短信通道，只记录脱敏号码
type LoggingSMSTransport struct {
	logger logger.Logger
}

// NewLoggingSMSTransport 创建日志短信通道
func NewLoggingSMSTransport(log logger.Logger) *LoggingSMSTransport {
	return &LoggingSMSTransport{logger: log}
}

// Send 记录一次短信投递，不输出短信内容
func (t *LoggingSMSTransport) Send(ctx context.Context, phoneNumber, message string) (*SMSResult, error) {
	requestID := uuid.NewString()
	t.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"request_id":   requestID,
		"phone_number": auth.MaskPhoneNumber(phoneNumber),
		"length":       len(message),
	}).Warn("短信通道未配置，验证码未实际投递")
	return &SMSResult{Success: true, ProviderMessageID: requestID}, nil
}

// Location 地理位置
type Location struct {
	City      string   `json:"city,omitempty"`
	Country   string   `json:"country,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// GeoLocator 地理位置查询
type GeoLocator interface {
	Locate(ctx context.Context, ip string) (*Location, error)
}

// NoopGeoLocator 未配置地理位置服务
type NoopGeoLocator struct{}

// Locate 不返回位置
func (NoopGeoLocator) Locate(context.Context, string) (*Location, error) {
	return nil, nil
}

type boundedGeoLocator struct {
	inner   GeoLocator
	timeout time.Duration
}

// WithLookupTimeout 为地理位置查询加上超时，超时视为通道失败
func WithLookupTimeout(inner GeoLocator, timeout time.Duration) GeoLocator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &boundedGeoLocator{inner: inner, timeout: timeout}
}

func (b *boundedGeoLocator) Locate(ctx context.Context, ip string) (*Location, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type result struct {
		loc *Location
		err error
	}
	done := make(chan result, 1)
	go func() {
		loc, err := b.inner.Locate(ctx, ip)
		done <- result{loc, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportFailure, r.err)
		}
		return r.loc, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: 地理位置查询超时", ErrTransportFailure)
	}
}

// DeviceInfo 设备信息
type DeviceInfo struct {
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version,omitempty"`
	OS             string `json:"os"`
	Platform       string `json:"platform,omitempty"`
	DeviceClass    string `json:"device_class"`
}

// AgentParser User-Agent解析
type AgentParser interface {
	Parse(userAgent string) DeviceInfo
}

// UserAgentParser 基于mssola/useragent的解析器
type UserAgentParser struct{}

// Parse 解析User-Agent
func (UserAgentParser) Parse(userAgent string) DeviceInfo {
	if userAgent == "" {
		return DeviceInfo{Browser: "unknown", OS: "unknown", DeviceClass: "unknown"}
	}
	ua := useragent.New(userAgent)
	name, version := ua.Browser()

	class := "desktop"
	switch {
	case ua.Bot():
		class = "bot"
	case ua.Mobile():
		class = "mobile"
	}

	return DeviceInfo{
		Browser:        name,
		BrowserVersion: version,
		OS:             ua.OS(),
		Platform:       ua.Platform(),
		DeviceClass:    class,
	}
}

// AccessGrant 角色解析出的权限与租户声明
type AccessGrant struct {
	Permissions    []string
	TenantID       string
	TenantCode     string
	TenantDatabase string
}

// AccessResolver 角色与权限解析
type AccessResolver interface {
	Resolve(ctx context.Context, user *models.User) (*AccessGrant, error)
}

// RoleAccessResolver 按配置的角色-权限表解析
type RoleAccessResolver struct {
	rolePermissions map[string][]string
}

// NewRoleAccessResolver 创建解析器，角色名不区分大小写
func NewRoleAccessResolver(rolePermissions map[string][]string) *RoleAccessResolver {
	normalized := make(map[string][]string, len(rolePermissions))
	for role, perms := range rolePermissions {
		normalized[strings.ToUpper(role)] = perms
	}
	return &RoleAccessResolver{rolePermissions: normalized}
}

// Resolve 解析权限
func (r *RoleAccessResolver) Resolve(_ context.Context, user *models.User) (*AccessGrant, error) {
	grant := &AccessGrant{
		Permissions:    append([]string(nil), r.rolePermissions[strings.ToUpper(user.Role)]...),
		TenantCode:     user.TenantCode,
		TenantDatabase: user.TenantDatabase,
	}
	if user.TenantID != nil {
		grant.TenantID = user.TenantID.String()
	}
	return grant, nil
}
