package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cloud-platform/identity-core/shared/auth"
	"github.com/cloud-platform/identity-core/shared/database"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/models"
)

// MFAServiceConfig MFA服务配置
type MFAServiceConfig struct {
	Issuer             string
	SessionTTL         time.Duration
	MaxSessionAttempts int
	LockoutThreshold   int
	LockoutDuration    time.Duration
	BackupCodeCount    int
	TransportTimeout   time.Duration
}

// MFAService MFA注册与登录挑战状态机
type MFAService struct {
	db      *database.PostgresDB
	codec   *auth.SecretCodec
	factors *auth.FactorRegistry
	policy  *MFAPolicy
	sms     SMSTransport
	audit   AuditRecorder
	config  MFAServiceConfig
	logger  logger.Logger
	now     func() time.Time
}

// MFASetupRequest 注册请求
type MFASetupRequest struct {
	UserID      uuid.UUID
	MethodType  auth.MethodType
	PhoneNumber string
	AccountName string
	DisplayName string
	IPAddress   string
	UserAgent   string
}

// MFASetupResult 注册材料
type MFASetupResult struct {
	MethodID   uuid.UUID              `json:"methodId"`
	MethodType auth.MethodType        `json:"methodType"`
	Material   map[string]interface{} `json:"material"`
	ExpiresAt  time.Time              `json:"expiresAt"`
}

// MFAConfirmResult 注册确认结果，首次启用时附带备用码
type MFAConfirmResult struct {
	MethodID    uuid.UUID       `json:"methodId"`
	MethodType  auth.MethodType `json:"methodType"`
	BackupCodes []string        `json:"backupCodes,omitempty"`
}

// CredentialSummary WebAuthn凭证摘要
type CredentialSummary struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// MFAMethodSummary MFA方式摘要，不包含任何密钥
type MFAMethodSummary struct {
	ID                   uuid.UUID           `json:"id"`
	MethodType           auth.MethodType     `json:"methodType"`
	IsEnabled            bool                `json:"isEnabled"`
	IsVerified           bool                `json:"isVerified"`
	PhoneNumber          string              `json:"phoneNumber,omitempty"`
	Credentials          []CredentialSummary `json:"credentials,omitempty"`
	BackupCodesRemaining int                 `json:"backupCodesRemaining"`
	UsageCount           int                 `json:"usageCount"`
	LastUsedAt           *time.Time          `json:"lastUsedAt,omitempty"`
	Locked               bool                `json:"locked"`
	CreatedAt            time.Time           `json:"createdAt"`
}

// LoginChallenge 登录第二步的挑战信息
type LoginChallenge struct {
	Required       bool
	SessionToken   string
	Methods        []auth.MethodType
	HasBackupCodes bool
	ExpiresAt      time.Time
	Bypassed       bool
	SetupRequired  bool
	// Prepared 只有一种需要下发挑战的方式时自动生成的材料
	Prepared map[string]interface{}
}

// MFAVerification 挑战通过结果
type MFAVerification struct {
	UserID     uuid.UUID
	SessionID  uuid.UUID
	MethodType auth.MethodType
}

// NewMFAService 创建MFA服务
func NewMFAService(
	db *database.PostgresDB,
	codec *auth.SecretCodec,
	factors *auth.FactorRegistry,
	policy *MFAPolicy,
	sms SMSTransport,
	audit AuditRecorder,
	config MFAServiceConfig,
	log logger.Logger,
) *MFAService {
	if config.SessionTTL <= 0 {
		config.SessionTTL = 10 * time.Minute
	}
	if config.MaxSessionAttempts <= 0 {
		config.MaxSessionAttempts = 3
	}
	if config.LockoutThreshold <= 0 {
		config.LockoutThreshold = 5
	}
	if config.LockoutDuration <= 0 {
		config.LockoutDuration = 15 * time.Minute
	}
	if config.BackupCodeCount <= 0 {
		config.BackupCodeCount = auth.DefaultBackupCodes
	}
	if config.TransportTimeout <= 0 {
		config.TransportTimeout = 5 * time.Second
	}
	if config.Issuer == "" {
		config.Issuer = "Identity Core"
	}
	return &MFAService{
		db:      db,
		codec:   codec,
		factors: factors,
		policy:  policy,
		sms:     sms,
		audit:   audit,
		config:  config,
		logger:  log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Setup 开始注册：生成材料并创建注册会话，重复调用会作废上一次未完成的注册
func (s *MFAService) Setup(ctx context.Context, req *MFASetupRequest) (*MFASetupResult, error) {
	if !req.MethodType.IsEnrollable() {
		return nil, ErrUnsupportedMethod
	}
	factor, ok := s.factors.Get(req.MethodType)
	if !ok {
		return nil, ErrUnsupportedMethod
	}

	existing, err := s.findMethod(ctx, req.UserID, req.MethodType)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsUsable() {
		return nil, ErrAlreadyConfigured
	}

	enrollment, err := factor.Setup(auth.SetupRequest{
		UserID:      req.UserID.String(),
		AccountName: req.AccountName,
		DisplayName: req.DisplayName,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var secretEncrypted, codeEncrypted string
	if enrollment.Secret != "" {
		if secretEncrypted, err = s.codec.Encrypt(enrollment.Secret); err != nil {
			return nil, fmt.Errorf("加密MFA密钥失败: %w", err)
		}
	}
	if enrollment.Code != "" {
		if codeEncrypted, err = s.codec.Encrypt(enrollment.Code); err != nil {
			return nil, fmt.Errorf("加密验证码失败: %w", err)
		}
	}

	token, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	method := existing
	if method == nil {
		method = &models.MFAMethod{UserID: req.UserID, MethodType: req.MethodType}
	}
	method.IsEnabled = false
	method.IsVerified = false
	if secretEncrypted != "" {
		method.SecretEncrypted = secretEncrypted
		method.LastUsedStep = 0
	}
	if req.MethodType == auth.MethodSMS {
		method.PhoneNumber = req.PhoneNumber
	}

	session := &models.MFASession{
		Token:       token,
		UserID:      req.UserID,
		MethodType:  req.MethodType,
		Purpose:     models.MFAPurposeEnrollment,
		Status:      models.MFASessionPending,
		Challenge:   enrollment.Challenge,
		ExpiresAt:   now.Add(s.config.SessionTTL),
		MaxAttempts: s.config.MaxSessionAttempts,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
	}
	if codeEncrypted != "" {
		expiresAt := enrollment.ExpiresAt
		session.CodeEncrypted = codeEncrypted
		session.CodeExpiresAt = &expiresAt
	}

	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Save(method).Error; err != nil {
			return fmt.Errorf("保存MFA方式失败: %w", err)
		}

		// 作废该方式尚未完成的注册会话
		if err := tx.Model(&models.MFASession{}).
			Where("method_id = ? AND purpose = ? AND status = ?", method.ID, models.MFAPurposeEnrollment, models.MFASessionPending).
			Updates(map[string]interface{}{
				"status":         models.MFASessionExpired,
				"code_encrypted": "",
				"challenge":      "",
			}).Error; err != nil {
			return fmt.Errorf("作废旧注册会话失败: %w", err)
		}

		session.MethodID = &method.ID
		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("创建注册会话失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if req.MethodType == auth.MethodSMS {
		if err := s.deliverCode(ctx, req.PhoneNumber, enrollment.Code, enrollment.ExpiresAt); err != nil {
			return nil, err
		}
	}

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"user_id":     req.UserID,
		"method_type": req.MethodType,
	}).Info("MFA注册已开始")

	return &MFASetupResult{
		MethodID:   method.ID,
		MethodType: method.MethodType,
		Material:   enrollment.Payload,
		ExpiresAt:  session.ExpiresAt,
	}, nil
}

// ConfirmSetup 校验注册证明并启用方式
func (s *MFAService) ConfirmSetup(ctx context.Context, userID, methodID uuid.UUID, proof string, meta RequestMeta) (*MFAConfirmResult, error) {
	method, err := s.methodByID(ctx, userID, methodID)
	if err != nil {
		return nil, err
	}
	if method.IsUsable() {
		return nil, ErrAlreadyConfigured
	}

	now := s.now()
	countFailures := s.policy.EnrollmentLockout()
	if countFailures && method.IsLocked(s.config.LockoutThreshold, s.config.LockoutDuration, now) {
		return nil, ErrRateLimited
	}

	session, err := s.pendingEnrollment(ctx, method.ID)
	if err != nil {
		return nil, err
	}
	if err := s.checkSessionOpen(ctx, session, now); err != nil {
		return nil, err
	}

	factor, ok := s.factors.Get(method.MethodType)
	if !ok {
		return nil, ErrUnsupportedMethod
	}
	material, err := s.material(method, session)
	if err != nil {
		return nil, err
	}

	result := factor.Verify(material, proof, auth.VerifyContext{Now: now, Registration: true})
	if !result.Valid {
		s.recordFailure(ctx, session, method, countFailures, meta, now, "confirm_setup")
		return nil, ErrInvalidProof
	}

	// 备用码只保存在一个已启用方式上
	var backupCodes []string
	holder, err := s.backupCodeHolder(ctx, userID)
	if err != nil {
		return nil, err
	}
	if holder == nil {
		backupCodes, err = auth.GenerateBackupCodes(s.config.BackupCodeCount)
		if err != nil {
			return nil, fmt.Errorf("生成备用码失败: %w", err)
		}
		encrypted, err := s.codec.EncryptList(backupCodes)
		if err != nil {
			return nil, fmt.Errorf("加密备用码失败: %w", err)
		}
		method.BackupCodesEncrypted = encrypted
	}

	method.IsEnabled = true
	method.IsVerified = true
	method.LastUsedStep = result.TimeStep
	method.FailedAttempts = 0
	method.LastFailedAt = nil
	if result.Credential != nil {
		method.Credentials = append(method.Credentials, *result.Credential)
	}

	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.MFASession{}).
			Where("id = ? AND status = ?", session.ID, models.MFASessionPending).
			Updates(map[string]interface{}{
				"status":         models.MFASessionVerified,
				"verified_at":    now,
				"code_encrypted": "",
				"challenge":      "",
			})
		if res.Error != nil {
			return fmt.Errorf("更新注册会话失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInvalidOrExpiredChallenge
		}
		if err := tx.Save(method).Error; err != nil {
			return fmt.Errorf("启用MFA方式失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	uid := userID
	s.record(AuditEvent{
		EventType:  models.EventMFAEnabled,
		UserID:     &uid,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Resource:   "mfa_method",
		Action:     "enable",
		ResourceID: method.ID.String(),
		Success:    true,
		Metadata:   map[string]interface{}{"method": method.MethodType},
	})

	return &MFAConfirmResult{
		MethodID:    method.ID,
		MethodType:  method.MethodType,
		BackupCodes: backupCodes,
	}, nil
}

// InitiateLoginChallenge 密码校验通过后决定是否需要MFA并创建登录挑战
func (s *MFAService) InitiateLoginChallenge(ctx context.Context, user *models.User, meta RequestMeta) (*LoginChallenge, error) {
	methods, err := s.usableMethods(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if len(methods) == 0 {
		if !s.policy.IsMandatory(user.Role) {
			return &LoginChallenge{}, nil
		}
		if s.policy.BlockUnconfigured() {
			return nil, ErrMFASetupRequired
		}
		return &LoginChallenge{SetupRequired: true}, nil
	}

	if s.policy.CanBypass(user.Role) {
		reason := ""
		if s.policy.IsTrustedNetwork(meta.IPAddress) {
			reason = "trusted_network"
		} else if trusted, err := s.isTrustedDevice(ctx, user.ID, meta, now); err != nil {
			s.logger.WithContext(ctx).Warnf("查询受信任设备失败: %v", err)
		} else if trusted {
			reason = "trusted_device"
		}

		if reason != "" {
			uid := user.ID
			s.record(AuditEvent{
				EventType: models.EventMFABypassed,
				UserID:    &uid,
				TenantID:  user.TenantID,
				IPAddress: meta.IPAddress,
				UserAgent: meta.UserAgent,
				Resource:  "mfa",
				Action:    "bypass",
				Success:   true,
				Metadata:  map[string]interface{}{"reason": reason, "role": user.Role},
			})
			return &LoginChallenge{Bypassed: true}, nil
		}
	}

	token, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}

	session := &models.MFASession{
		Token:       token,
		UserID:      user.ID,
		Purpose:     models.MFAPurposeLogin,
		Status:      models.MFASessionPending,
		ExpiresAt:   now.Add(s.config.SessionTTL),
		MaxAttempts: s.config.MaxSessionAttempts,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	}
	if len(methods) == 1 {
		session.MethodID = &methods[0].ID
		session.MethodType = methods[0].MethodType
	}
	if err := s.db.GetDB().WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("创建MFA会话失败: %w", err)
	}

	challenge := &LoginChallenge{
		Required:     true,
		SessionToken: token,
		Methods:      make([]auth.MethodType, 0, len(methods)),
		ExpiresAt:    session.ExpiresAt,
	}
	for _, m := range methods {
		challenge.Methods = append(challenge.Methods, m.MethodType)
		if m.BackupCodesEncrypted != "" {
			challenge.HasBackupCodes = true
		}
	}

	if len(methods) == 1 && methods[0].MethodType != auth.MethodTOTP {
		prepared, err := s.PrepareChallenge(ctx, token, methods[0].MethodType)
		if err != nil {
			// 客户端可以再次请求下发挑战
			s.logger.WithContext(ctx).Warnf("自动下发MFA挑战失败: %v", err)
		} else {
			challenge.Prepared = prepared
		}
	}

	return challenge, nil
}

// PrepareChallenge 为登录挑战下发短信验证码或WebAuthn断言选项
func (s *MFAService) PrepareChallenge(ctx context.Context, token string, methodType auth.MethodType) (map[string]interface{}, error) {
	session, err := s.loginSession(ctx, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.checkSessionOpen(ctx, session, now); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{"method": methodType}
	if methodType == auth.MethodBackupCode {
		return payload, nil
	}

	method, err := s.findMethod(ctx, session.UserID, methodType)
	if err != nil {
		return nil, err
	}
	if method == nil || !method.IsUsable() {
		return nil, ErrMethodNotFound
	}
	if method.IsLocked(s.config.LockoutThreshold, s.config.LockoutDuration, now) {
		return nil, ErrRateLimited
	}

	factor, ok := s.factors.Get(methodType)
	if !ok {
		return nil, ErrUnsupportedMethod
	}

	updates := map[string]interface{}{
		"method_type": methodType,
		"method_id":   method.ID,
	}

	var code string
	var codeExpiresAt time.Time
	if challenger, ok := factor.(auth.Challenger); ok {
		material, err := s.material(method, nil)
		if err != nil {
			return nil, err
		}
		enrollment, err := challenger.Challenge(material)
		if err != nil {
			return nil, fmt.Errorf("生成MFA挑战失败: %w", err)
		}
		if enrollment.Code != "" {
			encrypted, err := s.codec.Encrypt(enrollment.Code)
			if err != nil {
				return nil, fmt.Errorf("加密验证码失败: %w", err)
			}
			code = enrollment.Code
			codeExpiresAt = enrollment.ExpiresAt
			updates["code_encrypted"] = encrypted
			updates["code_expires_at"] = enrollment.ExpiresAt
		}
		if enrollment.Challenge != "" {
			updates["challenge"] = enrollment.Challenge
		}
		for k, v := range enrollment.Payload {
			payload[k] = v
		}
	}

	res := s.db.GetDB().WithContext(ctx).Model(&models.MFASession{}).
		Where("id = ? AND status = ?", session.ID, models.MFASessionPending).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("更新MFA会话失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrInvalidOrExpiredChallenge
	}

	if methodType == auth.MethodSMS {
		payload["phoneNumber"] = auth.MaskPhoneNumber(method.PhoneNumber)
		if err := s.deliverCode(ctx, method.PhoneNumber, code, codeExpiresAt); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// VerifyLoginChallenge 校验登录挑战，methodType为空时使用会话已绑定的方式
func (s *MFAService) VerifyLoginChallenge(ctx context.Context, token string, methodType auth.MethodType, proof string, meta RequestMeta) (*MFAVerification, error) {
	session, err := s.loginSession(ctx, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.checkSessionOpen(ctx, session, now); err != nil {
		return nil, err
	}

	if methodType == "" {
		methodType = session.MethodType
	}
	if methodType == auth.MethodBackupCode {
		return s.verifyBackupCode(ctx, session, proof, meta, now)
	}

	method, err := s.findMethod(ctx, session.UserID, methodType)
	if err != nil {
		return nil, err
	}
	if method == nil || !method.IsUsable() {
		s.recordFailure(ctx, session, nil, false, meta, now, "method_unavailable")
		return nil, ErrInvalidProof
	}
	if method.IsLocked(s.config.LockoutThreshold, s.config.LockoutDuration, now) {
		return nil, ErrRateLimited
	}

	factor, ok := s.factors.Get(methodType)
	if !ok {
		return nil, ErrUnsupportedMethod
	}

	// 验证码与挑战只对已下发的方式有效
	var challengeSession *models.MFASession
	if session.MethodType == methodType {
		challengeSession = session
	}
	material, err := s.material(method, challengeSession)
	if err != nil {
		return nil, err
	}

	result := factor.Verify(material, proof, auth.VerifyContext{Now: now})
	if !result.Valid {
		s.recordFailure(ctx, session, method, true, meta, now, "verify")
		return nil, ErrInvalidProof
	}

	methodUpdates := map[string]interface{}{}
	if methodType == auth.MethodWebAuthn && result.CredentialID != "" {
		creds := make([]auth.WebAuthnCredential, len(method.Credentials))
		copy(creds, method.Credentials)
		for i := range creds {
			if creds[i].ID == result.CredentialID {
				usedAt := now
				creds[i].SignCount = result.SignCount
				creds[i].LastUsedAt = &usedAt
			}
		}
		methodUpdates["credentials"] = datatypes.JSONSlice[auth.WebAuthnCredential](creds)
	}

	var guards []clause.Expr
	if methodType == auth.MethodTOTP {
		methodUpdates["last_used_step"] = result.TimeStep
		guards = append(guards, clause.Expr{SQL: "last_used_step < ?", Vars: []interface{}{result.TimeStep}})
	}

	return s.completeVerification(ctx, session, method, methodType, methodUpdates, guards, meta, now)
}

func (s *MFAService) verifyBackupCode(ctx context.Context, session *models.MFASession, proof string, meta RequestMeta, now time.Time) (*MFAVerification, error) {
	holder, err := s.backupCodeHolder(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if holder == nil {
		s.recordFailure(ctx, session, nil, false, meta, now, "backup_codes_unavailable")
		return nil, ErrInvalidProof
	}
	if holder.IsLocked(s.config.LockoutThreshold, s.config.LockoutDuration, now) {
		return nil, ErrRateLimited
	}

	valid, remaining, err := s.codec.VerifyBackupCode(proof, holder.BackupCodesEncrypted)
	if err != nil {
		return nil, fmt.Errorf("读取备用码失败: %w", err)
	}
	if !valid {
		s.recordFailure(ctx, session, holder, true, meta, now, "verify")
		return nil, ErrInvalidProof
	}

	updates := map[string]interface{}{"backup_codes_encrypted": remaining}
	guards := []clause.Expr{{SQL: "backup_codes_encrypted = ?", Vars: []interface{}{holder.BackupCodesEncrypted}}}
	return s.completeVerification(ctx, session, holder, auth.MethodBackupCode, updates, guards, meta, now)
}

// completeVerification 原子地把会话置为已验证并重置方式失败计数
// guards约束方式行未被并发修改，如备用码已消耗或TOTP时间步已使用
func (s *MFAService) completeVerification(
	ctx context.Context,
	session *models.MFASession,
	method *models.MFAMethod,
	methodType auth.MethodType,
	methodUpdates map[string]interface{},
	guards []clause.Expr,
	meta RequestMeta,
	now time.Time,
) (*MFAVerification, error) {
	methodUpdates["failed_attempts"] = 0
	methodUpdates["last_failed_at"] = nil
	methodUpdates["usage_count"] = gorm.Expr("usage_count + 1")
	methodUpdates["last_used_at"] = now

	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.MFASession{}).
			Where("id = ? AND status = ?", session.ID, models.MFASessionPending).
			Updates(map[string]interface{}{
				"status":         models.MFASessionVerified,
				"verified_at":    now,
				"method_type":    methodType,
				"code_encrypted": "",
				"challenge":      "",
			})
		if res.Error != nil {
			return fmt.Errorf("更新MFA会话失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInvalidOrExpiredChallenge
		}

		query := tx.Model(&models.MFAMethod{}).Where("id = ?", method.ID)
		for _, guard := range guards {
			query = query.Where(guard)
		}
		res = query.Updates(methodUpdates)
		if res.Error != nil {
			return fmt.Errorf("更新MFA方式失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInvalidProof
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	uid := session.UserID
	s.record(AuditEvent{
		EventType:  models.EventMFAVerified,
		UserID:     &uid,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Resource:   "mfa",
		Action:     "verify",
		ResourceID: session.ID.String(),
		Success:    true,
		Metadata:   map[string]interface{}{"method": methodType},
	})

	return &MFAVerification{
		UserID:     session.UserID,
		SessionID:  session.ID,
		MethodType: methodType,
	}, nil
}

// recordFailure 计入会话与方式失败次数，会话次数用尽时置为失败并丢弃验证码
func (s *MFAService) recordFailure(
	ctx context.Context,
	session *models.MFASession,
	method *models.MFAMethod,
	countMethod bool,
	meta RequestMeta,
	now time.Time,
	action string,
) {
	exhausted := false
	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&models.MFASession{}).
			Where("id = ? AND status = ?", session.ID, models.MFASessionPending).
			UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
			return err
		}

		res := tx.Model(&models.MFASession{}).
			Where("id = ? AND status = ? AND attempts >= max_attempts", session.ID, models.MFASessionPending).
			Updates(map[string]interface{}{
				"status":         models.MFASessionFailed,
				"code_encrypted": "",
				"challenge":      "",
			})
		if res.Error != nil {
			return res.Error
		}
		exhausted = res.RowsAffected > 0

		if countMethod && method != nil {
			return tx.Model(&models.MFAMethod{}).Where("id = ?", method.ID).
				Updates(map[string]interface{}{
					"failed_attempts": gorm.Expr("failed_attempts + 1"),
					"last_failed_at":  now,
				}).Error
		}
		return nil
	})
	if err != nil {
		s.logger.WithContext(ctx).Errorf("记录MFA失败次数失败: %v", err)
	}

	uid := session.UserID
	metadata := map[string]interface{}{
		"purpose":   session.Purpose,
		"attempt":   session.Attempts + 1,
		"exhausted": exhausted,
	}
	if method != nil {
		metadata["method"] = method.MethodType
	}
	s.record(AuditEvent{
		EventType:  models.EventMFAFailed,
		UserID:     &uid,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Resource:   "mfa",
		Action:     action,
		ResourceID: session.ID.String(),
		Success:    false,
		Metadata:   metadata,
	})

	if exhausted {
		s.record(AuditEvent{
			EventType:  models.EventRateLimitExceeded,
			UserID:     &uid,
			IPAddress:  meta.IPAddress,
			UserAgent:  meta.UserAgent,
			Resource:   "mfa",
			Action:     action,
			ResourceID: session.ID.String(),
			Success:    false,
			Metadata:   map[string]interface{}{"reason": "mfa_attempts_exhausted"},
		})
	}
}

// TrustDevice 记住当前(地址,客户端)组合，供特权角色在信任期内跳过MFA
func (s *MFAService) TrustDevice(ctx context.Context, userID uuid.UUID, meta RequestMeta) error {
	if meta.IPAddress == "" {
		return nil
	}
	now := s.now()
	device := &models.MFATrustedDevice{
		UserID:       userID,
		Fingerprint:  deviceFingerprint(meta),
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		TrustedUntil: now.Add(s.policy.TrustWindow()),
	}
	err := s.db.GetDB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{"trusted_until", "ip_address", "user_agent", "updated_at"}),
	}).Create(device).Error
	if err != nil {
		return fmt.Errorf("保存受信任设备失败: %w", err)
	}
	return nil
}

func (s *MFAService) isTrustedDevice(ctx context.Context, userID uuid.UUID, meta RequestMeta, now time.Time) (bool, error) {
	if meta.IPAddress == "" {
		return false, nil
	}
	var count int64
	err := s.db.GetDB().WithContext(ctx).Model(&models.MFATrustedDevice{}).
		Where("user_id = ? AND fingerprint = ? AND trusted_until > ?", userID, deviceFingerprint(meta), now).
		Count(&count).Error
	return count > 0, err
}

func deviceFingerprint(meta RequestMeta) string {
	return auth.HashToken(meta.IPAddress + "|" + meta.UserAgent)
}

// ListMethods 列出用户所有MFA方式
func (s *MFAService) ListMethods(ctx context.Context, userID uuid.UUID) ([]MFAMethodSummary, error) {
	var methods []models.MFAMethod
	if err := s.db.GetDB().WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&methods).Error; err != nil {
		return nil, fmt.Errorf("查询MFA方式失败: %w", err)
	}

	now := s.now()
	summaries := make([]MFAMethodSummary, 0, len(methods))
	for i := range methods {
		m := &methods[i]
		summary := MFAMethodSummary{
			ID:         m.ID,
			MethodType: m.MethodType,
			IsEnabled:  m.IsEnabled,
			IsVerified: m.IsVerified,
			UsageCount: m.UsageCount,
			LastUsedAt: m.LastUsedAt,
			Locked:     m.IsLocked(s.config.LockoutThreshold, s.config.LockoutDuration, now),
			CreatedAt:  m.CreatedAt,
		}
		if m.PhoneNumber != "" {
			summary.PhoneNumber = auth.MaskPhoneNumber(m.PhoneNumber)
		}
		for _, c := range m.Credentials {
			summary.Credentials = append(summary.Credentials, CredentialSummary{
				ID:         c.ID,
				CreatedAt:  c.CreatedAt,
				LastUsedAt: c.LastUsedAt,
			})
		}
		if m.BackupCodesEncrypted != "" {
			if codes, err := s.codec.DecryptList(m.BackupCodesEncrypted); err == nil {
				summary.BackupCodesRemaining = len(codes)
			} else {
				s.logger.WithContext(ctx).Errorf("解密备用码失败: %v", err)
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// DisableMethod 停用方式，备用码转移到其余已启用方式
func (s *MFAService) DisableMethod(ctx context.Context, userID uuid.UUID, methodType auth.MethodType, actorID uuid.UUID, meta RequestMeta) error {
	method, err := s.findMethod(ctx, userID, methodType)
	if err != nil {
		return err
	}
	if method == nil || !method.IsEnabled {
		return ErrMethodNotFound
	}

	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&models.MFAMethod{}).Where("id = ?", method.ID).
			Update("is_enabled", false).Error; err != nil {
			return fmt.Errorf("停用MFA方式失败: %w", err)
		}
		if err := relocateBackupCodes(tx, method); err != nil {
			return err
		}
		return tx.Model(&models.MFASession{}).
			Where("method_id = ? AND status = ?", method.ID, models.MFASessionPending).
			Updates(map[string]interface{}{
				"status":         models.MFASessionExpired,
				"code_encrypted": "",
				"challenge":      "",
			}).Error
	})
	if err != nil {
		return err
	}

	uid := userID
	actor := actorID.String()
	s.record(AuditEvent{
		EventType:  models.EventMFADisabled,
		UserID:     &uid,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Resource:   "mfa_method",
		Action:     "disable",
		ResourceID: method.ID.String(),
		Success:    true,
		Metadata:   map[string]interface{}{"method": methodType, "actor_id": actor},
	})
	return nil
}

// relocateBackupCodes 将备用码移到用户另一个已启用方式上，没有则随方式一起作废
func relocateBackupCodes(tx *gorm.DB, method *models.MFAMethod) error {
	if method.BackupCodesEncrypted == "" {
		return nil
	}

	var target models.MFAMethod
	err := tx.Where("user_id = ? AND id <> ? AND is_enabled = ? AND is_verified = ?", method.UserID, method.ID, true, true).
		Order("created_at ASC").
		First(&target).Error
	switch {
	case err == nil:
		if err := tx.Model(&models.MFAMethod{}).Where("id = ?", target.ID).
			Update("backup_codes_encrypted", method.BackupCodesEncrypted).Error; err != nil {
			return fmt.Errorf("转移备用码失败: %w", err)
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("查询MFA方式失败: %w", err)
	}

	return tx.Model(&models.MFAMethod{}).Where("id = ?", method.ID).
		Update("backup_codes_encrypted", "").Error
}

// RegenerateBackupCodes 重新生成备用码，旧码全部失效
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID, meta RequestMeta) ([]string, error) {
	methods, err := s.usableMethods(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return nil, ErrMFASetupRequired
	}

	codes, err := auth.GenerateBackupCodes(s.config.BackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("生成备用码失败: %w", err)
	}
	encrypted, err := s.codec.EncryptList(codes)
	if err != nil {
		return nil, fmt.Errorf("加密备用码失败: %w", err)
	}

	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&models.MFAMethod{}).Where("user_id = ?", userID).
			Update("backup_codes_encrypted", "").Error; err != nil {
			return err
		}
		return tx.Model(&models.MFAMethod{}).Where("id = ?", methods[0].ID).
			Update("backup_codes_encrypted", encrypted).Error
	})
	if err != nil {
		return nil, fmt.Errorf("保存备用码失败: %w", err)
	}

	uid := userID
	s.record(AuditEvent{
		EventType: models.EventDataUpdated,
		UserID:    &uid,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Resource:  "mfa_backup_codes",
		Action:    "regenerate",
		Success:   true,
	})
	return codes, nil
}

// RemoveWebAuthnCredential 删除单个安全密钥，删除最后一个时停用WebAuthn
func (s *MFAService) RemoveWebAuthnCredential(ctx context.Context, userID uuid.UUID, credentialID string, meta RequestMeta) error {
	method, err := s.findMethod(ctx, userID, auth.MethodWebAuthn)
	if err != nil {
		return err
	}
	if method == nil {
		return ErrMethodNotFound
	}

	remaining := make([]auth.WebAuthnCredential, 0, len(method.Credentials))
	for _, c := range method.Credentials {
		if c.ID != credentialID {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == len(method.Credentials) {
		return ErrMethodNotFound
	}

	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"credentials": datatypes.JSONSlice[auth.WebAuthnCredential](remaining),
		}
		if len(remaining) == 0 {
			updates["is_enabled"] = false
			updates["is_verified"] = false
		}
		if err := tx.Model(&models.MFAMethod{}).Where("id = ?", method.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("删除安全密钥失败: %w", err)
		}
		if len(remaining) == 0 {
			return relocateBackupCodes(tx, method)
		}
		return nil
	})
	if err != nil {
		return err
	}

	uid := userID
	s.record(AuditEvent{
		EventType:  models.EventMFADisabled,
		UserID:     &uid,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Resource:   "webauthn_credential",
		Action:     "remove",
		ResourceID: credentialID,
		Success:    true,
		Metadata:   map[string]interface{}{"remaining": len(remaining)},
	})
	return nil
}

// ResetUser 管理员清除用户全部MFA配置
func (s *MFAService) ResetUser(ctx context.Context, userID, actorID uuid.UUID, meta RequestMeta) error {
	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.MFASession{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.MFATrustedDevice{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Delete(&models.MFAMethod{}).Error
	})
	if err != nil {
		return fmt.Errorf("重置MFA失败: %w", err)
	}

	uid := userID
	s.record(AuditEvent{
		EventType: models.EventMFADisabled,
		Severity:  models.SeverityWarning,
		UserID:    &uid,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Resource:  "mfa",
		Action:    "reset",
		Success:   true,
		Metadata:  map[string]interface{}{"actor_id": actorID.String()},
	})
	return nil
}

// CleanupExpiredSessions 删除已过期的MFA会话与受信任设备
func (s *MFAService) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	now := s.now()
	db := s.db.GetDB().WithContext(ctx)

	res := db.Where("expires_at < ?", now).Delete(&models.MFASession{})
	if res.Error != nil {
		return 0, fmt.Errorf("清理MFA会话失败: %w", res.Error)
	}
	if err := db.Where("trusted_until < ?", now).Delete(&models.MFATrustedDevice{}).Error; err != nil {
		return res.RowsAffected, fmt.Errorf("清理受信任设备失败: %w", err)
	}
	return res.RowsAffected, nil
}

// UpdatePolicy 热更新策略
func (s *MFAService) UpdatePolicy(cfg MFAPolicyConfig) error {
	return s.policy.Update(cfg)
}

func (s *MFAService) checkSessionOpen(ctx context.Context, session *models.MFASession, now time.Time) error {
	switch session.Status {
	case models.MFASessionPending:
	case models.MFASessionFailed:
		return ErrRateLimited
	default:
		return ErrInvalidOrExpiredChallenge
	}

	if session.IsExpired(now) {
		s.closeSession(ctx, session.ID, models.MFASessionExpired)
		return ErrInvalidOrExpiredChallenge
	}
	if session.Attempts >= session.MaxAttempts {
		s.closeSession(ctx, session.ID, models.MFASessionFailed)
		return ErrRateLimited
	}
	return nil
}

func (s *MFAService) closeSession(ctx context.Context, id uuid.UUID, status string) {
	err := s.db.GetDB().WithContext(ctx).Model(&models.MFASession{}).
		Where("id = ? AND status = ?", id, models.MFASessionPending).
		Updates(map[string]interface{}{
			"status":         status,
			"code_encrypted": "",
			"challenge":      "",
		}).Error
	if err != nil {
		s.logger.WithContext(ctx).Errorf("更新MFA会话状态失败: %v", err)
	}
}

func (s *MFAService) loginSession(ctx context.Context, token string) (*models.MFASession, error) {
	if token == "" {
		return nil, ErrInvalidOrExpiredChallenge
	}
	var session models.MFASession
	err := s.db.GetDB().WithContext(ctx).
		Where("token = ? AND purpose = ?", token, models.MFAPurposeLogin).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidOrExpiredChallenge
		}
		return nil, fmt.Errorf("查询MFA会话失败: %w", err)
	}
	return &session, nil
}

func (s *MFAService) pendingEnrollment(ctx context.Context, methodID uuid.UUID) (*models.MFASession, error) {
	var session models.MFASession
	err := s.db.GetDB().WithContext(ctx).
		Where("method_id = ? AND purpose = ? AND status IN ?", methodID, models.MFAPurposeEnrollment,
			[]string{models.MFASessionPending, models.MFASessionFailed}).
		Order("created_at DESC").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidOrExpiredChallenge
		}
		return nil, fmt.Errorf("查询注册会话失败: %w", err)
	}
	return &session, nil
}

func (s *MFAService) findMethod(ctx context.Context, userID uuid.UUID, methodType auth.MethodType) (*models.MFAMethod, error) {
	var method models.MFAMethod
	err := s.db.GetDB().WithContext(ctx).
		Where("user_id = ? AND method_type = ?", userID, methodType).
		First(&method).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询MFA方式失败: %w", err)
	}
	return &method, nil
}

func (s *MFAService) methodByID(ctx context.Context, userID, methodID uuid.UUID) (*models.MFAMethod, error) {
	var method models.MFAMethod
	err := s.db.GetDB().WithContext(ctx).
		Where("id = ? AND user_id = ?", methodID, userID).
		First(&method).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMethodNotFound
		}
		return nil, fmt.Errorf("查询MFA方式失败: %w", err)
	}
	return &method, nil
}

func (s *MFAService) usableMethods(ctx context.Context, userID uuid.UUID) ([]models.MFAMethod, error) {
	var methods []models.MFAMethod
	err := s.db.GetDB().WithContext(ctx).
		Where("user_id = ? AND is_enabled = ? AND is_verified = ?", userID, true, true).
		Order("created_at ASC").
		Find(&methods).Error
	if err != nil {
		return nil, fmt.Errorf("查询MFA方式失败: %w", err)
	}
	return methods, nil
}

// HasUsableMethod 用户是否已配置可用的MFA方式
func (s *MFAService) HasUsableMethod(ctx context.Context, userID uuid.UUID) (bool, error) {
	methods, err := s.usableMethods(ctx, userID)
	return len(methods) > 0, err
}

func (s *MFAService) backupCodeHolder(ctx context.Context, userID uuid.UUID) (*models.MFAMethod, error) {
	methods, err := s.usableMethods(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range methods {
		if methods[i].BackupCodesEncrypted != "" {
			return &methods[i], nil
		}
	}
	return nil, nil
}

// material 解密校验所需的存储材料，解密失败时拒绝校验
func (s *MFAService) material(method *models.MFAMethod, session *models.MFASession) (auth.Material, error) {
	m := auth.Material{
		Subject:      method.UserID.String(),
		Credentials:  []auth.WebAuthnCredential(method.Credentials),
		LastUsedStep: method.LastUsedStep,
	}
	if method.SecretEncrypted != "" {
		secret, err := s.codec.Decrypt(method.SecretEncrypted)
		if err != nil {
			return m, fmt.Errorf("解密MFA密钥失败: %w", err)
		}
		m.Secret = secret
	}
	if session != nil {
		m.Challenge = session.Challenge
		if session.CodeEncrypted != "" {
			code, err := s.codec.Decrypt(session.CodeEncrypted)
			if err != nil {
				return m, fmt.Errorf("解密验证码失败: %w", err)
			}
			m.Code = code
		}
		if session.CodeExpiresAt != nil {
			m.CodeExpiresAt = *session.CodeExpiresAt
		}
	}
	return m, nil
}

func (s *MFAService) deliverCode(ctx context.Context, phoneNumber, code string, expiresAt time.Time) error {
	if s.sms == nil {
		return fmt.Errorf("%w: 未配置短信通道", ErrTransportFailure)
	}

	minutes := int(expiresAt.Sub(s.now()).Round(time.Minute).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	message := fmt.Sprintf("【%s】您的验证码是%s，%d分钟内有效，请勿泄露给他人。", s.config.Issuer, code, minutes)

	ctx, cancel := context.WithTimeout(ctx, s.config.TransportTimeout)
	defer cancel()

	result, err := s.sms.Send(ctx, phoneNumber, message)
	if err != nil || result == nil || !result.Success {
		s.logger.WithContext(ctx).WithField("phone", auth.MaskPhoneNumber(phoneNumber)).
			Errorf("发送短信验证码失败: %v", err)
		return fmt.Errorf("%w: 短信发送失败", ErrTransportFailure)
	}
	return nil
}

func (s *MFAService) record(event AuditEvent) {
	if s.audit != nil {
		s.audit.Record(event)
	}
}

// newOpaqueToken 生成不透明随机令牌
func newOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成随机令牌失败: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
