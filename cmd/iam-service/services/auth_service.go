package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-platform/identity-core/shared/auth"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/models"
)

// AuthService 登录、MFA、令牌与会话生命周期编排
type AuthService struct {
	users    UserDirectory
	tokens   *auth.TokenService
	mfa      *MFAService
	sessions *SessionStore
	audit    AuditRecorder
	access   AccessResolver
	geo      GeoLocator
	agents   AgentParser
	logger   logger.Logger
	now      func() time.Time
}

// LoginRequest 登录请求
type LoginRequest struct {
	Identifier string `json:"identifier" binding:"required,max=255"`
	Password   string `json:"password" binding:"required,max=128"`
}

// UserSummary 登录成功返回的用户摘要
type UserSummary struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	Username string    `json:"username"`
	FullName string    `json:"fullName"`
	Role     string    `json:"role"`
}

// LoginOutcome 登录结果：要么需要MFA，要么已签发令牌
type LoginOutcome struct {
	RequiresMFA      bool                   `json:"requiresMFA"`
	SessionToken     string                 `json:"sessionToken,omitempty"`
	AvailableMethods []auth.MethodType      `json:"availableMethods,omitempty"`
	HasBackupCodes   bool                   `json:"hasBackupCodes,omitempty"`
	Challenge        map[string]interface{} `json:"challenge,omitempty"`
	ChallengeExpires *time.Time             `json:"challengeExpiresAt,omitempty"`
	AccessToken      string                 `json:"accessToken,omitempty"`
	RefreshToken     string                 `json:"refreshToken,omitempty"`
	TokenType        string                 `json:"tokenType,omitempty"`
	ExpiresIn        int64                  `json:"expiresIn,omitempty"`
	SessionID        string                 `json:"sessionId,omitempty"`
	MFASetupRequired bool                   `json:"mfaSetupRequired,omitempty"`
	User             *UserSummary           `json:"user,omitempty"`
}

// VerifyMFARequest 第二步验证请求
type VerifyMFARequest struct {
	SessionToken string          `json:"sessionToken" binding:"required,max=128"`
	Method       auth.MethodType `json:"method" binding:"omitempty,mfa_proof_method"`
	Code         string          `json:"code" binding:"required,max=4096"`
	TrustDevice  bool            `json:"trustDevice"`
}

// NewAuthService 创建认证编排服务
func NewAuthService(
	users UserDirectory,
	tokens *auth.TokenService,
	mfa *MFAService,
	sessions *SessionStore,
	audit AuditRecorder,
	access AccessResolver,
	geo GeoLocator,
	agents AgentParser,
	log logger.Logger,
) *AuthService {
	if geo == nil {
		geo = NoopGeoLocator{}
	}
	if agents == nil {
		agents = UserAgentParser{}
	}
	return &AuthService{
		users:    users,
		tokens:   tokens,
		mfa:      mfa,
		sessions: sessions,
		audit:    audit,
		access:   access,
		geo:      geo,
		agents:   agents,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Login 第一步：校验密码，按策略发起MFA挑战或直接签发令牌
func (s *AuthService) Login(ctx context.Context, req *LoginRequest, meta RequestMeta) (*LoginOutcome, error) {
	started := s.now()

	user, err := s.users.FindByIdentifier(ctx, req.Identifier)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		// 未知账号同样执行一次哈希比较，避免响应时间泄露账号是否存在
		auth.CompareWithDummy(req.Password)
		s.recordLoginFailure(nil, req.Identifier, meta, "unknown_identifier", started)
		return nil, ErrInvalidCredentials
	}

	if !auth.ComparePassword(user.PasswordHash, req.Password) {
		uid := user.ID
		s.recordLoginFailure(&uid, req.Identifier, meta, "invalid_password", started)
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		uid := user.ID
		s.recordLoginFailure(&uid, req.Identifier, meta, "inactive_account", started)
		return nil, ErrInvalidCredentials
	}

	challenge, err := s.mfa.InitiateLoginChallenge(ctx, user, meta)
	if err != nil {
		if errors.Is(err, ErrMFASetupRequired) {
			uid := user.ID
			s.recordLoginFailure(&uid, req.Identifier, meta, "mfa_setup_required", started)
		}
		return nil, err
	}

	if challenge.Required {
		expires := challenge.ExpiresAt
		return &LoginOutcome{
			RequiresMFA:      true,
			SessionToken:     challenge.SessionToken,
			AvailableMethods: challenge.Methods,
			HasBackupCodes:   challenge.HasBackupCodes,
			Challenge:        challenge.Prepared,
			ChallengeExpires: &expires,
		}, nil
	}

	outcome, err := s.completeLogin(ctx, user, meta, "", started)
	if err != nil {
		return nil, err
	}
	outcome.MFASetupRequired = challenge.SetupRequired
	return outcome, nil
}

// PrepareMFAChallenge 为指定方式下发挑战
func (s *AuthService) PrepareMFAChallenge(ctx context.Context, sessionToken string, method auth.MethodType) (map[string]interface{}, error) {
	return s.mfa.PrepareChallenge(ctx, sessionToken, method)
}

// VerifyMFA 第二步：校验MFA证明后签发令牌
func (s *AuthService) VerifyMFA(ctx context.Context, req *VerifyMFARequest, meta RequestMeta) (*LoginOutcome, error) {
	started := s.now()

	verification, err := s.mfa.VerifyLoginChallenge(ctx, req.SessionToken, req.Method, req.Code, meta)
	if err != nil {
		return nil, err
	}

	user, err := s.users.FindByID(ctx, verification.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInvalidCredentials
	}

	if req.TrustDevice {
		if err := s.mfa.TrustDevice(ctx, user.ID, meta); err != nil {
			s.logger.WithContext(ctx).Warnf("记录受信任设备失败: %v", err)
		}
	}

	return s.completeLogin(ctx, user, meta, verification.MethodType, started)
}

// completeLogin 签发令牌、创建会话并记录唯一一条登录成功事件
func (s *AuthService) completeLogin(ctx context.Context, user *models.User, meta RequestMeta, mfaMethod auth.MethodType, started time.Time) (*LoginOutcome, error) {
	sessionID, err := NewSessionID()
	if err != nil {
		return nil, err
	}

	grant, err := s.access.Resolve(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("解析用户权限失败: %w", err)
	}

	pair, err := s.tokens.GenerateTokenPair(auth.TokenSubject{
		UserID:         user.ID,
		Role:           user.Role,
		SessionID:      sessionID,
		TenantID:       grant.TenantID,
		TenantCode:     grant.TenantCode,
		Permissions:    grant.Permissions,
		TenantDatabase: grant.TenantDatabase,
	})
	if err != nil {
		return nil, err
	}

	device := s.agents.Parse(meta.UserAgent)
	newSession := &NewSession{
		ID:               sessionID,
		UserID:           user.ID,
		TenantID:         user.TenantID,
		Role:             user.Role,
		AccessTokenHash:  auth.HashToken(pair.AccessToken),
		RefreshTokenHash: auth.HashToken(pair.RefreshToken),
		IPAddress:        meta.IPAddress,
		UserAgent:        meta.UserAgent,
		DeviceInfo: map[string]interface{}{
			"browser":         device.Browser,
			"browser_version": device.BrowserVersion,
			"os":              device.OS,
			"platform":        device.Platform,
			"device_class":    device.DeviceClass,
		},
	}

	// 地理位置查询失败不影响登录
	if loc, err := s.geo.Locate(ctx, meta.IPAddress); err != nil {
		s.logger.WithContext(ctx).Warnf("地理位置查询失败: %v", err)
	} else if loc != nil {
		newSession.Location = map[string]interface{}{
			"city":      loc.City,
			"country":   loc.Country,
			"latitude":  loc.Latitude,
			"longitude": loc.Longitude,
		}
	}

	if _, err := s.sessions.Create(ctx, newSession); err != nil {
		return nil, fmt.Errorf("创建会话失败: %w", err)
	}

	now := s.now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.WithContext(ctx).Warnf("更新最后登录时间失败: %v", err)
	}

	metadata := map[string]interface{}{
		"mfa":          mfaMethod != "",
		"device_class": device.DeviceClass,
	}
	if mfaMethod != "" {
		metadata["mfa_method"] = mfaMethod
	}
	uid := user.ID
	s.record(AuditEvent{
		EventType:  models.EventLoginSuccess,
		UserID:     &uid,
		Identifier: user.Email,
		SessionID:  sessionID,
		TenantID:   user.TenantID,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Resource:   "auth",
		Action:     "login",
		Success:    true,
		Metadata:   metadata,
		Duration:   now.Sub(started),
	})

	return &LoginOutcome{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		SessionID:    sessionID,
		User: &UserSummary{
			ID:       user.ID,
			Email:    user.Email,
			Username: user.Username,
			FullName: user.FullName(),
			Role:     user.Role,
		},
	}, nil
}

// Refresh 校验刷新令牌仍是会话当前持有的令牌，轮换后签发新令牌对
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*auth.TokenPair, error) {
	claims, err := s.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		s.recordInvalidToken(nil, "", meta, "refresh_token_invalid")
		return nil, ErrTokenInvalid
	}

	session, err := s.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionInactive
		}
		return nil, err
	}

	presentedHash := auth.HashToken(refreshToken)
	if session.UserID != claims.UserID ||
		subtle.ConstantTimeCompare([]byte(session.RefreshTokenHash), []byte(presentedHash)) != 1 {
		uid := claims.UserID
		s.recordInvalidToken(&uid, claims.SessionID, meta, "refresh_token_superseded")
		return nil, ErrTokenInvalid
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrSessionInactive
		}
		return nil, err
	}
	if !user.IsActive {
		if _, err := s.sessions.Terminate(ctx, claims.SessionID, Termination{Reason: TerminationForced, Note: "account_inactive"}); err != nil {
			s.logger.WithContext(ctx).Warnf("终止停用账号会话失败: %v", err)
		}
		return nil, ErrSessionInactive
	}

	grant, err := s.access.Resolve(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("解析用户权限失败: %w", err)
	}
	pair, err := s.tokens.GenerateTokenPair(auth.TokenSubject{
		UserID:         user.ID,
		Role:           user.Role,
		SessionID:      claims.SessionID,
		TenantID:       grant.TenantID,
		TenantCode:     grant.TenantCode,
		Permissions:    grant.Permissions,
		TenantDatabase: grant.TenantDatabase,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.sessions.RotateTokens(ctx, claims.SessionID, presentedHash,
		auth.HashToken(pair.AccessToken), auth.HashToken(pair.RefreshToken)); err != nil {
		switch {
		case errors.Is(err, ErrTokenInvalid):
			uid := user.ID
			s.recordInvalidToken(&uid, claims.SessionID, meta, "refresh_token_race")
			return nil, ErrTokenInvalid
		case errors.Is(err, ErrSessionNotFound):
			return nil, ErrSessionInactive
		default:
			return nil, err
		}
	}

	uid := user.ID
	s.record(AuditEvent{
		EventType: models.EventTokenRefreshed,
		UserID:    &uid,
		SessionID: claims.SessionID,
		TenantID:  user.TenantID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Resource:  "auth",
		Action:    "refresh",
		Success:   true,
	})
	return pair, nil
}

// ValidateAccess 校验访问令牌并确认会话存活且令牌未被轮换，同时刷新活动时间
func (s *AuthService) ValidateAccess(ctx context.Context, accessToken, ipAddress, userAgent string) (*auth.Claims, error) {
	claims, err := s.tokens.ValidateAccessToken(accessToken)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	session, err := s.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionInactive
		}
		return nil, err
	}
	if session.UserID != claims.UserID ||
		subtle.ConstantTimeCompare([]byte(session.AccessTokenHash), []byte(auth.HashToken(accessToken))) != 1 {
		uid := claims.UserID
		s.recordInvalidToken(&uid, claims.SessionID, RequestMeta{IPAddress: ipAddress, UserAgent: userAgent}, "access_token_superseded")
		return nil, ErrTokenInvalid
	}

	meta := RequestMeta{IPAddress: ipAddress, UserAgent: userAgent}
	touch, err := s.sessions.Touch(ctx, claims.SessionID, meta)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionInactive
		}
		return nil, err
	}

	if touch.IPChanged {
		uid := claims.UserID
		s.record(AuditEvent{
			EventType: models.EventSuspiciousActivity,
			UserID:    &uid,
			SessionID: claims.SessionID,
			IPAddress: ipAddress,
			UserAgent: userAgent,
			Resource:  "session",
			Action:    "ip_changed",
			Success:   true,
			Metadata: map[string]interface{}{
				"previous_ip":   touch.PreviousIP,
				"current_ip":    ipAddress,
				"warning_count": touch.WarningCount,
			},
		})
	}
	return claims, nil
}

// Logout 退出指定会话，sessionID为空时退出该用户全部会话
func (s *AuthService) Logout(ctx context.Context, userID uuid.UUID, sessionID string, meta RequestMeta) ([]string, error) {
	var removed []string
	if sessionID != "" {
		row, err := s.sessions.Find(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if row.UserID != userID {
			return nil, ErrSessionNotFound
		}
		ok, err := s.sessions.Terminate(ctx, sessionID, Termination{Reason: TerminationLogout})
		if err != nil {
			return nil, err
		}
		if ok {
			removed = append(removed, sessionID)
		}
	} else {
		ids, err := s.sessions.TerminateAllForUser(ctx, userID, Termination{Reason: TerminationLogout})
		if err != nil {
			s.logger.WithContext(ctx).Warnf("部分会话退出失败: %v", err)
		}
		removed = ids
	}

	uid := userID
	s.record(AuditEvent{
		EventType: models.EventLogout,
		UserID:    &uid,
		SessionID: sessionID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Resource:  "auth",
		Action:    "logout",
		Success:   true,
		Metadata:  map[string]interface{}{"sessions": len(removed)},
	})
	if removed == nil {
		removed = []string{}
	}
	return removed, nil
}

// ForceLogoutUser 管理员强制终止用户全部会话，返回本次实际终止的会话ID
func (s *AuthService) ForceLogoutUser(ctx context.Context, targetUserID, actorID uuid.UUID, reason string, meta RequestMeta) ([]string, error) {
	actor := actorID
	removed, err := s.sessions.TerminateAllForUser(ctx, targetUserID, Termination{
		Reason:  TerminationForced,
		ActorID: &actor,
		Note:    reason,
	})
	if removed == nil {
		removed = []string{}
	}

	uid := targetUserID
	event := AuditEvent{
		EventType: models.EventLogout,
		Severity:  models.SeverityWarning,
		UserID:    &uid,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Resource:  "session",
		Action:    "force_logout",
		Success:   err == nil,
		Metadata: map[string]interface{}{
			"actor_id": actorID.String(),
			"reason":   reason,
			"sessions": removed,
		},
	}
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	s.record(event)

	return removed, err
}

// TerminateSession 用户终止自己的某个会话
func (s *AuthService) TerminateSession(ctx context.Context, userID uuid.UUID, sessionID string, meta RequestMeta) (bool, error) {
	removed, err := s.Logout(ctx, userID, sessionID, meta)
	if err != nil {
		return false, err
	}
	return len(removed) > 0, nil
}

// ListSessions 列出用户会话
func (s *AuthService) ListSessions(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]models.UserSession, error) {
	return s.sessions.ListForUser(ctx, userID, activeOnly)
}

// SessionStats 会话统计
func (s *AuthService) SessionStats(ctx context.Context) (*SessionStats, error) {
	return s.sessions.Stats(ctx)
}

// CurrentUser 查询当前用户
func (s *AuthService) CurrentUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	return s.users.FindByID(ctx, userID)
}

func (s *AuthService) recordLoginFailure(userID *uuid.UUID, identifier string, meta RequestMeta, reason string, started time.Time) {
	s.record(AuditEvent{
		EventType:    models.EventLoginFailed,
		UserID:       userID,
		Identifier:   identifier,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		Resource:     "auth",
		Action:       "login",
		Success:      false,
		ErrorMessage: reason,
		Duration:     s.now().Sub(started),
	})
}

func (s *AuthService) recordInvalidToken(userID *uuid.UUID, sessionID string, meta RequestMeta, reason string) {
	s.record(AuditEvent{
		EventType:    models.EventInvalidToken,
		UserID:       userID,
		SessionID:    sessionID,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		Resource:     "auth",
		Action:       "token",
		Success:      false,
		ErrorMessage: reason,
	})
}

func (s *AuthService) record(event AuditEvent) {
	if s.audit != nil {
		s.audit.Record(event)
	}
}
