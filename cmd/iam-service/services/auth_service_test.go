package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-platform/identity-core/shared/auth"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/models"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type authFixture struct {
	*mfaFixture
	mr       *miniredis.Miniredis
	sessions *SessionStore
	tokens   *auth.TokenService
	svc      *AuthService
	meta     RequestMeta
}

// failingLocator 地理位置服务不可用
type failingLocator struct{}

func (failingLocator) Locate(context.Context, string) (*Location, error) {
	return nil, errors.New("geo service down")
}

func newAuthFixture(t *testing.T, policyCfg MFAPolicyConfig) *authFixture {
	t.Helper()
	mf := newMFAFixture(t, policyCfg)
	mr, client := newTestRedis(t)

	sessions := NewSessionStore(mf.db, NewSessionCache(client, "test", 24*time.Hour), SessionStoreConfig{}, logger.NewNopLogger())
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  "test_access_secret_key_32_chars_minimum_here_safe",
		RefreshSecret: "test_refresh_secret_key_32_chars_minimum_here_safe",
		AccessExpiry:  time.Hour,
		RefreshExpiry: 24 * time.Hour,
	})
	require.NoError(t, err)

	access := NewRoleAccessResolver(map[string][]string{"ADMIN": {"users:manage"}, "DEVELOPER": {"projects:read"}})
	svc := NewAuthService(NewGormUserDirectory(mf.db), tokens, mf.svc, sessions, mf.audit, access, failingLocator{}, nil, logger.NewNopLogger())

	return &authFixture{
		mfaFixture: mf,
		mr:         mr,
		sessions:   sessions,
		tokens:     tokens,
		svc:        svc,
		meta:       RequestMeta{IPAddress: publicIP, UserAgent: browserUA},
	}
}

func (f *authFixture) login(t *testing.T, identifier string) *LoginOutcome {
	t.Helper()
	out, err := f.svc.Login(context.Background(), &LoginRequest{Identifier: identifier, Password: testPassword}, f.meta)
	require.NoError(t, err)
	require.False(t, out.RequiresMFA)
	return out
}

func TestAuthService_LoginWithoutMFA(t *testing.T) {
	f := newAuthFixture(t, MFAPolicyConfig{})
	ctx := context.Background()
	user := createTestUser(t, f.db, "dev", "DEVELOPER")

	out := f.login(t, "dev@example.com")
	assert.NotEmpty(t, out.AccessToken)
	assert.NotEmpty(t, out.RefreshToken)
	assert.Equal(t, "Bearer", out.TokenType)
	assert.Equal(t, int64(3600), out.ExpiresIn)
	assert.False(t, out.MFASetupRequired)
	require.NotNil(t, out.User)
	assert.Equal(t, user.ID, out.User.ID)
	assert.Equal(t, "Test dev", out.User.FullName)

	t.Run("令牌绑定会话与权限", func(t *testing.T) {
		claims, err := f.tokens.ValidateAccessToken(out.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, out.SessionID, claims.SessionID)
		assert.Equal(t, []string{"projects:read"}, claims.Permissions)
	})

	t.Run("会话记录设备信息且不含位置", func(t *testing.T) {
		session, err := f.sessions.Find(ctx, out.SessionID)
		require.NoError(t, err)
		assert.Equal(t, user.ID, session.UserID)
		assert.Equal(t, auth.HashToken(out.AccessToken), session.AccessTokenHash)
		assert.Equal(t, "desktop", session.DeviceInfo["device_class"])
		assert.Empty(t, session.Location)
	})

	t.Run("记录一次登录成功并更新登录时间", func(t *testing.T) {
		assert.Equal(t, 1, f.audit.count(models.EventLoginSuccess))
		event := f.audit.last(models.EventLoginSuccess)
		assert.Equal(t, false, event.Metadata["mfa"])
		assert.Equal(t, out.SessionID, event.SessionID)

		reloaded, err := NewGormUserDirectory(f.db).FindByID(ctx, user.ID)
		require.NoError(t, err)
		assert.NotNil(t, reloaded.LastLoginAt)
	})
}

func TestAuthService_InvalidCredentials(t *testing.T) {
	f := newAuthFixture(t, MFAPolicyConfig{})
	ctx := context.Background()
	createTestUser(t, f.db, "dev", "DEVELOPER")
	inactive := createTestUser(t, f.db, "former", "DEVELOPER")
	require.NoError(t, f.db.GetDB().Model(inactive).Update("is_active", false).Error)

	tests := []struct {
		name       string
		identifier string
		password   string
		userKnown  bool
	}{
		{"账号不存在", "ghost@example.com", testPassword, false},
		{"密码错误", "dev", "wrong-password", true},
		{"账号已停用", "former", testPassword, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.audit.count(models.EventLoginFailed)
			out, err := f.svc.Login(ctx, &LoginRequest{Identifier: tt.identifier, Password: tt.password}, f.meta)
			assert.Nil(t, out)
			assert.ErrorIs(t, err, ErrInvalidCredentials)

			assert.Equal(t, before+1, f.audit.count(models.EventLoginFailed))
			event := f.audit.last(models.EventLoginFailed)
			assert.Equal(t, tt.identifier, event.Identifier)
			assert.Equal(t, tt.userKnown, event.UserID != nil)
		})
	}

	assert.Zero(t, f.audit.count(models.EventLoginSuccess))
}

func TestAuthService_LoginWithMFA(t *testing.T) {
	f := newAuthFixture(t, MFAPolicyConfig{})
	ctx := context.Background()
	user := createTestUser(t, f.db, "secure", "DEVELOPER")
	secret, _ := f.enrollTOTP(t, user.ID)

	out, err := f.svc.Login(ctx, &LoginRequest{Identifier: "secure", Password: testPassword}, f.meta)
	require.NoError(t, err)
	require.True(t, out.RequiresMFA)
	assert.NotEmpty(t, out.SessionToken)
	assert.Contains(t, out.AvailableMethods, auth.MethodTOTP)
	assert.True(t, out.HasBackupCodes)
	require.NotNil(t, out.ChallengeExpires)
	assert.Empty(t, out.AccessToken)
	assert.Zero(t, f.audit.count(models.EventLoginSuccess))

	t.Run("错误的验证码不签发令牌", func(t *testing.T) {
		_, err := f.svc.VerifyMFA(ctx, &VerifyMFARequest{SessionToken: out.SessionToken, Method: auth.MethodTOTP, Code: "000000"}, f.meta)
		assert.ErrorIs(t, err, ErrInvalidProof)
	})

	t.Run("验证通过后签发令牌并记住设备", func(t *testing.T) {
		code, err := f.totp.GenerateCode(secret, time.Now().UTC().Add(30*time.Second))
		require.NoError(t, err)

		done, err := f.svc.VerifyMFA(ctx, &VerifyMFARequest{
			SessionToken: out.SessionToken,
			Method:       auth.MethodTOTP,
			Code:         code,
			TrustDevice:  true,
		}, f.meta)
		require.NoError(t, err)
		assert.NotEmpty(t, done.AccessToken)
		assert.Equal(t, user.ID, done.User.ID)

		assert.Equal(t, 1, f.audit.count(models.EventLoginSuccess))
		event := f.audit.last(models.EventLoginSuccess)
		assert.Equal(t, true, event.Metadata["mfa"])
		assert.Equal(t, auth.MethodTOTP, event.Metadata["mfa_method"])

		var trusted int64
		require.NoError(t, f.db.GetDB().Model(&models.MFATrustedDevice{}).Where("user_id = ?", user.ID).Count(&trusted).Error)
		assert.Equal(t, int64(1), trusted)
	})

	t.Run("挑战不可重复使用", func(t *testing.T) {
		code, err := f.totp.GenerateCode(secret, time.Now().UTC())
		require.NoError(t, err)
		_, err = f.svc.VerifyMFA(ctx, &VerifyMFARequest{SessionToken: out.SessionToken, Method: auth.MethodTOTP, Code: code}, f.meta)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredChallenge)
		assert.Equal(t, 1, f.audit.count(models.EventLoginSuccess))
	})
}

func TestAuthService_MandatoryMFAWithoutEnrollment(t *testing.T) {
	t.Run("允许登录但提示配置", func(t *testing.T) {
		f := newAuthFixture(t, MFAPolicyConfig{MandatoryRoles: []string{"ADMIN"}})
		createTestUser(t, f.db, "root", "ADMIN")
		out := f.login(t, "root")
		assert.True(t, out.MFASetupRequired)
		assert.NotEmpty(t, out.AccessToken)
	})

	t.Run("策略要求时拒绝登录", func(t *testing.T) {
		f := newAuthFixture(t, MFAPolicyConfig{MandatoryRoles: []string{"ADMIN"}, BlockUnconfiguredMandatory: true})
		createTestUser(t, f.db, "root", "ADMIN")
		_, err := f.svc.Login(context.Background(), &LoginRequest{Identifier: "root", Password: testPassword}, f.meta)
		assert.ErrorIs(t, err, ErrMFASetupRequired)
		assert.Equal(t, 1, f.audit.count(models.EventLoginFailed))
	})
}

func TestAuthService_Refresh(t *testing.T) {
	f := newAuthFixture(t, MFAPolicyConfig{})
	ctx := context.Background()
	user := createTestUser(t, f.db, "dev", "DEVELOPER")
	out := f.login(t, "dev")

	pair, err := f.svc.Refresh(ctx, out.RefreshToken, f.meta)
	require.NoError(t, err)
	assert.NotEqual(t, out.RefreshToken, pair.RefreshToken)
	assert.Equal(t, 1, f.audit.count(models.EventTokenRefreshed))

	t.Run("旧刷新令牌失效", func(t *testing.T) {
		_, err := f.svc.Refresh(ctx, out.RefreshToken, f.meta)
		assert.ErrorIs(t, err, ErrTokenInvalid)
		event := f.audit.last(models.EventInvalidToken)
		require.NotNil(t, event)
		assert.Equal(t, "refresh_token_superseded", event.ErrorMessage)
	})

	t.Run("旧访问令牌失效，新令牌可用", func(t *testing.T) {
		_, err := f.svc.ValidateAccess(ctx, out.AccessToken, publicIP, browserUA)
		assert.ErrorIs(t, err, ErrTokenInvalid)

		claims, err := f.svc.ValidateAccess(ctx, pair.AccessToken, publicIP, browserUA)
		require.NoError(t, err)
		assert.Equal(t, user.ID, claims.UserID)
	})

	t.Run("访问令牌不能当刷新令牌使用", func(t *testing.T) {
		_, err := f.svc.Refresh(ctx, pair.AccessToken, f.meta)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("账号停用后刷新失败并终止会话", func(t *testing.T) {
		require.NoError(t, f.db.GetDB().Model(user).Update("is_active", false).Error)
		_, err := f.svc.Refresh(ctx, pair.RefreshToken, f.meta)
		assert.ErrorIs(t, err, ErrSessionInactive)

		_, err = f.svc.ValidateAccess(ctx, pair.AccessToken, publicIP, browserUA)
		assert.ErrorIs(t, err, ErrSessionInactive)
	})
}

func TestAuthService_ValidateAccess(t *testing.T) {
	f := newAuthFixture(t, MFAPolicyConfig{})
	ctx := context.Background()
	createTestUser(t, f.db, "dev", "DEVELOPER")
	out := f.login(t, "dev")

	t.Run("伪造令牌", func(t *testing.T) {
		_, err := f.svc.ValidateAccess(ctx, "not-a-jwt", publicIP, browserUA)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("来源地址变化记录可疑活动", func(t *testing.T) {
		_, err := f.svc.ValidateAccess(ctx, out.AccessToken, publicIP, browserUA)
		require.NoError(t, err)
		assert.Zero(t, f.audit.count(models.EventSuspiciousActivity))

		_, err = f.svc.ValidateAccess(ctx, out.AccessToken, "198.51.100.23", browserUA)
		require.NoError(t, err)
		assert.Equal(t, 1, f.audit.count(models.EventSuspiciousActivity))
		event := f.audit.last(models.EventSuspiciousActivity)
		assert.Equal(t, publicIP, event.Metadata["previous_ip"])
		assert.Equal(t, "ip_changed", event.Action)
	})

	t.Run("缓存失效后会话不可用", func(t *testing.T) {
		f.mr.FastForward(25 * time.Hour)
		_, err := f.svc.ValidateAccess(ctx, out.AccessToken, publicIP, browserUA)
		assert.ErrorIs(t, err, ErrSessionInactive)
	})
}

func TestAuthService_Logout(t *testing.T) {
	f := newAuthFixture(t, MFAPolicyConfig{})
	ctx := context.Background()
	user := createTestUser(t, f.db, "dev", "DEVELOPER")
	createTestUser(t, f.db, "other", "DEVELOPER")

	first := f.login(t, "dev")
	second := f.login(t, "dev")
	third := f.login(t, "dev")
	foreign := f.login(t, "other")

	t.Run("不能退出他人的会话", func(t *testing.T) {
		_, err := f.svc.Logout(ctx, user.ID, foreign.SessionID, f.meta)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("退出单个会话", func(t *testing.T) {
		removed, err := f.svc.Logout(ctx, user.ID, first.SessionID, f.meta)
		require.NoError(t, err)
		assert.Equal(t, []string{first.SessionID}, removed)

		_, err = f.svc.ValidateAccess(ctx, first.AccessToken, publicIP, browserUA)
		assert.ErrorIs(t, err, ErrSessionInactive)
		_, err = f.svc.ValidateAccess(ctx, second.AccessToken, publicIP, browserUA)
		assert.NoError(t, err)
	})

	t.Run("重复退出是幂等的", func(t *testing.T) {
		ok, err := f.svc.TerminateSession(ctx, user.ID, first.SessionID, f.meta)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("退出全部会话", func(t *testing.T) {
		removed, err := f.svc.Logout(ctx, user.ID, "", f.meta)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{second.SessionID, third.SessionID}, removed)

		active, err := f.svc.ListSessions(ctx, user.ID, true)
		require.NoError(t, err)
		assert.Empty(t, active)

		all, err := f.svc.ListSessions(ctx, user.ID, false)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		_, err = f.svc.ValidateAccess(ctx, foreign.AccessToken, publicIP, browserUA)
		assert.NoError(t, err)
	})

	assert.Equal(t, 3, f.audit.count(models.EventLogout))
}

func TestAuthService_ForceLogoutUser(t *testing.T) {
	f := newAuthFixture(t, MFAPolicyConfig{})
	ctx := context.Background()
	user := createTestUser(t, f.db, "dev", "DEVELOPER")
	admin := createTestUser(t, f.db, "admin", "ADMIN")

	a := f.login(t, "dev")
	b := f.login(t, "dev")

	removed, err := f.svc.ForceLogoutUser(ctx, user.ID, admin.ID, "账号泄露", f.meta)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.SessionID, b.SessionID}, removed)

	for _, out := range []*LoginOutcome{a, b} {
		_, err := f.svc.Refresh(ctx, out.RefreshToken, f.meta)
		assert.ErrorIs(t, err, ErrSessionInactive)
	}

	event := f.audit.last(models.EventLogout)
	require.NotNil(t, event)
	assert.Equal(t, "force_logout", event.Action)
	assert.Equal(t, models.SeverityWarning, event.Severity)
	assert.Equal(t, admin.ID.String(), event.Metadata["actor_id"])

	session, err := f.sessions.Find(ctx, a.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session.ForcedLogoutBy)
	assert.Equal(t, admin.ID, *session.ForcedLogoutBy)
	assert.Equal(t, "账号泄露", session.ForcedLogoutReason)

	t.Run("再次强制退出为空", func(t *testing.T) {
		removed, err := f.svc.ForceLogoutUser(ctx, user.ID, admin.ID, "重复", f.meta)
		require.NoError(t, err)
		assert.Empty(t, removed)
	})

	t.Run("会话统计", func(t *testing.T) {
		stats, err := f.svc.SessionStats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.CacheLive)
		assert.Zero(t, stats.DurableActive)
		assert.Equal(t, int64(2), stats.DurableTotal)
	})

	t.Run("当前用户", func(t *testing.T) {
		current, err := f.svc.CurrentUser(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "dev", current.Username)

		_, err = f.svc.CurrentUser(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}
