package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	svc, err := NewTokenService(TokenConfig{
		AccessSecret:  "test_access_secret_key_32_chars_minimum_here_safe",
		RefreshSecret: "test_refresh_secret_key_32_chars_minimum_here_safe",
		AccessExpiry:  time.Hour,
		RefreshExpiry: 24 * time.Hour,
	})
	require.NoError(t, err)
	return svc
}

func TestTokenService_GenerateAndValidate(t *testing.T) {
	svc := newTestTokenService(t)
	userID := uuid.New()

	pair, err := svc.GenerateTokenPair(TokenSubject{
		UserID:      userID,
		Role:        "ADMIN",
		SessionID:   "sess-1",
		TenantID:    "tenant-1",
		TenantCode:  "acme",
		Permissions: []string{"users:read"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3600), pair.ExpiresIn)
	assert.Equal(t, "Bearer", pair.TokenType)

	claims, err := svc.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "acme", claims.TenantCode)
	assert.Equal(t, []string{"users:read"}, claims.Permissions)
	assert.NotEmpty(t, claims.ID)

	refresh, err := svc.ValidateRefreshToken(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeRefresh, refresh.TokenType)
}

func TestTokenService_SeparateSecrets(t *testing.T) {
	svc := newTestTokenService(t)
	pair, err := svc.GenerateTokenPair(TokenSubject{UserID: uuid.New(), SessionID: "s"})
	require.NoError(t, err)

	_, err = svc.ValidateAccessToken(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = svc.ValidateRefreshToken(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = svc.ValidateAccessToken(pair.AccessToken + "x")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenService_Expired(t *testing.T) {
	svc, err := NewTokenService(TokenConfig{
		AccessSecret:  "test_access_secret_key_32_chars_minimum_here_safe",
		RefreshSecret: "test_refresh_secret_key_32_chars_minimum_here_safe",
		AccessExpiry:  time.Nanosecond,
	})
	require.NoError(t, err)

	pair, err := svc.GenerateTokenPair(TokenSubject{UserID: uuid.New(), SessionID: "s"})
	require.NoError(t, err)
	time.Sleep(time.Second)

	_, err = svc.ValidateAccessToken(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenService_MissingSecret(t *testing.T) {
	_, err := NewTokenService(TokenConfig{AccessSecret: "only-access"})
	assert.Error(t, err)
}

func TestHashToken(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}
