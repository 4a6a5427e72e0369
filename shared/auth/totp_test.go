package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOTPFactor_SetupAndVerify(t *testing.T) {
	factor := NewTOTPFactor(TOTPConfig{Issuer: "Test"})

	enrollment, err := factor.Setup(SetupRequest{AccountName: "alice@example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.Payload["otpauthUrl"], "otpauth://totp/")
	assert.NotEmpty(t, enrollment.Payload["qrCode"])

	now := time.Now().UTC()
	code, err := factor.GenerateCode(enrollment.Secret, now)
	require.NoError(t, err)

	material := Material{Secret: enrollment.Secret}
	assert.True(t, factor.Verify(material, code, VerifyContext{Now: now}).Valid)

	t.Run("允许一个时间步偏差", func(t *testing.T) {
		prev, err := factor.GenerateCode(enrollment.Secret, now.Add(-30*time.Second))
		require.NoError(t, err)
		assert.True(t, factor.Verify(material, prev, VerifyContext{Now: now}).Valid)
	})

	t.Run("超出时间窗口", func(t *testing.T) {
		old, err := factor.GenerateCode(enrollment.Secret, now.Add(-5*time.Minute))
		require.NoError(t, err)
		if old != code {
			assert.False(t, factor.Verify(material, old, VerifyContext{Now: now}).Valid)
		}
	})
}

func TestTOTPFactor_ReplayRejected(t *testing.T) {
	factor := NewTOTPFactor(TOTPConfig{})
	enrollment, err := factor.Setup(SetupRequest{AccountName: "bob@example.com"})
	require.NoError(t, err)

	now := time.Now().UTC()
	code, err := factor.GenerateCode(enrollment.Secret, now)
	require.NoError(t, err)

	first := factor.Verify(Material{Secret: enrollment.Secret}, code, VerifyContext{Now: now})
	require.True(t, first.Valid)
	assert.Equal(t, now.Unix()/30, first.TimeStep)

	t.Run("同一时间步不可重复使用", func(t *testing.T) {
		again := factor.Verify(Material{Secret: enrollment.Secret, LastUsedStep: first.TimeStep}, code, VerifyContext{Now: now})
		assert.False(t, again.Valid)
	})

	t.Run("更早的时间步同样拒绝", func(t *testing.T) {
		prev, err := factor.GenerateCode(enrollment.Secret, now.Add(-30*time.Second))
		require.NoError(t, err)
		if prev != code {
			assert.False(t, factor.Verify(Material{Secret: enrollment.Secret, LastUsedStep: first.TimeStep}, prev, VerifyContext{Now: now}).Valid)
		}
	})

	t.Run("后续时间步可用", func(t *testing.T) {
		next, err := factor.GenerateCode(enrollment.Secret, now.Add(30*time.Second))
		require.NoError(t, err)
		result := factor.Verify(Material{Secret: enrollment.Secret, LastUsedStep: first.TimeStep}, next, VerifyContext{Now: now})
		assert.True(t, result.Valid)
		assert.Equal(t, first.TimeStep+1, result.TimeStep)
	})
}

func TestTOTPFactor_FormatFailFast(t *testing.T) {
	factor := NewTOTPFactor(TOTPConfig{})

	for _, code := range []string{"", "12345", "1234567", "12a456", " 123456"} {
		assert.False(t, factor.IsValidFormat(code), code)
		assert.False(t, factor.Verify(Material{Secret: "JBSWY3DPEHPK3PXP"}, code, VerifyContext{}).Valid)
	}
	assert.True(t, factor.IsValidFormat("123456"))
}

func TestTOTPFactor_BadSecret(t *testing.T) {
	factor := NewTOTPFactor(TOTPConfig{})
	assert.False(t, factor.Verify(Material{Secret: "!!not-base32!!"}, "123456", VerifyContext{}).Valid)
	assert.False(t, factor.Verify(Material{}, "123456", VerifyContext{}).Valid)
}
