package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMSFactor(t *testing.T) {
	factor := NewSMSFactor(5 * time.Minute)

	_, err := factor.Setup(SetupRequest{PhoneNumber: "abc"})
	assert.Error(t, err)

	enrollment, err := factor.Setup(SetupRequest{PhoneNumber: "+8613800138000"})
	require.NoError(t, err)
	assert.Len(t, enrollment.Code, 6)
	assert.Equal(t, "****8000", enrollment.Payload["phoneNumber"])

	material := Material{Code: enrollment.Code, CodeExpiresAt: enrollment.ExpiresAt}

	assert.True(t, factor.Verify(material, enrollment.Code, VerifyContext{}).Valid)

	wrong := "000000"
	if enrollment.Code == wrong {
		wrong = "111111"
	}
	assert.False(t, factor.Verify(material, wrong, VerifyContext{}).Valid)
	assert.False(t, factor.Verify(material, enrollment.Code+"0", VerifyContext{}).Valid)

	t.Run("验证码过期", func(t *testing.T) {
		ctx := VerifyContext{Now: enrollment.ExpiresAt.Add(time.Second)}
		assert.False(t, factor.Verify(material, enrollment.Code, ctx).Valid)
	})
}

func TestGenerateNumericCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateNumericCode(6)
		require.NoError(t, err)
		assert.Len(t, code, 6)
		assert.True(t, isDigits(code))
	}
}
