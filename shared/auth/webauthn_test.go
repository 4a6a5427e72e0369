package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-platform/identity-core/shared/auth/webauthntest"
)

const (
	testOrigin  = "https://app.example.com"
	testSubject = "user-1"
)

func newTestAuthenticator(t *testing.T, rpID string) *webauthntest.Authenticator {
	t.Helper()
	device, err := webauthntest.New(rpID, testOrigin, []byte("cred-"+rpID))
	require.NoError(t, err)
	device.UserHandle = []byte(testSubject)
	return device
}

func register(t *testing.T, device *webauthntest.Authenticator, challenge string) string {
	t.Helper()
	proof, err := device.Register(challenge)
	require.NoError(t, err)
	return proof
}

func sign(t *testing.T, device *webauthntest.Authenticator, challenge string, counter uint32) string {
	t.Helper()
	proof, err := device.Assert(challenge, counter)
	require.NoError(t, err)
	return proof
}

func newTestWebAuthn(t *testing.T) *WebAuthnFactor {
	t.Helper()
	factor, err := NewWebAuthnFactor(WebAuthnConfig{RPID: "example.com", RPName: "Example", Origins: []string{testOrigin}})
	require.NoError(t, err)
	return factor
}

// enroll 完成一次注册并返回凭证
func enroll(t *testing.T, factor *WebAuthnFactor, device *webauthntest.Authenticator) WebAuthnCredential {
	t.Helper()
	enrollment, err := factor.Setup(SetupRequest{UserID: testSubject, AccountName: "alice"})
	require.NoError(t, err)
	result := factor.Verify(Material{Subject: testSubject, Challenge: enrollment.Challenge}, register(t, device, enrollment.Challenge), VerifyContext{Registration: true})
	require.True(t, result.Valid)
	require.NotNil(t, result.Credential)
	return *result.Credential
}

func TestNewWebAuthnFactor_InvalidConfig(t *testing.T) {
	_, err := NewWebAuthnFactor(WebAuthnConfig{RPName: "Example"})
	assert.Error(t, err)
}

func TestWebAuthnFactor_RegistrationAndAssertion(t *testing.T) {
	factor := newTestWebAuthn(t)
	device := newTestAuthenticator(t, "example.com")

	enrollment, err := factor.Setup(SetupRequest{UserID: testSubject, AccountName: "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Challenge)
	assert.Equal(t, enrollment.Challenge, enrollment.Payload["challenge"])
	assert.NotNil(t, enrollment.Payload["publicKey"])

	result := factor.Verify(Material{Subject: testSubject, Challenge: enrollment.Challenge}, register(t, device, enrollment.Challenge), VerifyContext{Registration: true})
	require.True(t, result.Valid)
	require.NotNil(t, result.Credential)
	assert.Equal(t, device.CredentialID, result.Credential.ID)
	assert.NotEmpty(t, result.Credential.PublicKey)

	creds := []WebAuthnCredential{*result.Credential}
	challenge, err := factor.Challenge(Material{Subject: testSubject, Credentials: creds})
	require.NoError(t, err)
	require.NotEmpty(t, challenge.Challenge)

	material := Material{Subject: testSubject, Challenge: challenge.Challenge, Credentials: creds}
	login := factor.Verify(material, sign(t, device, challenge.Challenge, 1), VerifyContext{})
	require.True(t, login.Valid)
	assert.Equal(t, device.CredentialID, login.CredentialID)
	assert.Equal(t, uint32(1), login.SignCount)

	t.Run("计数器未递增视为重放", func(t *testing.T) {
		creds[0].SignCount = login.SignCount
		material := Material{Subject: testSubject, Challenge: challenge.Challenge, Credentials: creds}
		assert.False(t, factor.Verify(material, sign(t, device, challenge.Challenge, 1), VerifyContext{}).Valid)
		assert.True(t, factor.Verify(material, sign(t, device, challenge.Challenge, 2), VerifyContext{}).Valid)
	})

	t.Run("计数器始终为零同样拒绝", func(t *testing.T) {
		zero := []WebAuthnCredential{*result.Credential}
		zero[0].SignCount = 0
		material := Material{Subject: testSubject, Challenge: challenge.Challenge, Credentials: zero}
		assert.False(t, factor.Verify(material, sign(t, device, challenge.Challenge, 0), VerifyContext{}).Valid)
	})
}

func TestWebAuthnFactor_Rejections(t *testing.T) {
	factor := newTestWebAuthn(t)
	device := newTestAuthenticator(t, "example.com")
	creds := []WebAuthnCredential{enroll(t, factor, device)}

	t.Run("挑战不匹配", func(t *testing.T) {
		material := Material{Subject: testSubject, Challenge: "expected", Credentials: creds}
		assert.False(t, factor.Verify(material, sign(t, device, "other", 1), VerifyContext{}).Valid)
	})

	t.Run("依赖方不匹配", func(t *testing.T) {
		evil := *device
		evil.RPID = "evil.com"
		material := Material{Subject: testSubject, Challenge: "c", Credentials: creds}
		assert.False(t, factor.Verify(material, sign(t, &evil, "c", 1), VerifyContext{}).Valid)
	})

	t.Run("来源不匹配", func(t *testing.T) {
		phishing := *device
		phishing.Origin = "https://app.example.net"
		material := Material{Subject: testSubject, Challenge: "c", Credentials: creds}
		assert.False(t, factor.Verify(material, sign(t, &phishing, "c", 1), VerifyContext{}).Valid)
	})

	t.Run("签名密钥不匹配", func(t *testing.T) {
		other := newTestAuthenticator(t, "example.com")
		other.CredentialID = device.CredentialID
		material := Material{Subject: testSubject, Challenge: "c", Credentials: creds}
		assert.False(t, factor.Verify(material, sign(t, other, "c", 1), VerifyContext{}).Valid)
	})

	t.Run("用户句柄不匹配", func(t *testing.T) {
		material := Material{Subject: "user-2", Challenge: "c", Credentials: creds}
		assert.False(t, factor.Verify(material, sign(t, device, "c", 1), VerifyContext{}).Valid)
	})

	t.Run("未知凭证", func(t *testing.T) {
		material := Material{Subject: testSubject, Challenge: "c"}
		assert.False(t, factor.Verify(material, sign(t, device, "c", 1), VerifyContext{}).Valid)
	})

	t.Run("非法输入", func(t *testing.T) {
		material := Material{Subject: testSubject, Challenge: "c", Credentials: creds}
		assert.False(t, factor.Verify(material, "not json", VerifyContext{}).Valid)
		assert.False(t, factor.Verify(material, "{}", VerifyContext{Registration: true}).Valid)
		assert.False(t, factor.Verify(Material{Subject: testSubject, Credentials: creds}, sign(t, device, "c", 1), VerifyContext{}).Valid)
	})

	t.Run("注册挑战不匹配", func(t *testing.T) {
		fresh := newTestAuthenticator(t, "example.com")
		fresh.CredentialID = "ZnJlc2g"
		material := Material{Subject: testSubject, Challenge: "expected"}
		assert.False(t, factor.Verify(material, register(t, fresh, "other"), VerifyContext{Registration: true}).Valid)
	})

	t.Run("重复注册同一凭证", func(t *testing.T) {
		material := Material{Subject: testSubject, Challenge: "c", Credentials: creds}
		assert.False(t, factor.Verify(material, register(t, device, "c"), VerifyContext{Registration: true}).Valid)
	})
}
