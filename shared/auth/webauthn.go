package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

var b64url = base64.RawURLEncoding

// WebAuthnConfig 依赖方配置
type WebAuthnConfig struct {
	RPID    string
	RPName  string
	Origins []string
	Timeout time.Duration
}

// WebAuthnCredential 已注册的公钥凭证，PublicKey为COSE编码
type WebAuthnCredential struct {
	ID             string     `json:"id"`
	PublicKey      string     `json:"publicKey"`
	SignCount      uint32     `json:"signCount"`
	BackupEligible bool       `json:"backupEligible,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
}

// WebAuthnFactor 基于go-webauthn的注册与断言校验
type WebAuthnFactor struct {
	rp      *webauthn.WebAuthn
	timeout time.Duration
}

// NewWebAuthnFactor 创建WebAuthn校验方式
func NewWebAuthnFactor(config WebAuthnConfig) (*WebAuthnFactor, error) {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	timeout := webauthn.TimeoutConfig{Timeout: config.Timeout, TimeoutUVD: config.Timeout}
	rp, err := webauthn.New(&webauthn.Config{
		RPID:                  config.RPID,
		RPDisplayName:         config.RPName,
		RPOrigins:             config.Origins,
		AttestationPreference: protocol.PreferNoAttestation,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        timeout,
			Registration: timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化WebAuthn依赖方失败: %w", err)
	}
	return &WebAuthnFactor{rp: rp, timeout: config.Timeout}, nil
}

func (w *WebAuthnFactor) Type() MethodType { return MethodWebAuthn }

// Setup 生成注册选项
func (w *WebAuthnFactor) Setup(req SetupRequest) (*Enrollment, error) {
	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.AccountName
	}
	user := &webAuthnUser{id: []byte(req.UserID), name: req.AccountName, displayName: displayName}

	creation, session, err := w.rp.BeginRegistration(user)
	if err != nil {
		return nil, fmt.Errorf("生成注册选项失败: %w", err)
	}

	return &Enrollment{
		Challenge: session.Challenge,
		ExpiresAt: time.Now().UTC().Add(w.timeout),
		Payload: map[string]interface{}{
			"challenge": session.Challenge,
			"publicKey": creation.Response,
		},
	}, nil
}

// Challenge 生成登录断言选项
func (w *WebAuthnFactor) Challenge(material Material) (*Enrollment, error) {
	user, err := newWebAuthnUser(material)
	if err != nil {
		return nil, err
	}

	assertion, session, err := w.rp.BeginLogin(user, webauthn.WithUserVerification(protocol.VerificationPreferred))
	if err != nil {
		return nil, fmt.Errorf("生成断言选项失败: %w", err)
	}

	return &Enrollment{
		Challenge: session.Challenge,
		ExpiresAt: time.Now().UTC().Add(w.timeout),
		Payload: map[string]interface{}{
			"challenge": session.Challenge,
			"publicKey": assertion.Response,
		},
	}, nil
}

// Verify 注册时校验证明对象，登录时校验签名与计数器
func (w *WebAuthnFactor) Verify(material Material, proof string, ctx VerifyContext) Result {
	if material.Challenge == "" {
		return Result{}
	}
	if ctx.Registration {
		return w.verifyRegistration(material, proof, ctx)
	}
	return w.verifyAssertion(material, proof)
}

func (w *WebAuthnFactor) verifyRegistration(material Material, proof string, ctx VerifyContext) Result {
	parsed, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(proof))
	if err != nil {
		return Result{}
	}
	id := b64url.EncodeToString(parsed.RawID)
	for _, existing := range material.Credentials {
		if existing.ID == id {
			return Result{}
		}
	}

	user := &webAuthnUser{id: []byte(material.Subject)}
	cred, err := w.rp.CreateCredential(user, w.session(material.Challenge, user), parsed)
	if err != nil {
		return Result{}
	}

	return Result{
		Valid:        true,
		CredentialID: id,
		SignCount:    cred.Authenticator.SignCount,
		Credential: &WebAuthnCredential{
			ID:             id,
			PublicKey:      base64.StdEncoding.EncodeToString(cred.PublicKey),
			SignCount:      cred.Authenticator.SignCount,
			BackupEligible: cred.Flags.BackupEligible,
			CreatedAt:      ctx.now(),
		},
	}
}

func (w *WebAuthnFactor) verifyAssertion(material Material, proof string) Result {
	parsed, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(proof))
	if err != nil {
		return Result{}
	}
	id := b64url.EncodeToString(parsed.RawID)

	var stored *WebAuthnCredential
	for i := range material.Credentials {
		if material.Credentials[i].ID == id {
			stored = &material.Credentials[i]
			break
		}
	}
	if stored == nil {
		return Result{}
	}

	user, err := newWebAuthnUser(material)
	if err != nil {
		return Result{}
	}
	cred, err := w.rp.ValidateLogin(user, w.session(material.Challenge, user), parsed)
	if err != nil {
		return Result{}
	}
	// 计数器必须严格递增，否则视为克隆凭证
	if cred.Authenticator.CloneWarning || cred.Authenticator.SignCount <= stored.SignCount {
		return Result{}
	}

	return Result{Valid: true, CredentialID: id, SignCount: cred.Authenticator.SignCount}
}

// session 由持久化的挑战重建依赖方会话
func (w *WebAuthnFactor) session(challenge string, user *webAuthnUser) webauthn.SessionData {
	return webauthn.SessionData{
		Challenge:        challenge,
		UserID:           user.id,
		UserVerification: protocol.VerificationPreferred,
	}
}

// webAuthnUser 适配webauthn.User
type webAuthnUser struct {
	id          []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func newWebAuthnUser(material Material) (*webAuthnUser, error) {
	user := &webAuthnUser{id: []byte(material.Subject)}
	for _, c := range material.Credentials {
		id, err := b64url.DecodeString(c.ID)
		if err != nil {
			return nil, fmt.Errorf("凭证标识格式错误: %w", err)
		}
		key, err := base64.StdEncoding.DecodeString(c.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("凭证公钥格式错误: %w", err)
		}
		user.credentials = append(user.credentials, webauthn.Credential{
			ID:              id,
			PublicKey:       key,
			AttestationType: "none",
			Flags:           webauthn.CredentialFlags{BackupEligible: c.BackupEligible},
			Authenticator:   webauthn.Authenticator{SignCount: c.SignCount},
		})
	}
	return user, nil
}

func (u *webAuthnUser) WebAuthnID() []byte                         { return u.id }
func (u *webAuthnUser) WebAuthnName() string                       { return u.name }
func (u *webAuthnUser) WebAuthnDisplayName() string                { return u.displayName }
func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
