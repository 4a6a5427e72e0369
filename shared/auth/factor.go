package auth

import (
	"sort"
	"time"
)

// MethodType MFA方式
type MethodType string

const (
	MethodTOTP     MethodType = "totp"
	MethodSMS      MethodType = "sms"
	MethodWebAuthn MethodType = "webauthn"
	// MethodBackupCode 仅作为登录验证时的证明方式，不可单独注册
	MethodBackupCode MethodType = "backup_code"
)

// IsEnrollable 是否为可注册的MFA方式
func (m MethodType) IsEnrollable() bool {
	switch m {
	case MethodTOTP, MethodSMS, MethodWebAuthn:
		return true
	}
	return false
}

// SetupRequest 注册请求参数
type SetupRequest struct {
	UserID      string
	AccountName string
	DisplayName string
	PhoneNumber string
}

// Enrollment 注册或挑战材料
type Enrollment struct {
	// Secret TOTP明文密钥，由调用方加密后持久化
	Secret string
	// Code 短信验证码明文，由调用方加密后持久化并投递
	Code string
	// Challenge WebAuthn挑战
	Challenge string
	ExpiresAt time.Time
	// Payload 返回给客户端的材料，不含任何密钥
	Payload map[string]interface{}
}

// Material 校验所需的已解密存储材料
type Material struct {
	// Subject 用户标识，作为WebAuthn用户句柄
	Subject       string
	Secret        string
	Code          string
	CodeExpiresAt time.Time
	Challenge     string
	Credentials   []WebAuthnCredential
	// LastUsedStep 最近一次被接受的TOTP时间步
	LastUsedStep int64
}

// VerifyContext 校验上下文
type VerifyContext struct {
	Now          time.Time
	Registration bool
}

func (v VerifyContext) now() time.Time {
	if v.Now.IsZero() {
		return time.Now().UTC()
	}
	return v.Now
}

// Result 校验结果
type Result struct {
	Valid        bool
	CredentialID string
	SignCount    uint32
	// TimeStep TOTP命中的时间步
	TimeStep int64
	// Credential 注册成功时新建的WebAuthn凭证
	Credential *WebAuthnCredential
}

// Factor MFA校验方式，Verify遇到非法输入返回无效而不报错
type Factor interface {
	Type() MethodType
	Setup(req SetupRequest) (*Enrollment, error)
	Verify(material Material, proof string, ctx VerifyContext) Result
}

// Challenger 需要为每次登录下发新挑战的方式（短信、WebAuthn）
type Challenger interface {
	Challenge(material Material) (*Enrollment, error)
}

// FactorRegistry 按类型选择校验方式
type FactorRegistry struct {
	factors map[MethodType]Factor
}

// NewFactorRegistry 创建注册表
func NewFactorRegistry(factors ...Factor) *FactorRegistry {
	r := &FactorRegistry{factors: make(map[MethodType]Factor, len(factors))}
	for _, f := range factors {
		r.factors[f.Type()] = f
	}
	return r
}

// Get 获取校验方式
func (r *FactorRegistry) Get(t MethodType) (Factor, bool) {
	f, ok := r.factors[t]
	return f, ok
}

// Types 已注册的方式
func (r *FactorRegistry) Types() []MethodType {
	types := make([]MethodType, 0, len(r.factors))
	for t := range r.factors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
