package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

// TOTPConfig TOTP配置
type TOTPConfig struct {
	Issuer    string
	Digits    otp.Digits
	Algorithm otp.Algorithm
	Period    uint
	Skew      uint
}

// TOTPFactor 基于时间的一次性密码
type TOTPFactor struct {
	issuer    string
	digits    otp.Digits
	algorithm otp.Algorithm
	period    uint
	skew      uint
}

// NewTOTPFactor 创建TOTP校验方式
func NewTOTPFactor(config TOTPConfig) *TOTPFactor {
	if config.Digits == 0 {
		config.Digits = otp.DigitsSix
	}
	if config.Algorithm == 0 {
		config.Algorithm = otp.AlgorithmSHA1
	}
	if config.Period == 0 {
		config.Period = 30
	}
	if config.Skew == 0 {
		config.Skew = 1
	}
	if config.Issuer == "" {
		config.Issuer = "Identity Core"
	}

	return &TOTPFactor{
		issuer:    config.Issuer,
		digits:    config.Digits,
		algorithm: config.Algorithm,
		period:    config.Period,
		skew:      config.Skew,
	}
}

func (t *TOTPFactor) Type() MethodType { return MethodTOTP }

// Setup 生成密钥与二维码
func (t *TOTPFactor) Setup(req SetupRequest) (*Enrollment, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	raw, err := secretEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("解码密钥失败: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: req.AccountName,
		Period:      t.period,
		Digits:      t.digits,
		Algorithm:   t.algorithm,
		Secret:      raw,
	})
	if err != nil {
		return nil, fmt.Errorf("生成TOTP密钥失败: %w", err)
	}

	qrCode, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("生成QR码失败: %w", err)
	}

	return &Enrollment{
		Secret: key.Secret(),
		Payload: map[string]interface{}{
			"secret":     key.Secret(),
			"otpauthUrl": key.URL(),
			"qrCode":     base64.StdEncoding.EncodeToString(qrCode),
		},
	}, nil
}

// Verify 校验TOTP代码，允许前后各skew个时间步，不大于LastUsedStep的时间步视为重放
func (t *TOTPFactor) Verify(material Material, proof string, ctx VerifyContext) Result {
	if !t.IsValidFormat(proof) || material.Secret == "" {
		return Result{}
	}

	current := ctx.now().Unix() / int64(t.period)
	skew := int64(t.skew)
	for step := current - skew; step <= current+skew; step++ {
		if step < 0 || step <= material.LastUsedStep {
			continue
		}
		code, err := hotp.GenerateCodeCustom(material.Secret, uint64(step), hotp.ValidateOpts{
			Digits:    t.digits,
			Algorithm: t.algorithm,
		})
		if err != nil {
			return Result{}
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(proof)) == 1 {
			return Result{Valid: true, TimeStep: step}
		}
	}
	return Result{}
}

// IsValidFormat 代码必须恰好为配置的位数且全为数字
func (t *TOTPFactor) IsValidFormat(code string) bool {
	if len(code) != t.digits.Length() {
		return false
	}
	for _, ch := range code {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// GenerateCode 生成指定时间的代码
func (t *TOTPFactor) GenerateCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, t.opts())
}

func (t *TOTPFactor) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    t.period,
		Skew:      t.skew,
		Digits:    t.digits,
		Algorithm: t.algorithm,
	}
}
