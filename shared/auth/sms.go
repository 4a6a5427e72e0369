package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

const smsCodeDigits = 6

var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{6,14}$`)

// SMSFactor 短信验证码
type SMSFactor struct {
	ttl time.Duration
}

// NewSMSFactor 创建短信校验方式
func NewSMSFactor(ttl time.Duration) *SMSFactor {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SMSFactor{ttl: ttl}
}

func (s *SMSFactor) Type() MethodType { return MethodSMS }

// Setup 校验手机号并生成首个验证码
func (s *SMSFactor) Setup(req SetupRequest) (*Enrollment, error) {
	if !IsValidPhoneNumber(req.PhoneNumber) {
		return nil, fmt.Errorf("手机号格式不正确")
	}
	enrollment, err := s.issue()
	if err != nil {
		return nil, err
	}
	enrollment.Payload["phoneNumber"] = MaskPhoneNumber(req.PhoneNumber)
	return enrollment, nil
}

// Challenge 为登录生成新验证码
func (s *SMSFactor) Challenge(Material) (*Enrollment, error) {
	return s.issue()
}

func (s *SMSFactor) issue() (*Enrollment, error) {
	code, err := GenerateNumericCode(smsCodeDigits)
	if err != nil {
		return nil, err
	}
	return &Enrollment{
		Code:      code,
		ExpiresAt: time.Now().UTC().Add(s.ttl),
		Payload: map[string]interface{}{
			"expiresIn": int(s.ttl.Seconds()),
		},
	}, nil
}

// Verify 精确比对验证码并检查有效期
func (s *SMSFactor) Verify(material Material, proof string, ctx VerifyContext) Result {
	if len(proof) != smsCodeDigits || !isDigits(proof) || material.Code == "" {
		return Result{}
	}
	if !material.CodeExpiresAt.IsZero() && ctx.now().After(material.CodeExpiresAt) {
		return Result{}
	}
	return Result{Valid: subtle.ConstantTimeCompare([]byte(material.Code), []byte(proof)) == 1}
}

// GenerateNumericCode 生成指定位数的随机数字码
func GenerateNumericCode(digits int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("生成验证码失败: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// IsValidPhoneNumber 校验E.164风格手机号
func IsValidPhoneNumber(phone string) bool {
	return phonePattern.MatchString(phone)
}

// MaskPhoneNumber 手机号脱敏
func MaskPhoneNumber(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}

func isDigits(s string) bool {
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return s != ""
}
