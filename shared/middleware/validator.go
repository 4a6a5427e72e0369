package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/cloud-platform/identity-core/shared/auth"
)

// RegisterValidators 在gin绑定引擎上注册MFA相关校验标签
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("gin绑定引擎不是validator/v10")
	}
	return registerMFAValidators(v)
}

func registerMFAValidators(v *validator.Validate) error {
	validators := map[string]validator.Func{
		// otp_code 6位数字
		"otp_code": func(fl validator.FieldLevel) bool {
			code := fl.Field().String()
			if len(code) != 6 {
				return false
			}
			for _, ch := range code {
				if ch < '0' || ch > '9' {
					return false
				}
			}
			return true
		},
		// mfa_method 可注册的MFA方式
		"mfa_method": func(fl validator.FieldLevel) bool {
			return auth.MethodType(fl.Field().String()).IsEnrollable()
		},
		// mfa_proof_method 登录验证可用的证明方式（含备用码）
		"mfa_proof_method": func(fl validator.FieldLevel) bool {
			m := auth.MethodType(fl.Field().String())
			return m.IsEnrollable() || m == auth.MethodBackupCode
		},
		"phone_number": func(fl validator.FieldLevel) bool {
			return auth.IsValidPhoneNumber(fl.Field().String())
		},
	}

	for name, fn := range validators {
		if err := v.RegisterValidation(name, fn); err != nil {
			return fmt.Errorf("注册校验器%s失败: %w", name, err)
		}
	}
	return nil
}
