package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloud-platform/identity-core/shared/auth"
	"github.com/cloud-platform/identity-core/shared/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockAccessValidator struct {
	mock.Mock
}

func (m *mockAccessValidator) ValidateAccess(ctx context.Context, token, ip, ua string) (*auth.Claims, error) {
	args := m.Called(ctx, token, ip, ua)
	if claims, ok := args.Get(0).(*auth.Claims); ok {
		return claims, args.Error(1)
	}
	return nil, args.Error(1)
}

func TestJWTAuth(t *testing.T) {
	userID := uuid.New()
	validator := new(mockAccessValidator)
	validator.On("ValidateAccess", mock.Anything, "good", mock.Anything, mock.Anything).
		Return(&auth.Claims{UserID: userID, SessionID: "s1", Role: "ADMIN"}, nil)
	validator.On("ValidateAccess", mock.Anything, "bad", mock.Anything, mock.Anything).
		Return(nil, errors.New("invalid"))

	router := gin.New()
	router.Use(RequestID())
	router.GET("/me", JWTAuth(validator), RequireRole("ADMIN"), func(c *gin.Context) {
		claims, ok := CurrentClaims(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.SessionID)
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"缺少认证头", "", http.StatusUnauthorized},
		{"错误前缀", "Token good", http.StatusUnauthorized},
		{"无效令牌", "Bearer bad", http.StatusUnauthorized},
		{"有效令牌", "Bearer good", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		})
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	validator := new(mockAccessValidator)
	validator.On("ValidateAccess", mock.Anything, "user", mock.Anything, mock.Anything).
		Return(&auth.Claims{UserID: uuid.New(), SessionID: "s", Role: "USER"}, nil)

	router := gin.New()
	router.GET("/admin", JWTAuth(validator), RequireRole("ADMIN"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer user")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimitByIP(t *testing.T) {
	limiter := NewTokenBucketLimiter(PerMinute(1), 2, time.Minute)
	defer limiter.Stop()

	limited := 0
	router := gin.New()
	router.POST("/login", RateLimitByIP(limiter, func(*gin.Context) { limited++ }), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, 1, limited)
}

func TestRequestIDPropagatesToContext(t *testing.T) {
	router := gin.New()
	router.Use(RequestID(), Logger(logger.NewNopLogger()), Recovery(logger.NewNopLogger()))
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, logger.RequestIDFromContext(c.Request.Context()))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMFAValidators(t *testing.T) {
	v := validator.New()
	require.NoError(t, registerMFAValidators(v))

	type request struct {
		Code   string `validate:"otp_code"`
		Method string `validate:"mfa_method"`
		Proof  string `validate:"mfa_proof_method"`
	}

	assert.NoError(t, v.Struct(request{Code: "123456", Method: "totp", Proof: "backup_code"}))
	assert.Error(t, v.Struct(request{Code: "1234567", Method: "totp", Proof: "totp"}))
	assert.Error(t, v.Struct(request{Code: "123456", Method: "backup_code", Proof: "totp"}))
	assert.Error(t, v.Struct(request{Code: "123456", Method: "sms", Proof: "email"}))
}
