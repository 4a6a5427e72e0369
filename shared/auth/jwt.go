package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// ErrTokenInvalid 令牌无效或已过期
var ErrTokenInvalid = errors.New("令牌无效或已过期")

// TokenConfig 令牌配置
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	Issuer        string
}

// TokenService 访问/刷新令牌服务，两类令牌使用不同密钥
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	issuer        string
}

// Claims JWT声明结构
type Claims struct {
	UserID         uuid.UUID `json:"user_id"`
	Role           string    `json:"role"`
	SessionID      string    `json:"session_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	TenantCode     string    `json:"tenant_code,omitempty"`
	Permissions    []string  `json:"permissions,omitempty"`
	TenantDatabase string    `json:"tenant_db,omitempty"`
	TokenType      string    `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenSubject 令牌主体
type TokenSubject struct {
	UserID         uuid.UUID
	Role           string
	SessionID      string
	TenantID       string
	TenantCode     string
	Permissions    []string
	TenantDatabase string
}

// TokenPair 令牌对
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	ExpiresIn    int64     `json:"expiresIn"`
	TokenType    string    `json:"tokenType"`
}

// NewTokenService 创建令牌服务，缺少签名密钥属于启动期配置错误
func NewTokenService(config TokenConfig) (*TokenService, error) {
	if config.AccessSecret == "" || config.RefreshSecret == "" {
		return nil, fmt.Errorf("令牌签名密钥未配置")
	}
	if config.AccessExpiry <= 0 {
		config.AccessExpiry = 24 * time.Hour
	}
	if config.RefreshExpiry <= 0 {
		config.RefreshExpiry = 7 * 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "identity-core"
	}

	return &TokenService{
		accessSecret:  []byte(config.AccessSecret),
		refreshSecret: []byte(config.RefreshSecret),
		accessExpiry:  config.AccessExpiry,
		refreshExpiry: config.RefreshExpiry,
		issuer:        config.Issuer,
	}, nil
}

// AccessExpiry 访问令牌有效期
func (s *TokenService) AccessExpiry() time.Duration {
	return s.accessExpiry
}

// GenerateTokenPair 生成绑定会话的访问令牌和刷新令牌
func (s *TokenService) GenerateTokenPair(subject TokenSubject) (*TokenPair, error) {
	now := time.Now().UTC()

	access, err := s.sign(subject, TokenTypeAccess, now, s.accessExpiry, s.accessSecret)
	if err != nil {
		return nil, fmt.Errorf("生成访问令牌失败: %w", err)
	}
	refresh, err := s.sign(subject, TokenTypeRefresh, now, s.refreshExpiry, s.refreshSecret)
	if err != nil {
		return nil, fmt.Errorf("生成刷新令牌失败: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(s.accessExpiry),
		ExpiresIn:    int64(s.accessExpiry.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

func (s *TokenService) sign(subject TokenSubject, tokenType string, now time.Time, ttl time.Duration, secret []byte) (string, error) {
	claims := &Claims{
		UserID:         subject.UserID,
		Role:           subject.Role,
		SessionID:      subject.SessionID,
		TenantID:       subject.TenantID,
		TenantCode:     subject.TenantCode,
		Permissions:    subject.Permissions,
		TenantDatabase: subject.TenantDatabase,
		TokenType:      tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateAccessToken 验证访问令牌
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.parse(tokenString, s.accessSecret, TokenTypeAccess)
}

// ValidateRefreshToken 验证刷新令牌
func (s *TokenService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.parse(tokenString, s.refreshSecret, TokenTypeRefresh)
}

func (s *TokenService) parse(tokenString string, secret []byte, tokenType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("无效的签名方法: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("%w: 令牌类型不匹配", ErrTokenInvalid)
	}
	if claims.UserID == uuid.Nil || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: 缺少用户或会话", ErrTokenInvalid)
	}

	return claims, nil
}

// HashToken 令牌摘要，会话记录只保存摘要
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
