package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt 密文被篡改或密钥不匹配
var ErrDecrypt = errors.New("密文解密失败")

const (
	codecVersion    = "v1:"
	codecInfo       = "identity-core/mfa-secret-codec"
	totpSecretBytes = 20
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// SecretCodec MFA密钥静态加密
type SecretCodec struct {
	aead cipher.AEAD
}

// NewSecretCodec 由主密钥派生AES-256-GCM密钥
func NewSecretCodec(masterKey string) (*SecretCodec, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("MFA加密密钥长度必须至少32字符")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterKey), nil, []byte(codecInfo)), key); err != nil {
		return nil, fmt.Errorf("派生加密密钥失败: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("创建AES密码器失败: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("创建GCM失败: %w", err)
	}

	return &SecretCodec{aead: aead}, nil
}

// Encrypt 加密明文，输出 v1:base64(nonce|密文|tag)
func (c *SecretCodec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return codecVersion + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密，任何异常均返回ErrDecrypt
func (c *SecretCodec) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, codecVersion) {
		return "", ErrDecrypt
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, codecVersion))
	if err != nil {
		return "", ErrDecrypt
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", ErrDecrypt
	}
	plain, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// EncryptList 加密字符串列表
func (c *SecretCodec) EncryptList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("序列化列表失败: %w", err)
	}
	return c.Encrypt(string(data))
}

// DecryptList 解密字符串列表
func (c *SecretCodec) DecryptList(ciphertext string) ([]string, error) {
	plain, err := c.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	var values []string
	if err := json.Unmarshal([]byte(plain), &values); err != nil {
		return nil, ErrDecrypt
	}
	return values, nil
}

// GenerateSecret 生成Base32编码的TOTP密钥（兼容身份验证器应用）
func GenerateSecret() (string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("生成密钥失败: %w", err)
	}
	return secretEncoding.EncodeToString(raw), nil
}
