package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/cloud-platform/identity-core/shared/logger"
)

// 密钥在KV中的字段名
const (
	KeyAccessTokenSecret  = "jwt_access_secret"
	KeyRefreshTokenSecret = "jwt_refresh_secret"
	KeyMFAEncryptionKey   = "mfa_encryption_key"
	KeyDatabasePassword   = "database_password"
)

// Config Vault客户端配置
type Config struct {
	Address    string
	Token      string
	Namespace  string
	Timeout    time.Duration
	MountPath  string
	SecretPath string
}

// Secrets 启动所需的密钥
type Secrets struct {
	AccessTokenSecret  string
	RefreshTokenSecret string
	MFAEncryptionKey   string
	DatabasePassword   string
}

// Client Vault KV v2客户端
type Client struct {
	client *api.Client
	config Config
	logger logger.Logger
}

// NewClient 创建Vault客户端
func NewClient(config Config, log logger.Logger) (*Client, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("vault地址不能为空")
	}
	if config.MountPath == "" {
		config.MountPath = "secret"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	clientConfig := api.DefaultConfig()
	clientConfig.Address = config.Address
	clientConfig.Timeout = config.Timeout

	client, err := api.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("创建Vault客户端失败: %w", err)
	}
	client.SetToken(config.Token)
	if config.Namespace != "" {
		client.SetNamespace(config.Namespace)
	}

	return &Client{client: client, config: config, logger: log}, nil
}

// GetSecret 读取KV v2密钥
func (c *Client) GetSecret(ctx context.Context, secretPath string) (map[string]interface{}, error) {
	secret, err := c.client.KVv2(c.config.MountPath).Get(ctx, secretPath)
	if err != nil {
		return nil, fmt.Errorf("获取秘钥失败: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("秘钥不存在: %s", secretPath)
	}
	return secret.Data, nil
}

// LoadSecrets 读取服务密钥，缺失字段保持为空由配置校验报错
func (c *Client) LoadSecrets(ctx context.Context) (*Secrets, error) {
	data, err := c.GetSecret(ctx, c.config.SecretPath)
	if err != nil {
		return nil, err
	}

	secrets := &Secrets{
		AccessTokenSecret:  stringField(data, KeyAccessTokenSecret),
		RefreshTokenSecret: stringField(data, KeyRefreshTokenSecret),
		MFAEncryptionKey:   stringField(data, KeyMFAEncryptionKey),
		DatabasePassword:   stringField(data, KeyDatabasePassword),
	}

	c.logger.WithFields(map[string]interface{}{
		"path":      c.config.SecretPath,
		"has_jwt":   secrets.AccessTokenSecret != "",
		"has_mfa":   secrets.MFAEncryptionKey != "",
		"namespace": c.config.Namespace,
	}).Info("已从Vault加载密钥")

	return secrets, nil
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault健康检查失败: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault已密封")
	}
	return nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
