package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	devAccessSecret   = "development_access_secret_key_32_chars_minimum_safe"
	devRefreshSecret  = "development_refresh_secret_key_32_chars_minimum_safe"
	devEncryptionKey  = "development_mfa_encryption_key_32_chars_minimum"
	devDatabasePasswd = "dev_password_123"
)

// ConfigLoader 配置加载器
type ConfigLoader struct {
	v *viper.Viper
}

// NewConfigLoader 创建配置加载器
func NewConfigLoader() *ConfigLoader {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/identity-core")
	v.AddConfigPath("$HOME/.identity-core")

	return &ConfigLoader{v: v}
}

// Load 读取配置文件、环境变量并校验
func (cl *ConfigLoader) Load() (*Config, error) {
	cl.setDefaults()
	cl.bindEnvironmentVariables()

	if err := cl.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			fmt.Println("配置文件未找到，使用默认配置")
		} else {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg, err := cl.unmarshal()
	if err != nil {
		return nil, err
	}

	// 启用Vault时密钥在启动阶段从Vault补齐后再校验
	if cfg.Vault.Enabled {
		return cfg, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return cfg, nil
}

// Watch 监听配置文件变化，仅在读取到配置文件时生效
func (cl *ConfigLoader) Watch(onChange func(*Config)) bool {
	if cl.v.ConfigFileUsed() == "" {
		return false
	}

	cl.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := cl.unmarshal()
		if err != nil {
			fmt.Printf("重新加载配置失败: %v\n", err)
			return
		}
		onChange(cfg)
	})
	cl.v.WatchConfig()
	return true
}

func (cl *ConfigLoader) unmarshal() (*Config, error) {
	var cfg Config
	if err := cl.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cl.applyDevelopmentSecrets(&cfg)
	return &cfg, nil
}

// setDefaults 设置默认值
func (cl *ConfigLoader) setDefaults() {
	v := cl.v

	// 服务器默认值
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "30s")

	// 数据库默认值
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "identity")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "300s")
	v.SetDefault("database.conn_max_idle_time", "60s")
	v.SetDefault("database.log_level", 2)
	v.SetDefault("database.reporting_dsn", "")

	// Redis默认值
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.key_prefix", "iam")

	// Kafka默认值
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.sms_topic", "notifications.sms")
	v.SetDefault("kafka.alert_topic", "audit.critical")
	v.SetDefault("kafka.write_timeout", "5s")

	// 认证默认值
	v.SetDefault("auth.access_token_secret", "")
	v.SetDefault("auth.refresh_token_secret", "")
	v.SetDefault("auth.access_token_expiry", "24h")
	v.SetDefault("auth.refresh_token_expiry", "168h")
	v.SetDefault("auth.issuer", "identity-core")
	v.SetDefault("auth.role_permissions", map[string][]string{})

	// MFA默认值
	v.SetDefault("mfa.issuer", "Identity Core")
	v.SetDefault("mfa.encryption_key", "")
	v.SetDefault("mfa.session_ttl", "10m")
	v.SetDefault("mfa.max_session_attempts", 3)
	v.SetDefault("mfa.lockout_threshold", 5)
	v.SetDefault("mfa.lockout_duration", "15m")
	v.SetDefault("mfa.sms_code_ttl", "5m")
	v.SetDefault("mfa.backup_code_count", 10)
	v.SetDefault("mfa.trust_window", "720h")
	v.SetDefault("mfa.mandatory_roles", []string{"SUPER_ADMIN", "ADMIN"})
	v.SetDefault("mfa.bypass_roles", []string{"SUPER_ADMIN"})
	v.SetDefault("mfa.trusted_networks", []string{})
	v.SetDefault("mfa.block_unconfigured_mandatory", false)
	v.SetDefault("mfa.enrollment_lockout", false)
	v.SetDefault("mfa.webauthn.rp_id", "localhost")
	v.SetDefault("mfa.webauthn.rp_name", "Identity Core")
	v.SetDefault("mfa.webauthn.origins", []string{"http://localhost:3000"})
	v.SetDefault("mfa.webauthn.timeout", "60s")

	// 会话默认值
	v.SetDefault("session.cache_ttl", "24h")
	v.SetDefault("session.idle_timeout", "15m")
	v.SetDefault("session.sweep_threshold", "24h")
	v.SetDefault("session.sweep_interval", "10m")
	v.SetDefault("session.touch_persist_interval", "1m")
	v.SetDefault("session.geo_lookup_timeout", "2s")

	// 审计默认值
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", "5s")
	v.SetDefault("audit.max_queue_size", 10000)
	v.SetDefault("audit.retention_days", 90)
	v.SetDefault("audit.stats_cache_ttl", "5m")
	v.SetDefault("audit.cleanup_interval", "24h")
	v.SetDefault("audit.anomaly_window", "30m")

	// 日志默认值
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "")

	// 安全默认值
	v.SetDefault("security.cors_allowed_origins", []string{})
	v.SetDefault("security.trusted_proxies", []string{})
	v.SetDefault("security.login_rate_per_minute", 20)
	v.SetDefault("security.login_burst", 5)

	// Vault默认值
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "http://127.0.0.1:8200")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.namespace", "")
	v.SetDefault("vault.timeout", "10s")
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "identity-core")
}

// bindEnvironmentVariables 绑定环境变量
func (cl *ConfigLoader) bindEnvironmentVariables() {
	cl.v.SetEnvPrefix("IAM")
	cl.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cl.v.AutomaticEnv()

	envBindings := map[string][]string{
		"server.port":               {"SERVER_PORT", "PORT"},
		"server.environment":        {"ENVIRONMENT", "ENV"},
		"database.driver":           {"DATABASE_DRIVER"},
		"database.host":             {"DATABASE_HOST", "POSTGRES_HOST", "DB_HOST"},
		"database.port":             {"DATABASE_PORT", "POSTGRES_PORT", "DB_PORT"},
		"database.name":             {"DATABASE_NAME", "POSTGRES_DB", "DB_NAME"},
		"database.user":             {"DATABASE_USER", "POSTGRES_USER", "DB_USER"},
		"database.password":         {"DATABASE_PASSWORD", "POSTGRES_PASSWORD", "DB_PASSWORD"},
		"database.reporting_dsn":    {"DATABASE_REPORTING_DSN"},
		"redis.host":                {"REDIS_HOST"},
		"redis.port":                {"REDIS_PORT"},
		"redis.password":            {"REDIS_PASSWORD"},
		"kafka.enabled":             {"KAFKA_ENABLED"},
		"kafka.brokers":             {"KAFKA_BROKERS"},
		"auth.access_token_secret":  {"JWT_ACCESS_SECRET", "JWT_SECRET"},
		"auth.refresh_token_secret": {"JWT_REFRESH_SECRET"},
		"mfa.encryption_key":        {"MFA_ENCRYPTION_KEY"},
		"vault.enabled":             {"VAULT_ENABLED"},
		"vault.address":             {"VAULT_ADDR"},
		"vault.token":               {"VAULT_TOKEN"},
		"vault.namespace":           {"VAULT_NAMESPACE"},
	}

	for configKey, envVars := range envBindings {
		_ = cl.v.BindEnv(append([]string{configKey}, envVars...)...)
	}
}

// applyDevelopmentSecrets 开发环境缺省密钥
func (cl *ConfigLoader) applyDevelopmentSecrets(cfg *Config) {
	if !cfg.IsDevelopment() || cfg.Vault.Enabled {
		return
	}

	if cfg.Database.Password == "" {
		cfg.Database.Password = devDatabasePasswd
	}
	if cfg.Auth.AccessTokenSecret == "" {
		cfg.Auth.AccessTokenSecret = devAccessSecret
		fmt.Println("Warning: Using default access token secret for development")
	}
	if cfg.Auth.RefreshTokenSecret == "" {
		cfg.Auth.RefreshTokenSecret = devRefreshSecret
		fmt.Println("Warning: Using default refresh token secret for development")
	}
	if cfg.MFA.EncryptionKey == "" {
		cfg.MFA.EncryptionKey = devEncryptionKey
		fmt.Println("Warning: Using default MFA encryption key for development")
	}
}
