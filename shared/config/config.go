package config

import (
	"fmt"
	"time"

	"github.com/cloud-platform/identity-core/shared/logger"
)

// Config 应用程序配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Auth     AuthConfig     `mapstructure:"auth"`
	MFA      MFAConfig      `mapstructure:"mfa"`
	Session  SessionConfig  `mapstructure:"session"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	Vault    VaultConfig    `mapstructure:"vault"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	Host           string        `mapstructure:"host"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Environment    string        `mapstructure:"environment"`
}

// Address 返回服务器监听地址
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        int           `mapstructure:"log_level"`
	// ReportingDSN 审计报表只读副本，留空时复用主库连接
	ReportingDSN string `mapstructure:"reporting_dsn"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	SMSTopic     string        `mapstructure:"sms_topic"`
	AlertTopic   string        `mapstructure:"alert_topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	AccessTokenSecret  string              `mapstructure:"access_token_secret"`
	RefreshTokenSecret string              `mapstructure:"refresh_token_secret"`
	AccessTokenExpiry  time.Duration       `mapstructure:"access_token_expiry"`
	RefreshTokenExpiry time.Duration       `mapstructure:"refresh_token_expiry"`
	Issuer             string              `mapstructure:"issuer"`
	RolePermissions    map[string][]string `mapstructure:"role_permissions"`
}

// MFAConfig 多因子认证配置
type MFAConfig struct {
	Issuer                     string         `mapstructure:"issuer"`
	EncryptionKey              string         `mapstructure:"encryption_key"`
	SessionTTL                 time.Duration  `mapstructure:"session_ttl"`
	MaxSessionAttempts         int            `mapstructure:"max_session_attempts"`
	LockoutThreshold           int            `mapstructure:"lockout_threshold"`
	LockoutDuration            time.Duration  `mapstructure:"lockout_duration"`
	SMSCodeTTL                 time.Duration  `mapstructure:"sms_code_ttl"`
	BackupCodeCount            int            `mapstructure:"backup_code_count"`
	TrustWindow                time.Duration  `mapstructure:"trust_window"`
	MandatoryRoles             []string       `mapstructure:"mandatory_roles"`
	BypassRoles                []string       `mapstructure:"bypass_roles"`
	TrustedNetworks            []string       `mapstructure:"trusted_networks"`
	BlockUnconfiguredMandatory bool           `mapstructure:"block_unconfigured_mandatory"`
	EnrollmentLockout          bool           `mapstructure:"enrollment_lockout"`
	WebAuthn                   WebAuthnConfig `mapstructure:"webauthn"`
}

// WebAuthnConfig WebAuthn依赖方配置
type WebAuthnConfig struct {
	RPID    string        `mapstructure:"rp_id"`
	RPName  string        `mapstructure:"rp_name"`
	Origins []string      `mapstructure:"origins"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	SweepThreshold       time.Duration `mapstructure:"sweep_threshold"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	TouchPersistInterval time.Duration `mapstructure:"touch_persist_interval"`
	GeoLookupTimeout     time.Duration `mapstructure:"geo_lookup_timeout"`
}

// AuditConfig 审计配置
type AuditConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	MaxQueueSize    int           `mapstructure:"max_queue_size"`
	RetentionDays   int           `mapstructure:"retention_days"`
	StatsCacheTTL   time.Duration `mapstructure:"stats_cache_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	AnomalyWindow   time.Duration `mapstructure:"anomaly_window"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// ToLoggerConfig 转换为logger.Config
func (l *LogConfig) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:    l.Level,
		Format:   l.Format,
		Output:   l.Output,
		FilePath: l.FilePath,
	}
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	CorsAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	TrustedProxies     []string `mapstructure:"trusted_proxies"`
	LoginRatePerMinute int      `mapstructure:"login_rate_per_minute"`
	LoginBurst         int      `mapstructure:"login_burst"`
}

// VaultConfig Vault配置
type VaultConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Address    string        `mapstructure:"address"`
	Token      string        `mapstructure:"token"`
	Namespace  string        `mapstructure:"namespace"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MountPath  string        `mapstructure:"mount_path"`
	SecretPath string        `mapstructure:"secret_path"`
}

// Load 加载配置
func Load() (*Config, error) {
	return NewConfigLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.IsProduction() && c.Database.Password == "" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("生产环境数据库密码不能为空")
	}

	if c.Auth.AccessTokenSecret == "" {
		return fmt.Errorf("访问令牌密钥不能为空")
	}
	if len(c.Auth.AccessTokenSecret) < 32 {
		return fmt.Errorf("访问令牌密钥长度必须至少32字符，当前长度: %d", len(c.Auth.AccessTokenSecret))
	}
	if c.Auth.RefreshTokenSecret == "" {
		return fmt.Errorf("刷新令牌密钥不能为空")
	}
	if len(c.Auth.RefreshTokenSecret) < 32 {
		return fmt.Errorf("刷新令牌密钥长度必须至少32字符，当前长度: %d", len(c.Auth.RefreshTokenSecret))
	}
	if c.Auth.AccessTokenSecret == c.Auth.RefreshTokenSecret {
		return fmt.Errorf("访问令牌与刷新令牌必须使用不同的密钥")
	}

	if len(c.MFA.EncryptionKey) < 32 {
		return fmt.Errorf("MFA加密密钥长度必须至少32字符，当前长度: %d", len(c.MFA.EncryptionKey))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("服务器端口无效: %d", c.Server.Port)
	}

	if c.MFA.MaxSessionAttempts <= 0 {
		return fmt.Errorf("MFA会话最大尝试次数必须大于0")
	}

	if c.Audit.BatchSize <= 0 || c.Audit.FlushInterval <= 0 {
		return fmt.Errorf("审计批量大小与刷新间隔必须大于0")
	}

	if len(c.Security.CorsAllowedOrigins) == 0 && c.IsProduction() {
		return fmt.Errorf("生产环境必须配置CORS允许的域名")
	}

	return nil
}

// GetDatabaseDSN 获取数据库连接字符串
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// GetRedisAddr 获取Redis地址
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// IsDevelopment 是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// IsProduction 是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
