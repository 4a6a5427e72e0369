package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"github.com/cloud-platform/identity-core/cmd/iam-service/handlers"
	"github.com/cloud-platform/identity-core/cmd/iam-service/services"
	"github.com/cloud-platform/identity-core/shared/auth"
	"github.com/cloud-platform/identity-core/shared/config"
	"github.com/cloud-platform/identity-core/shared/database"
	"github.com/cloud-platform/identity-core/shared/events"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/middleware"
	"github.com/cloud-platform/identity-core/shared/models"
	"github.com/cloud-platform/identity-core/shared/monitoring"
	"github.com/cloud-platform/identity-core/shared/vault"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	serviceName    = "iam-service"
	serviceVersion = "1.0.0"
)

func main() {
	loader := config.NewConfigLoader()
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	appLogger, err := logger.NewZapLogger(cfg.Log.ToLoggerConfig())
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	var vaultClient *vault.Client
	if cfg.Vault.Enabled {
		if vaultClient, err = applyVaultSecrets(cfg, appLogger); err != nil {
			appLogger.Fatal("Failed to load secrets from vault:", err)
		}
		if err := cfg.Validate(); err != nil {
			appLogger.Fatal("Invalid configuration:", err)
		}
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// 连接数据库
	db, driverName, err := openDatabase(cfg)
	if err != nil {
		appLogger.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	if err := db.GetDB().AutoMigrate(models.AllModels()...); err != nil {
		appLogger.Fatal("Failed to migrate database:", err)
	}
	if err := database.CreateIndexes(db.GetDB(), database.DefaultIndexes); err != nil {
		appLogger.Warnf("部分索引创建失败: %v", err)
	}

	sqlDB, err := db.GetDB().DB()
	if err != nil {
		appLogger.Fatal("Failed to get database handle:", err)
	}
	reporting, err := database.NewReportingDB(cfg.Database.ReportingDSN, sqlDB, driverName)
	if err != nil {
		appLogger.Fatal("Failed to connect to reporting database:", err)
	}

	// 连接Redis
	redisClient, err := database.NewRedisClient(database.RedisConfig{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		appLogger.Fatal("Failed to connect to redis:", err)
	}
	defer redisClient.Close()

	monitor := monitoring.NewPerformanceMonitor(zapLogger(cfg), time.Second)
	monitor.RegisterCheck("database", db.HealthCheck)
	monitor.RegisterCheck("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	if vaultClient != nil {
		monitor.RegisterCheck("vault", vaultClient.HealthCheck)
	}

	// 消息通道：启用Kafka时短信与严重告警经Kafka投递
	alertHub := services.NewAlertHub(appLogger)
	alerters := []services.Alerter{alertHub}
	var smsTransport services.SMSTransport = services.NewLoggingSMSTransport(appLogger)
	var publisher *events.Publisher
	if cfg.Kafka.Enabled {
		publisher = events.NewKafkaPublisher(events.Config{
			Brokers:      cfg.Kafka.Brokers,
			Source:       serviceName,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}, appLogger)
		smsTransport = services.NewKafkaSMSTransport(publisher, cfg.Kafka.SMSTopic)
		alerters = append(alerters, services.NewKafkaAlerter(publisher, cfg.Kafka.AlertTopic))
	}

	// 审计管道
	auditRepo := services.NewAuditRepository(db, reporting, redisClient, cfg.Redis.KeyPrefix, cfg.Audit.StatsCacheTTL)
	auditPipeline := services.NewAuditPipeline(auditRepo, auditRepo, alerters, services.AuditPipelineConfig{
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		MaxQueueSize:  cfg.Audit.MaxQueueSize,
		AnomalyWindow: cfg.Audit.AnomalyWindow,
	}, appLogger)

	// MFA
	codec, err := auth.NewSecretCodec(cfg.MFA.EncryptionKey)
	if err != nil {
		appLogger.Fatal("Failed to initialize secret codec:", err)
	}
	webAuthn, err := auth.NewWebAuthnFactor(auth.WebAuthnConfig{
		RPID:    cfg.MFA.WebAuthn.RPID,
		RPName:  cfg.MFA.WebAuthn.RPName,
		Origins: cfg.MFA.WebAuthn.Origins,
		Timeout: cfg.MFA.WebAuthn.Timeout,
	})
	if err != nil {
		appLogger.Fatal("Failed to initialize WebAuthn relying party:", err)
	}
	factors := auth.NewFactorRegistry(
		auth.NewTOTPFactor(auth.TOTPConfig{Issuer: cfg.MFA.Issuer}),
		auth.NewSMSFactor(cfg.MFA.SMSCodeTTL),
		webAuthn,
	)
	policy, err := services.NewMFAPolicy(policyConfig(cfg))
	if err != nil {
		appLogger.Fatal("Invalid MFA policy:", err)
	}
	mfaService := services.NewMFAService(db, codec, factors, policy, smsTransport, auditPipeline, services.MFAServiceConfig{
		Issuer:             cfg.MFA.Issuer,
		SessionTTL:         cfg.MFA.SessionTTL,
		MaxSessionAttempts: cfg.MFA.MaxSessionAttempts,
		LockoutThreshold:   cfg.MFA.LockoutThreshold,
		LockoutDuration:    cfg.MFA.LockoutDuration,
		BackupCodeCount:    cfg.MFA.BackupCodeCount,
		TransportTimeout:   cfg.Kafka.WriteTimeout,
	}, appLogger)

	// 会话与令牌
	sessionStore := services.NewSessionStore(db, services.NewSessionCache(redisClient, cfg.Redis.KeyPrefix, cfg.Session.CacheTTL), services.SessionStoreConfig{
		IdleTimeout:          cfg.Session.IdleTimeout,
		SweepThreshold:       cfg.Session.SweepThreshold,
		TouchPersistInterval: cfg.Session.TouchPersistInterval,
	}, appLogger)
	tokenService, err := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  cfg.Auth.AccessTokenSecret,
		RefreshSecret: cfg.Auth.RefreshTokenSecret,
		AccessExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshExpiry: cfg.Auth.RefreshTokenExpiry,
		Issuer:        cfg.Auth.Issuer,
	})
	if err != nil {
		appLogger.Fatal("Failed to initialize token service:", err)
	}

	users := services.NewGormUserDirectory(db)
	authService := services.NewAuthService(
		users,
		tokenService,
		mfaService,
		sessionStore,
		auditPipeline,
		services.NewRoleAccessResolver(cfg.Auth.RolePermissions),
		services.WithLookupTimeout(services.NoopGeoLocator{}, cfg.Session.GeoLookupTimeout),
		services.UserAgentParser{},
		appLogger,
	)

	// 策略热更新
	if loader.Watch(func(updated *config.Config) {
		if err := mfaService.UpdatePolicy(policyConfig(updated)); err != nil {
			appLogger.Errorf("MFA策略更新失败，保留原策略: %v", err)
			return
		}
		appLogger.Info("MFA策略已更新")
	}) {
		appLogger.Info("已启用配置热更新")
	}

	// 后台任务
	bgCtx, stopBackground := context.WithCancel(context.Background())
	auditPipeline.Start(bgCtx)
	maintenance := services.NewMaintenanceRunner(sessionStore, mfaService, auditPipeline, services.MaintenanceConfig{
		SweepInterval:    cfg.Session.SweepInterval,
		SweepThreshold:   cfg.Session.SweepThreshold,
		MFACleanInterval: cfg.MFA.SessionTTL,
		AuditInterval:    cfg.Audit.CleanupInterval,
		RetentionDays:    cfg.Audit.RetentionDays,
	}, appLogger)
	maintenance.Start(bgCtx)

	var loginLimiter *middleware.TokenBucketLimiter
	if cfg.Security.LoginRatePerMinute > 0 {
		loginLimiter = middleware.NewTokenBucketLimiter(middleware.PerMinute(cfg.Security.LoginRatePerMinute), cfg.Security.LoginBurst, 10*time.Minute)
		defer loginLimiter.Stop()
	}

	// 设置Gin路由
	r, err := handlers.NewRouter(handlers.RouterDeps{
		Auth:           authService,
		MFA:            mfaService,
		Users:          users,
		Sessions:       sessionStore,
		Audit:          auditPipeline,
		Alerts:         alertHub,
		Monitor:        monitor,
		LoginLimiter:   loginLimiter,
		AllowedOrigins: cfg.Security.CorsAllowedOrigins,
		TrustedProxies: cfg.Security.TrustedProxies,
		RequestTimeout: cfg.Server.RequestTimeout,
		AdminRoles:     []string{"admin"},
		ServiceName:    serviceName,
		Version:        serviceVersion,
		Logger:         appLogger,
	})
	if err != nil {
		appLogger.Fatal("Failed to build router:", err)
	}

	// 启动服务器
	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		appLogger.Infof("Starting IAM service on %s", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server:", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}

	stopBackground()
	maintenance.Wait()
	alertHub.Close()
	// 关闭前落盘剩余审计事件
	if err := auditPipeline.Close(ctx); err != nil {
		appLogger.Errorf("审计事件未能全部落盘: %v", err)
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			appLogger.Warnf("关闭Kafka发布器失败: %v", err)
		}
	}

	appLogger.Info("Server exited gracefully")
}

// openDatabase 按驱动打开主库，返回报表查询使用的驱动名
func openDatabase(cfg *config.Config) (*database.PostgresDB, string, error) {
	level := gormlogger.LogLevel(cfg.Database.LogLevel)
	if level == 0 {
		level = gormlogger.Silent
	}

	if strings.EqualFold(cfg.Database.Driver, "sqlite") {
		db, err := database.NewSQLite(cfg.Database.Name, level)
		return db, "sqlite3", err
	}

	db, err := database.NewPostgresDB(database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Name:            cfg.Database.Name,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		LogLevel:        level,
	})
	return db, "postgres", err
}

// applyVaultSecrets 用Vault中的密钥覆盖配置
func applyVaultSecrets(cfg *config.Config, appLogger logger.Logger) (*vault.Client, error) {
	client, err := vault.NewClient(vault.Config{
		Address:    cfg.Vault.Address,
		Token:      cfg.Vault.Token,
		Namespace:  cfg.Vault.Namespace,
		Timeout:    cfg.Vault.Timeout,
		MountPath:  cfg.Vault.MountPath,
		SecretPath: cfg.Vault.SecretPath,
	}, appLogger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Vault.Timeout+5*time.Second)
	defer cancel()
	secrets, err := client.LoadSecrets(ctx)
	if err != nil {
		return nil, err
	}

	if secrets.AccessTokenSecret != "" {
		cfg.Auth.AccessTokenSecret = secrets.AccessTokenSecret
	}
	if secrets.RefreshTokenSecret != "" {
		cfg.Auth.RefreshTokenSecret = secrets.RefreshTokenSecret
	}
	if secrets.MFAEncryptionKey != "" {
		cfg.MFA.EncryptionKey = secrets.MFAEncryptionKey
	}
	if secrets.DatabasePassword != "" {
		cfg.Database.Password = secrets.DatabasePassword
	}
	return client, nil
}

func policyConfig(cfg *config.Config) services.MFAPolicyConfig {
	return services.MFAPolicyConfig{
		MandatoryRoles:             cfg.MFA.MandatoryRoles,
		BypassRoles:                cfg.MFA.BypassRoles,
		TrustedNetworks:            cfg.MFA.TrustedNetworks,
		TrustWindow:                cfg.MFA.TrustWindow,
		BlockUnconfiguredMandatory: cfg.MFA.BlockUnconfiguredMandatory,
		EnrollmentLockout:          cfg.MFA.EnrollmentLockout,
	}
}

// zapLogger 性能监控直接使用zap
func zapLogger(cfg *config.Config) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if cfg.IsDevelopment() {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l.Named("monitor")
}
