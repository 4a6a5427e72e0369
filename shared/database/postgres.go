package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config 数据库配置
type Config struct {
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	LogLevel        logger.LogLevel
}

// DSN 返回PostgreSQL连接字符串
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// PostgresDB 数据库封装
type PostgresDB struct {
	DB     *gorm.DB
	SqlDB  *sql.DB
	config Config
}

// NewPostgresDB 创建PostgreSQL数据库连接
func NewPostgresDB(config Config) (*PostgresDB, error) {
	logLevel := config.LogLevel
	if logLevel < logger.Silent || logLevel > logger.Info {
		logLevel = logger.Warn
	}

	db, err := gorm.Open(postgres.Open(config.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取sql.DB失败: %w", err)
	}

	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &PostgresDB{
		DB:     db,
		SqlDB:  sqlDB,
		config: config,
	}, nil
}

// Wrap 包装已打开的gorm连接（SQLite开发模式与测试使用）
func Wrap(db *gorm.DB) (*PostgresDB, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取sql.DB失败: %w", err)
	}
	return &PostgresDB{DB: db, SqlDB: sqlDB}, nil
}

// GetDB 返回gorm连接
func (p *PostgresDB) GetDB() *gorm.DB {
	return p.DB
}

// Transaction 执行事务
func (p *PostgresDB) Transaction(ctx context.Context, fn func(*gorm.DB) error) error {
	return p.DB.WithContext(ctx).Transaction(fn)
}

// Ping 测试数据库连接
func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.SqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (p *PostgresDB) Close() error {
	return p.SqlDB.Close()
}

// Stats 获取连接池统计信息
func (p *PostgresDB) Stats() sql.DBStats {
	return p.SqlDB.Stats()
}

// HealthCheck 健康检查
func (p *PostgresDB) HealthCheck(ctx context.Context) error {
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("数据库连接失败: %w", err)
	}

	stats := p.Stats()
	if p.config.MaxOpenConns > 0 && stats.InUse >= p.config.MaxOpenConns {
		return fmt.Errorf("连接池已满: %d/%d", stats.InUse, p.config.MaxOpenConns)
	}

	var result int
	if err := p.DB.WithContext(ctx).Raw("SELECT 1").Scan(&result).Error; err != nil {
		return fmt.Errorf("数据库查询失败: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("数据库查询结果异常: %d", result)
	}

	return nil
}
