package database

import (
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLite 创建SQLite连接（本地开发与单元测试）
func NewSQLite(name string, level logger.LogLevel) (*PostgresDB, error) {
	if name == "" {
		name = ":memory:"
	}

	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger: logger.Default.LogMode(level),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}

	// 内存库每个连接都是独立数据库
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return Wrap(db)
}

// IsPostgreSQL 检查是否为PostgreSQL连接
func IsPostgreSQL(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// IsSQLite 检查是否为SQLite连接
func IsSQLite(db *gorm.DB) bool {
	return db.Dialector.Name() == "sqlite"
}
