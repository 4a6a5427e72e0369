package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// NewReportingDB 创建报表查询连接
// dsn为空时复用主库连接池，driverName决定占位符风格
func NewReportingDB(dsn string, primary *sql.DB, driverName string) (*sqlx.DB, error) {
	if dsn == "" {
		return sqlx.NewDb(primary, driverName), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接报表数据库失败: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(time.Minute)

	return db, nil
}
