package database

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// IndexSpec 索引定义
type IndexSpec struct {
	Table   string
	Name    string
	Columns []string
	Unique  bool
	Where   string
}

// DefaultIndexes 会话与审计热点查询的补充索引
var DefaultIndexes = []IndexSpec{
	{Table: "user_sessions", Name: "idx_user_sessions_active_activity", Columns: []string{"last_activity"}, Where: "is_active = true"},
	{Table: "user_sessions", Name: "idx_user_sessions_user_active", Columns: []string{"user_id", "is_active"}},
	{Table: "user_sessions", Name: "idx_user_sessions_login_time", Columns: []string{"login_time"}},
	{Table: "audit_logs", Name: "idx_audit_logs_user_time", Columns: []string{"user_id", "occurred_at"}},
	{Table: "audit_logs", Name: "idx_audit_logs_type_time", Columns: []string{"event_type", "occurred_at"}},
	{Table: "mfa_sessions", Name: "idx_mfa_sessions_pending_expiry", Columns: []string{"expires_at"}, Where: "status = 'pending'"},
}

// CreateIndexes 创建索引，单个失败不影响其他索引
func CreateIndexes(db *gorm.DB, specs []IndexSpec) error {
	var failed []string
	for _, idx := range specs {
		if err := db.Exec(indexSQL(idx)).Error; err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", idx.Name, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("创建索引失败: %s", strings.Join(failed, "; "))
	}
	return nil
}

func indexSQL(idx IndexSpec) string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if idx.Unique {
		b.WriteString("UNIQUE ")
	}
	fmt.Fprintf(&b, "INDEX IF NOT EXISTS %s ON %s (%s)", idx.Name, idx.Table, strings.Join(idx.Columns, ", "))
	if idx.Where != "" {
		b.WriteString(" WHERE " + idx.Where)
	}
	return b.String()
}
