package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cloud-platform/identity-core/shared/database"
	"github.com/cloud-platform/identity-core/shared/models"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 500
	auditTopN            = 10
)

// AuditFilter 审计查询条件
type AuditFilter struct {
	From       *time.Time
	To         *time.Time
	UserID     *uuid.UUID
	EventTypes []models.AuditEventType
	Severities []models.AuditSeverity
	Success    *bool
	IPAddress  string
	Query      string
	Page       int
	Limit      int
}

// AuditStatsFilter 审计统计条件
type AuditStatsFilter struct {
	From       time.Time
	To         time.Time
	EventTypes []models.AuditEventType
}

// CountEntry 计数项
type CountEntry struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// AuditStatistics 审计统计结果
type AuditStatistics struct {
	From               time.Time        `json:"from"`
	To                 time.Time        `json:"to"`
	TotalEvents        int64            `json:"totalEvents"`
	FailedEvents       int64            `json:"failedEvents"`
	SuccessRate        float64          `json:"successRate"`
	EventsByType       map[string]int64 `json:"eventsByType"`
	EventsBySeverity   map[string]int64 `json:"eventsBySeverity"`
	HourlyDistribution []int64          `json:"hourlyDistribution"`
	TopUsers           []CountEntry     `json:"topUsers"`
	TopIPAddresses     []CountEntry     `json:"topIpAddresses"`
	GeneratedAt        time.Time        `json:"generatedAt"`
}

// AuditRepository 审计存储：gorm写入与检索，sqlx报表统计，Redis缓存统计结果
type AuditRepository struct {
	db        *database.PostgresDB
	reporting *sqlx.DB
	cache     *redis.Client
	keyPrefix string
	cacheTTL  time.Duration

	// 未配置Redis时的进程内告警去重
	claimsMu sync.Mutex
	claims   map[string]time.Time
}

// NewAuditRepository 创建审计存储，cache可为空
func NewAuditRepository(db *database.PostgresDB, reporting *sqlx.DB, cache *redis.Client, keyPrefix string, cacheTTL time.Duration) *AuditRepository {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &AuditRepository{
		db:        db,
		reporting: reporting,
		cache:     cache,
		keyPrefix: keyPrefix,
		cacheTTL:  cacheTTL,
		claims:    make(map[string]time.Time),
	}
}

// ClaimAnomalyAlert 同一用户同类异常在窗口内只上报一次，返回本次是否取得上报权
func (r *AuditRepository) ClaimAnomalyAlert(ctx context.Context, userID uuid.UUID, anomalies []string, window time.Duration) (bool, error) {
	kinds := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		kind, _, _ := strings.Cut(a, ":")
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	key := fmt.Sprintf("%s:audit:anomaly:%s:%s", r.keyPrefix, userID, strings.Join(kinds, ","))

	if r.cache != nil {
		ok, err := r.cache.SetNX(ctx, key, time.Now().UTC().Unix(), window).Result()
		if err != nil {
			return false, fmt.Errorf("写入异常告警去重键失败: %w", err)
		}
		return ok, nil
	}

	now := time.Now()
	r.claimsMu.Lock()
	defer r.claimsMu.Unlock()
	for k, until := range r.claims {
		if now.After(until) {
			delete(r.claims, k)
		}
	}
	if _, held := r.claims[key]; held {
		return false, nil
	}
	r.claims[key] = now.Add(window)
	return true, nil
}

// Persist 批量写入审计记录
func (r *AuditRepository) Persist(ctx context.Context, entries []models.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.GetDB().WithContext(ctx).CreateInBatches(entries, 100).Error
}

// Search 分页检索审计记录，按发生时间倒序
func (r *AuditRepository) Search(ctx context.Context, f AuditFilter) ([]models.AuditLog, int64, error) {
	query := r.db.GetDB().WithContext(ctx).Model(&models.AuditLog{})

	if f.From != nil {
		query = query.Where("occurred_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		query = query.Where("occurred_at < ?", f.To.UTC())
	}
	if f.UserID != nil {
		query = query.Where("user_id = ?", *f.UserID)
	}
	if len(f.EventTypes) > 0 {
		query = query.Where("event_type IN ?", f.EventTypes)
	}
	if len(f.Severities) > 0 {
		query = query.Where("severity IN ?", f.Severities)
	}
	if f.Success != nil {
		query = query.Where("success = ?", *f.Success)
	}
	if f.IPAddress != "" {
		query = query.Where("ip_address = ?", f.IPAddress)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		query = query.Where(
			"LOWER(identifier) LIKE ? OR LOWER(resource) LIKE ? OR LOWER(action) LIKE ? OR LOWER(error_message) LIKE ? OR LOWER(user_agent) LIKE ?",
			like, like, like, like, like,
		)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计审计记录失败: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditPageSize
	}
	if limit > maxAuditPageSize {
		limit = maxAuditPageSize
	}
	page := f.Page
	if page < 1 {
		page = 1
	}

	var logs []models.AuditLog
	err := query.Order("occurred_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询审计记录失败: %w", err)
	}
	return logs, total, nil
}

// EventsForUser 查询用户在某时间之后的事件
func (r *AuditRepository) EventsForUser(ctx context.Context, userID uuid.UUID, since time.Time) ([]models.AuditLog, error) {
	var logs []models.AuditLog
	err := r.db.GetDB().WithContext(ctx).
		Where("user_id = ? AND occurred_at >= ?", userID, since.UTC()).
		Order("occurred_at ASC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("查询用户审计事件失败: %w", err)
	}
	return logs, nil
}

// Cleanup 删除早于指定时间的记录
func (r *AuditRepository) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.GetDB().WithContext(ctx).
		Where("occurred_at < ?", before.UTC()).
		Delete(&models.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理审计记录失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Statistics 聚合统计，结果在Redis中缓存
func (r *AuditRepository) Statistics(ctx context.Context, f AuditStatsFilter) (*AuditStatistics, error) {
	f.From = f.From.UTC()
	f.To = f.To.UTC()
	if !f.To.After(f.From) {
		return nil, fmt.Errorf("%w: 统计时间范围无效", ErrInvalidRequest)
	}

	cacheKey := r.statsCacheKey(f)
	if r.cache != nil {
		if data, err := r.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			var cached AuditStatistics
			if json.Unmarshal(data, &cached) == nil {
				return &cached, nil
			}
		}
	}

	stats, err := r.computeStatistics(ctx, f)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(stats); err == nil {
			_ = r.cache.Set(ctx, cacheKey, data, r.cacheTTL).Err()
		}
	}
	return stats, nil
}

func (r *AuditRepository) statsCacheKey(f AuditStatsFilter) string {
	types := make([]string, len(f.EventTypes))
	for i, t := range f.EventTypes {
		types[i] = string(t)
	}
	sort.Strings(types)
	return fmt.Sprintf("%s:audit:stats:%d:%d:%s", r.keyPrefix, f.From.Unix(), f.To.Unix(), strings.Join(types, ","))
}

type totalsRow struct {
	Total  int64         `db:"total"`
	Failed sql.NullInt64 `db:"failed"`
}

type groupRow struct {
	Key   sql.NullString `db:"grp"`
	Count int64          `db:"cnt"`
}

type hourRow struct {
	Hour  sql.NullInt64 `db:"hr"`
	Count int64         `db:"cnt"`
}

func (r *AuditRepository) computeStatistics(ctx context.Context, f AuditStatsFilter) (*AuditStatistics, error) {
	stats := &AuditStatistics{
		From:               f.From,
		To:                 f.To,
		EventsByType:       make(map[string]int64),
		EventsBySeverity:   make(map[string]int64),
		HourlyDistribution: make([]int64, 24),
		TopUsers:           []CountEntry{},
		TopIPAddresses:     []CountEntry{},
		GeneratedAt:        time.Now().UTC(),
	}

	query, args, err := r.statsQuery("COUNT(*) AS total, SUM(CASE WHEN success THEN 0 ELSE 1 END) AS failed", "", f)
	if err != nil {
		return nil, err
	}
	var totals totalsRow
	if err := r.reporting.GetContext(ctx, &totals, query, args...); err != nil {
		return nil, fmt.Errorf("统计审计总数失败: %w", err)
	}
	stats.TotalEvents = totals.Total
	stats.FailedEvents = totals.Failed.Int64
	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(stats.TotalEvents-stats.FailedEvents) / float64(stats.TotalEvents)
	}

	byType, err := r.groupCounts(ctx, "event_type", "", f)
	if err != nil {
		return nil, err
	}
	for _, row := range byType {
		stats.EventsByType[row.Key] = row.Count
	}

	bySeverity, err := r.groupCounts(ctx, "severity", "", f)
	if err != nil {
		return nil, err
	}
	for _, row := range bySeverity {
		stats.EventsBySeverity[row.Key] = row.Count
	}

	if stats.TopUsers, err = r.groupCounts(ctx, "user_id", fmt.Sprintf(" ORDER BY cnt DESC LIMIT %d", auditTopN), f); err != nil {
		return nil, err
	}
	if stats.TopIPAddresses, err = r.groupCounts(ctx, "ip_address", fmt.Sprintf(" ORDER BY cnt DESC LIMIT %d", auditTopN), f); err != nil {
		return nil, err
	}

	query, args, err = r.statsQuery(r.hourExpr()+" AS hr, COUNT(*) AS cnt", " GROUP BY hr", f)
	if err != nil {
		return nil, err
	}
	var hours []hourRow
	if err := r.reporting.SelectContext(ctx, &hours, query, args...); err != nil {
		return nil, fmt.Errorf("统计审计时段分布失败: %w", err)
	}
	for _, row := range hours {
		if row.Hour.Valid && row.Hour.Int64 >= 0 && row.Hour.Int64 < 24 {
			stats.HourlyDistribution[row.Hour.Int64] += row.Count
		}
	}

	return stats, nil
}

func (r *AuditRepository) groupCounts(ctx context.Context, column, suffix string, f AuditStatsFilter) ([]CountEntry, error) {
	where := fmt.Sprintf(" AND %s IS NOT NULL", column)
	selectExpr := column
	if column == "user_id" {
		selectExpr = "CAST(user_id AS TEXT)"
	} else {
		where += fmt.Sprintf(" AND %s <> ''", column)
	}

	query, args, err := r.statsQuery(
		fmt.Sprintf("%s AS grp, COUNT(*) AS cnt", selectExpr),
		fmt.Sprintf("%s GROUP BY %s%s", where, column, suffix),
		f,
	)
	if err != nil {
		return nil, err
	}

	var rows []groupRow
	if err := r.reporting.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("按%s统计审计记录失败: %w", column, err)
	}

	entries := make([]CountEntry, 0, len(rows))
	for _, row := range rows {
		if row.Key.Valid {
			entries = append(entries, CountEntry{Key: row.Key.String, Count: row.Count})
		}
	}
	return entries, nil
}

// statsQuery 拼装带时间范围与事件类型过滤的查询，IN子句由sqlx.In展开
func (r *AuditRepository) statsQuery(selectClause, tail string, f AuditStatsFilter) (string, []interface{}, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(selectClause)
	sb.WriteString(" FROM audit_logs WHERE occurred_at >= ? AND occurred_at < ?")
	args := []interface{}{f.From, f.To}

	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		sb.WriteString(" AND event_type IN (?)")
		args = append(args, types)
	}

	sb.WriteString(tail)

	query, args, err := sqlx.In(sb.String(), args...)
	if err != nil {
		return "", nil, fmt.Errorf("构建统计查询失败: %w", err)
	}
	return r.reporting.Rebind(query), args, nil
}

func (r *AuditRepository) hourExpr() string {
	if strings.HasPrefix(r.reporting.DriverName(), "sqlite") {
		return "CAST(strftime('%H', occurred_at) AS INTEGER)"
	}
	return "CAST(EXTRACT(HOUR FROM occurred_at) AS INTEGER)"
}
