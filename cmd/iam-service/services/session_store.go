package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/cloud-platform/identity-core/shared/database"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/models"
)

// TerminationReason 会话终止原因
type TerminationReason string

const (
	TerminationLogout  TerminationReason = "logout"
	TerminationForced  TerminationReason = "forced"
	TerminationExpired TerminationReason = "expired"
)

func (r TerminationReason) status() string {
	switch r {
	case TerminationForced:
		return models.SessionStatusForcedLogout
	case TerminationExpired:
		return models.SessionStatusExpired
	default:
		return models.SessionStatusEnded
	}
}

// SessionStoreConfig 会话存储配置
type SessionStoreConfig struct {
	IdleTimeout          time.Duration
	SweepThreshold       time.Duration
	TouchPersistInterval time.Duration
}

// SessionStore 协调缓存层（判定会话是否存活）与持久层（会话台账）
type SessionStore struct {
	db     *database.PostgresDB
	cache  *SessionCache
	config SessionStoreConfig
	logger logger.Logger
	now    func() time.Time
}

// NewSession 新会话参数
type NewSession struct {
	ID               string
	UserID           uuid.UUID
	TenantID         *uuid.UUID
	Role             string
	AccessTokenHash  string
	RefreshTokenHash string
	IPAddress        string
	UserAgent        string
	DeviceInfo       map[string]interface{}
	Location         map[string]interface{}
}

// TouchResult 活动刷新结果
type TouchResult struct {
	Session      *CachedSession
	IPChanged    bool
	PreviousIP   string
	WarningCount int
}

// Termination 终止参数
type Termination struct {
	Reason  TerminationReason
	ActorID *uuid.UUID
	Note    string
}

// SessionStats 会话统计
type SessionStats struct {
	CacheLive       int64 `json:"cacheLive"`
	CacheIdle       int64 `json:"cacheIdle"`
	CacheActive     int64 `json:"cacheActive"`
	DurableTotal    int64 `json:"durableTotal"`
	DurableActive   int64 `json:"durableActive"`
	SessionsToday   int64 `json:"sessionsToday"`
	SuspiciousCount int64 `json:"suspiciousCount"`
}

// NewSessionStore 创建会话存储
func NewSessionStore(db *database.PostgresDB, cache *SessionCache, config SessionStoreConfig, log logger.Logger) *SessionStore {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 15 * time.Minute
	}
	if config.SweepThreshold <= 0 {
		config.SweepThreshold = 24 * time.Hour
	}
	if config.TouchPersistInterval <= 0 {
		config.TouchPersistInterval = time.Minute
	}
	return &SessionStore{
		db:     db,
		cache:  cache,
		config: config,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewSessionID 生成会话ID
func NewSessionID() (string, error) {
	return newOpaqueToken()
}

// Create 先写持久层再写缓存，缓存写入失败时把台账记录标记为过期
func (s *SessionStore) Create(ctx context.Context, in *NewSession) (*models.UserSession, error) {
	now := s.now()
	row := &models.UserSession{
		ID:               in.ID,
		UserID:           in.UserID,
		TenantID:         in.TenantID,
		Role:             in.Role,
		AccessTokenHash:  in.AccessTokenHash,
		RefreshTokenHash: in.RefreshTokenHash,
		LoginTime:        now,
		LastActivity:     now,
		IPAddress:        in.IPAddress,
		UserAgent:        in.UserAgent,
		IsActive:         true,
		Status:           models.SessionStatusActive,
	}
	if len(in.DeviceInfo) > 0 {
		row.DeviceInfo = datatypes.JSONMap(in.DeviceInfo)
	}
	if len(in.Location) > 0 {
		row.Location = datatypes.JSONMap(in.Location)
	}

	if err := s.db.GetDB().WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("保存会话记录失败: %w", err)
	}

	cached := &CachedSession{
		SessionID:        in.ID,
		UserID:           in.UserID,
		Role:             in.Role,
		AccessTokenHash:  in.AccessTokenHash,
		RefreshTokenHash: in.RefreshTokenHash,
		LoginTime:        now,
		LastActivity:     now,
		LastPersisted:    now,
		IPAddress:        in.IPAddress,
		UserAgent:        in.UserAgent,
	}
	if in.TenantID != nil {
		cached.TenantID = in.TenantID.String()
	}

	if err := s.cache.Put(ctx, cached); err != nil {
		if markErr := s.markTerminated(ctx, s.db.GetDB().WithContext(ctx), in.ID, Termination{Reason: TerminationExpired, Note: "cache_write_failed"}, now); markErr != nil {
			s.logger.WithContext(ctx).Errorf("回滚会话记录失败: %v", markErr)
		}
		return nil, err
	}
	return row, nil
}

// Get 读取存活会话，缓存缺失时把台账中仍为活跃的记录标记为过期
func (s *SessionStore) Get(ctx context.Context, id string) (*CachedSession, error) {
	cached, err := s.cache.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		s.reconcileMissing(ctx, id)
		return nil, ErrSessionNotFound
	}

	if s.now().Sub(cached.LastActivity) > s.config.IdleTimeout {
		cached.IsIdle = true
	}
	return cached, nil
}

func (s *SessionStore) reconcileMissing(ctx context.Context, id string) {
	err := s.markTerminated(ctx, s.db.GetDB().WithContext(ctx), id, Termination{Reason: TerminationExpired, Note: "cache_expired"}, s.now())
	if err != nil {
		s.logger.WithContext(ctx).Warnf("同步过期会话记录失败: %v", err)
	}
}

// Touch 刷新活动时间与缓存TTL，按间隔同步到持久层，来源地址变化时计入告警次数
func (s *SessionStore) Touch(ctx context.Context, id string, meta RequestMeta) (*TouchResult, error) {
	now := s.now()
	var (
		result  *TouchResult
		persist bool
	)
	touched, err := s.cache.Touch(ctx, id, func(cur *CachedSession) {
		// 冲突重试时基于最新读到的值重新计算
		result = &TouchResult{}
		if meta.IPAddress != "" && cur.IPAddress != "" && meta.IPAddress != cur.IPAddress {
			result.IPChanged = true
			result.PreviousIP = cur.IPAddress
			cur.IPAddress = meta.IPAddress
		}
		cur.LastActivity = now
		cur.IsIdle = false

		persist = result.IPChanged || now.Sub(cur.LastPersisted) >= s.config.TouchPersistInterval
		if persist {
			cur.LastPersisted = now
		}
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			s.reconcileMissing(ctx, id)
		}
		return nil, err
	}
	result.Session = touched

	if persist {
		updates := map[string]interface{}{
			"last_activity": now,
			"is_idle":       false,
		}
		if result.IPChanged {
			updates["ip_address"] = meta.IPAddress
			updates["warning_count"] = gorm.Expr("warning_count + 1")
		}
		db := s.db.GetDB().WithContext(ctx)
		if err := db.Model(&models.UserSession{}).
			Where("id = ? AND is_active = ?", id, true).
			Updates(updates).Error; err != nil {
			s.logger.WithContext(ctx).Warnf("同步会话活动时间失败: %v", err)
		}
		if result.IPChanged {
			var row models.UserSession
			if err := db.Select("warning_count").Where("id = ?", id).First(&row).Error; err == nil {
				result.WarningCount = row.WarningCount
			}
		}
	}
	return result, nil
}

// RotateTokens 轮换会话绑定的令牌哈希，presentedRefreshHash必须与当前值一致
func (s *SessionStore) RotateTokens(ctx context.Context, id, presentedRefreshHash, accessHash, refreshHash string) (*CachedSession, error) {
	now := s.now()
	rotated, err := s.cache.RotateTokens(ctx, id, presentedRefreshHash, accessHash, refreshHash, now)
	if err != nil {
		return nil, err
	}

	if err := s.db.GetDB().WithContext(ctx).Model(&models.UserSession{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"access_token_hash":  accessHash,
			"refresh_token_hash": refreshHash,
			"last_activity":      now,
			"is_idle":            false,
		}).Error; err != nil {
		s.logger.WithContext(ctx).Warnf("同步会话令牌失败: %v", err)
	}
	return rotated, nil
}

// Terminate 终止会话，重复调用无副作用，返回本次是否实际终止了会话
func (s *SessionStore) Terminate(ctx context.Context, id string, t Termination) (bool, error) {
	now := s.now()
	db := s.db.GetDB().WithContext(ctx)

	cached, err := s.cache.Get(ctx, id)
	if err != nil {
		return false, err
	}

	userID := uuid.Nil
	if cached != nil {
		userID = cached.UserID
	} else {
		var row models.UserSession
		if err := db.Select("user_id").Where("id = ?", id).First(&row).Error; err == nil {
			userID = row.UserID
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("查询会话记录失败: %w", err)
		}
	}

	removed, err := s.cache.Delete(ctx, id, userID)
	if err != nil {
		return false, err
	}

	rows, err := s.markTerminatedRows(ctx, db, id, t, now)
	if err != nil {
		return removed, err
	}
	return removed || rows > 0, nil
}

// TerminateAllForUser 终止用户全部会话，单个失败不影响其余会话
func (s *SessionStore) TerminateAllForUser(ctx context.Context, userID uuid.UUID, t Termination) ([]string, error) {
	ids, err := s.cache.UserSessionIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	var errs []error
	removed := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
		ok, err := s.Terminate(ctx, id, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("终止会话%s失败: %w", id, err))
			continue
		}
		if ok {
			removed = append(removed, id)
		}
	}

	// 台账中仍为活跃但缓存索引已丢失的会话
	var stale []models.UserSession
	if err := s.db.GetDB().WithContext(ctx).
		Select("id").
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&stale).Error; err != nil {
		errs = append(errs, fmt.Errorf("查询活跃会话记录失败: %w", err))
	}
	for _, row := range stale {
		if _, ok := seen[row.ID]; ok {
			continue
		}
		ok, err := s.Terminate(ctx, row.ID, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("终止会话%s失败: %w", row.ID, err))
			continue
		}
		if ok {
			removed = append(removed, row.ID)
		}
	}

	return removed, errors.Join(errs...)
}

// SweepExpired 将超过阈值未活动的会话标记为过期并清除缓存，threshold<=0时使用默认阈值
func (s *SessionStore) SweepExpired(ctx context.Context, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		threshold = s.config.SweepThreshold
	}
	now := s.now()
	cutoff := now.Add(-threshold)
	db := s.db.GetDB().WithContext(ctx)

	var candidates []models.UserSession
	if err := db.Select("id", "user_id").
		Where("is_active = ? AND last_activity < ?", true, cutoff).
		Find(&candidates).Error; err != nil {
		return 0, fmt.Errorf("查询过期会话失败: %w", err)
	}

	var swept int64
	for _, row := range candidates {
		cached, err := s.cache.Get(ctx, row.ID)
		if err != nil {
			s.logger.WithContext(ctx).Warnf("读取会话缓存失败: %v", err)
			continue
		}
		// 持久层活动时间滞后于缓存时以缓存为准
		if cached != nil && !cached.LastActivity.Before(cutoff) {
			if err := db.Model(&models.UserSession{}).Where("id = ?", row.ID).
				Update("last_activity", cached.LastActivity).Error; err != nil {
				s.logger.WithContext(ctx).Warnf("同步会话活动时间失败: %v", err)
			}
			continue
		}

		if _, err := s.cache.Delete(ctx, row.ID, row.UserID); err != nil {
			s.logger.WithContext(ctx).Warnf("删除过期会话缓存失败: %v", err)
			continue
		}
		rows, err := s.markTerminatedRows(ctx, db.Where("last_activity < ?", cutoff), row.ID, Termination{Reason: TerminationExpired, Note: "inactive"}, now)
		if err != nil {
			s.logger.WithContext(ctx).Warnf("标记过期会话失败: %v", err)
			continue
		}
		swept += rows
	}
	return swept, nil
}

// FlagIdle 在台账中标记空闲会话
func (s *SessionStore) FlagIdle(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.config.IdleTimeout)
	res := s.db.GetDB().WithContext(ctx).Model(&models.UserSession{}).
		Where("is_active = ? AND is_idle = ? AND last_activity < ?", true, false, cutoff).
		Update("is_idle", true)
	if res.Error != nil {
		return 0, fmt.Errorf("标记空闲会话失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Find 查询会话台账记录
func (s *SessionStore) Find(ctx context.Context, id string) (*models.UserSession, error) {
	var row models.UserSession
	if err := s.db.GetDB().WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("查询会话记录失败: %w", err)
	}
	return &row, nil
}

// ListForUser 列出用户会话，活跃会话以缓存中的活动时间为准
func (s *SessionStore) ListForUser(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]models.UserSession, error) {
	query := s.db.GetDB().WithContext(ctx).Where("user_id = ?", userID)
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var rows []models.UserSession
	if err := query.Order("login_time DESC").Limit(100).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询用户会话失败: %w", err)
	}

	now := s.now()
	for i := range rows {
		if !rows[i].IsActive {
			continue
		}
		cached, err := s.cache.Get(ctx, rows[i].ID)
		if err != nil || cached == nil {
			continue
		}
		rows[i].LastActivity = cached.LastActivity
		rows[i].IPAddress = cached.IPAddress
		rows[i].IsIdle = now.Sub(cached.LastActivity) > s.config.IdleTimeout
	}
	return rows, nil
}

// Stats 汇总缓存层与持久层的会话统计
func (s *SessionStore) Stats(ctx context.Context) (*SessionStats, error) {
	now := s.now()
	cacheStats, err := s.cache.Stats(ctx, s.config.IdleTimeout, now)
	if err != nil {
		return nil, err
	}

	stats := &SessionStats{
		CacheLive:   cacheStats.Live,
		CacheIdle:   cacheStats.Idle,
		CacheActive: cacheStats.Live - cacheStats.Idle,
	}

	db := s.db.GetDB().WithContext(ctx).Model(&models.UserSession{})
	if err := db.Session(&gorm.Session{}).Count(&stats.DurableTotal).Error; err != nil {
		return nil, fmt.Errorf("统计会话记录失败: %w", err)
	}
	if err := db.Session(&gorm.Session{}).Where("is_active = ?", true).Count(&stats.DurableActive).Error; err != nil {
		return nil, fmt.Errorf("统计活跃会话失败: %w", err)
	}
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if err := db.Session(&gorm.Session{}).Where("login_time >= ?", startOfDay).Count(&stats.SessionsToday).Error; err != nil {
		return nil, fmt.Errorf("统计今日会话失败: %w", err)
	}
	if err := db.Session(&gorm.Session{}).Where("is_active = ? AND warning_count > ?", true, 0).Count(&stats.SuspiciousCount).Error; err != nil {
		return nil, fmt.Errorf("统计可疑会话失败: %w", err)
	}
	return stats, nil
}

func (s *SessionStore) markTerminated(ctx context.Context, db *gorm.DB, id string, t Termination, now time.Time) error {
	_, err := s.markTerminatedRows(ctx, db, id, t, now)
	return err
}

// markTerminatedRows 仅变更仍为活跃的台账记录
func (s *SessionStore) markTerminatedRows(ctx context.Context, db *gorm.DB, id string, t Termination, now time.Time) (int64, error) {
	updates := map[string]interface{}{
		"is_active":   false,
		"status":      t.Reason.status(),
		"logout_time": now,
	}
	if t.ActorID != nil {
		updates["forced_logout_by"] = *t.ActorID
	}
	if t.Note != "" && t.Reason == TerminationForced {
		updates["forced_logout_reason"] = t.Note
	}

	res := db.WithContext(ctx).Model(&models.UserSession{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(updates)
	if res.Error != nil {
		return 0, fmt.Errorf("更新会话记录失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}
