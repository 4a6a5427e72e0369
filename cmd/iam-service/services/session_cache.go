package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	sessionScanBatch = 200
	sessionTxRetries = 16
)

// CachedSession 缓存层中的活跃会话
type CachedSession struct {
	SessionID        string    `json:"sessionId"`
	UserID           uuid.UUID `json:"userId"`
	TenantID         string    `json:"tenantId,omitempty"`
	Role             string    `json:"role"`
	AccessTokenHash  string    `json:"accessTokenHash"`
	RefreshTokenHash string    `json:"refreshTokenHash"`
	LoginTime        time.Time `json:"loginTime"`
	LastActivity     time.Time `json:"lastActivity"`
	LastPersisted    time.Time `json:"lastPersisted"`
	IPAddress        string    `json:"ipAddress"`
	UserAgent        string    `json:"userAgent"`
	IsIdle           bool      `json:"isIdle"`
}

// SessionCache Redis会话缓存，条目带TTL，按用户维护会话ID索引
type SessionCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewSessionCache 创建会话缓存
func NewSessionCache(client *redis.Client, prefix string, ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *SessionCache) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", c.prefix, id)
}

func (c *SessionCache) userKey(userID uuid.UUID) string {
	return fmt.Sprintf("%s:user_sessions:%s", c.prefix, userID)
}

// TTL 缓存有效期
func (c *SessionCache) TTL() time.Duration {
	return c.ttl
}

// Put 写入会话并加入用户索引
func (c *SessionCache) Put(ctx context.Context, s *CachedSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.sessionKey(s.SessionID), data, c.ttl)
		pipe.SAdd(ctx, c.userKey(s.UserID), s.SessionID)
		pipe.Expire(ctx, c.userKey(s.UserID), c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入会话缓存失败: %w", err)
	}
	return nil
}

// Get 读取会话，不存在时返回nil
func (c *SessionCache) Get(ctx context.Context, id string) (*CachedSession, error) {
	data, err := c.client.Get(ctx, c.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取会话缓存失败: %w", err)
	}

	var s CachedSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("解析会话缓存失败: %w", err)
	}
	return &s, nil
}

// Touch 在乐观事务中只修改活动字段并刷新TTL，令牌字段保持事务内读到的值，会话已不存在时返回ErrSessionNotFound
func (c *SessionCache) Touch(ctx context.Context, id string, apply func(s *CachedSession)) (*CachedSession, error) {
	touched, err := c.update(ctx, id, func(s *CachedSession) error {
		access, refresh := s.AccessTokenHash, s.RefreshTokenHash
		apply(s)
		s.AccessTokenHash, s.RefreshTokenHash = access, refresh
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("刷新会话缓存失败: %w", err)
	}
	return touched, nil
}

// Delete 删除会话并移出用户索引，返回会话条目是否存在
func (c *SessionCache) Delete(ctx context.Context, id string, userID uuid.UUID) (bool, error) {
	var del *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, c.sessionKey(id))
		if userID != uuid.Nil {
			pipe.SRem(ctx, c.userKey(userID), id)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("删除会话缓存失败: %w", err)
	}
	return del.Val() > 0, nil
}

// UserSessionIDs 用户索引中的会话ID，可能包含已过期的条目
func (c *SessionCache) UserSessionIDs(ctx context.Context, userID uuid.UUID) ([]string, error) {
	ids, err := c.client.SMembers(ctx, c.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取用户会话索引失败: %w", err)
	}
	return ids, nil
}

// RotateTokens 乐观事务轮换令牌哈希，仅持有当前刷新令牌的一方能成功
func (c *SessionCache) RotateTokens(ctx context.Context, id, expectedRefreshHash, accessHash, refreshHash string, now time.Time) (*CachedSession, error) {
	rotated, err := c.update(ctx, id, func(s *CachedSession) error {
		if s.RefreshTokenHash != expectedRefreshHash {
			return ErrTokenInvalid
		}
		s.AccessTokenHash = accessHash
		s.RefreshTokenHash = refreshHash
		s.LastActivity = now
		s.IsIdle = false
		return nil
	})

	switch {
	case err == nil:
		return rotated, nil
	case errors.Is(err, redis.TxFailedErr):
		return nil, ErrTokenInvalid
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrTokenInvalid):
		return nil, err
	default:
		return nil, fmt.Errorf("轮换会话令牌失败: %w", err)
	}
}

// update 监视会话键读改写，键在提交前被改动时重读重试
func (c *SessionCache) update(ctx context.Context, id string, mutate func(s *CachedSession) error) (*CachedSession, error) {
	key := c.sessionKey(id)
	var updated *CachedSession

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return err
		}

		var s CachedSession
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("解析会话缓存失败: %w", err)
		}
		if err := mutate(&s); err != nil {
			return err
		}
		raw, err := json.Marshal(&s)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, c.ttl)
			pipe.Expire(ctx, c.userKey(s.UserID), c.ttl)
			return nil
		})
		if err == nil {
			updated = &s
		}
		return err
	}

	var err error
	for i := 0; i < sessionTxRetries; i++ {
		err = c.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CacheStats 缓存层会话统计
type CacheStats struct {
	Live int64
	Idle int64
}

// Stats 扫描全部会话条目统计在线与空闲数量
func (c *SessionCache) Stats(ctx context.Context, idleAfter time.Duration, now time.Time) (*CacheStats, error) {
	stats := &CacheStats{}
	pattern := c.sessionKey("*")

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, sessionScanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("扫描会话缓存失败: %w", err)
		}

		if len(keys) > 0 {
			values, err := c.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("批量读取会话缓存失败: %w", err)
			}
			for _, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				var s CachedSession
				if json.Unmarshal([]byte(raw), &s) != nil {
					continue
				}
				stats.Live++
				if s.IsIdle || now.Sub(s.LastActivity) > idleAfter {
					stats.Idle++
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stats, nil
}
