package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/cloud-platform/identity-core/shared/auth"
	"github.com/cloud-platform/identity-core/shared/database"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/models"
)

type sessionFixture struct {
	db    *database.PostgresDB
	mr    *miniredis.Miniredis
	store *SessionStore
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	db := newTestDB(t)
	mr, client := newTestRedis(t)
	cache := NewSessionCache(client, "test", 24*time.Hour)
	store := NewSessionStore(db, cache, SessionStoreConfig{
		IdleTimeout:          15 * time.Minute,
		SweepThreshold:       24 * time.Hour,
		TouchPersistInterval: time.Minute,
	}, logger.NewNopLogger())
	return &sessionFixture{db: db, mr: mr, store: store}
}

func (f *sessionFixture) create(t *testing.T, userID uuid.UUID) *NewSession {
	t.Helper()
	id, err := NewSessionID()
	require.NoError(t, err)
	in := &NewSession{
		ID:               id,
		UserID:           userID,
		Role:             "DEVELOPER",
		AccessTokenHash:  auth.HashToken("access-" + id),
		RefreshTokenHash: auth.HashToken("refresh-" + id),
		IPAddress:        publicIP,
		UserAgent:        "test-agent",
		DeviceInfo:       map[string]interface{}{"device_class": "desktop"},
	}
	_, err = f.store.Create(context.Background(), in)
	require.NoError(t, err)
	return in
}

func (f *sessionFixture) row(t *testing.T, id string) models.UserSession {
	t.Helper()
	var row models.UserSession
	require.NoError(t, f.db.GetDB().Where("id = ?", id).First(&row).Error)
	return row
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	in := f.create(t, userID)

	cached, err := f.store.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, userID, cached.UserID)
	assert.Equal(t, in.RefreshTokenHash, cached.RefreshTokenHash)
	assert.False(t, cached.IsIdle)

	row := f.row(t, in.ID)
	assert.True(t, row.IsActive)
	assert.Equal(t, models.SessionStatusActive, row.Status)
	assert.Equal(t, "desktop", row.DeviceInfo["device_class"])

	t.Run("空闲状态按读取时间计算", func(t *testing.T) {
		f.store.now = func() time.Time { return time.Now().UTC().Add(20 * time.Minute) }
		defer func() { f.store.now = func() time.Time { return time.Now().UTC() } }()
		cached, err := f.store.Get(ctx, in.ID)
		require.NoError(t, err)
		assert.True(t, cached.IsIdle)
	})

	t.Run("缓存过期后同步台账", func(t *testing.T) {
		f.mr.FastForward(25 * time.Hour)
		_, err := f.store.Get(ctx, in.ID)
		assert.ErrorIs(t, err, ErrSessionNotFound)

		row := f.row(t, in.ID)
		assert.False(t, row.IsActive)
		assert.Equal(t, models.SessionStatusExpired, row.Status)
	})

	t.Run("不存在的会话", func(t *testing.T) {
		_, err := f.store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = f.store.Find(ctx, "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestSessionStore_CreateCacheFailure(t *testing.T) {
	f := newSessionFixture(t)
	f.mr.Close()

	id, err := NewSessionID()
	require.NoError(t, err)
	_, err = f.store.Create(context.Background(), &NewSession{ID: id, UserID: uuid.New(), IPAddress: publicIP})
	require.Error(t, err)

	row := f.row(t, id)
	assert.False(t, row.IsActive)
	assert.Equal(t, models.SessionStatusExpired, row.Status)
}

func TestSessionStore_Touch(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	in := f.create(t, uuid.New())
	before := f.row(t, in.ID).LastActivity

	t.Run("间隔内只更新缓存", func(t *testing.T) {
		result, err := f.store.Touch(ctx, in.ID, RequestMeta{IPAddress: publicIP})
		require.NoError(t, err)
		assert.False(t, result.IPChanged)
		assert.True(t, f.row(t, in.ID).LastActivity.Equal(before))
	})

	t.Run("超过间隔后同步台账", func(t *testing.T) {
		later := time.Now().UTC().Add(2 * time.Minute)
		f.store.now = func() time.Time { return later }
		defer func() { f.store.now = func() time.Time { return time.Now().UTC() } }()

		_, err := f.store.Touch(ctx, in.ID, RequestMeta{IPAddress: publicIP})
		require.NoError(t, err)
		assert.True(t, f.row(t, in.ID).LastActivity.After(before))
	})

	t.Run("来源地址变化计入告警", func(t *testing.T) {
		result, err := f.store.Touch(ctx, in.ID, RequestMeta{IPAddress: "198.51.100.20"})
		require.NoError(t, err)
		assert.True(t, result.IPChanged)
		assert.Equal(t, publicIP, result.PreviousIP)
		assert.Equal(t, 1, result.WarningCount)

		row := f.row(t, in.ID)
		assert.Equal(t, "198.51.100.20", row.IPAddress)
		assert.Equal(t, 1, row.WarningCount)

		stats, err := f.store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.SuspiciousCount)
	})

	t.Run("已终止的会话", func(t *testing.T) {
		_, err := f.store.Terminate(ctx, in.ID, Termination{Reason: TerminationLogout})
		require.NoError(t, err)
		_, err = f.store.Touch(ctx, in.ID, RequestMeta{IPAddress: publicIP})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestSessionStore_RotateTokens(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	in := f.create(t, uuid.New())

	t.Run("刷新令牌不匹配", func(t *testing.T) {
		_, err := f.store.RotateTokens(ctx, in.ID, auth.HashToken("stale"), "a", "b")
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("并发轮换只有一方成功", func(t *testing.T) {
		const racers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			failures  int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				suffix := uuid.NewString()
				_, err := f.store.RotateTokens(ctx, in.ID, in.RefreshTokenHash, auth.HashToken("a"+suffix), auth.HashToken("r"+suffix))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, ErrTokenInvalid):
					failures++
				default:
					t.Errorf("意外错误: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, racers-1, failures)

		cached, err := f.store.Get(ctx, in.ID)
		require.NoError(t, err)
		assert.NotEqual(t, in.RefreshTokenHash, cached.RefreshTokenHash)
		assert.Equal(t, cached.RefreshTokenHash, f.row(t, in.ID).RefreshTokenHash)
	})

	t.Run("会话不存在", func(t *testing.T) {
		_, err := f.store.RotateTokens(ctx, "missing", "x", "a", "b")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestSessionStore_TouchDuringRotation(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	t.Run("读写之间发生轮换时不回写旧令牌", func(t *testing.T) {
		in := f.create(t, uuid.New())
		newAccess, newRefresh := auth.HashToken("access-next"), auth.HashToken("refresh-next")

		rotated := false
		_, err := f.store.cache.Touch(ctx, in.ID, func(cur *CachedSession) {
			if !rotated {
				rotated = true
				_, err := f.store.RotateTokens(ctx, in.ID, in.RefreshTokenHash, newAccess, newRefresh)
				require.NoError(t, err)
			}
			cur.LastActivity = time.Now().UTC()
		})
		require.NoError(t, err)

		cached, err := f.store.Get(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, newRefresh, cached.RefreshTokenHash)
		assert.Equal(t, newAccess, cached.AccessTokenHash)

		_, err = f.store.RotateTokens(ctx, in.ID, in.RefreshTokenHash, "a", "b")
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("并发活动刷新不影响轮换", func(t *testing.T) {
		const sessions = 40
		created := make([]*NewSession, 0, sessions)
		for i := 0; i < sessions; i++ {
			created = append(created, f.create(t, uuid.New()))
		}

		var wg sync.WaitGroup
		nextRefresh := make([]string, sessions)
		rotateErrs := make([]error, sessions)
		for i, in := range created {
			nextRefresh[i] = auth.HashToken("refresh-" + uuid.NewString())
			wg.Add(2)
			go func(i int, in *NewSession) {
				defer wg.Done()
				_, rotateErrs[i] = f.store.RotateTokens(ctx, in.ID, in.RefreshTokenHash, auth.HashToken(uuid.NewString()), nextRefresh[i])
			}(i, in)
			go func(in *NewSession) {
				defer wg.Done()
				_, err := f.store.Touch(ctx, in.ID, RequestMeta{IPAddress: publicIP})
				assert.NoError(t, err)
			}(in)
		}
		wg.Wait()

		for i, in := range created {
			require.NoError(t, rotateErrs[i])
			cached, err := f.store.Get(ctx, in.ID)
			require.NoError(t, err)
			assert.Equal(t, nextRefresh[i], cached.RefreshTokenHash)

			_, err = f.store.RotateTokens(ctx, in.ID, in.RefreshTokenHash, "a", "b")
			assert.ErrorIs(t, err, ErrTokenInvalid)
		}
	})
}

func TestSessionStore_Terminate(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	t.Run("重复终止无副作用", func(t *testing.T) {
		in := f.create(t, userID)
		ok, err := f.store.Terminate(ctx, in.ID, Termination{Reason: TerminationLogout})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = f.store.Terminate(ctx, in.ID, Termination{Reason: TerminationForced})
		require.NoError(t, err)
		assert.False(t, ok)

		row := f.row(t, in.ID)
		assert.Equal(t, models.SessionStatusEnded, row.Status)
		assert.NotNil(t, row.LogoutTime)
	})

	t.Run("不存在的会话", func(t *testing.T) {
		ok, err := f.store.Terminate(ctx, "missing", Termination{Reason: TerminationLogout})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("强制下线全部会话", func(t *testing.T) {
		target := uuid.New()
		actor := uuid.New()
		a := f.create(t, target)
		b := f.create(t, target)
		c := f.create(t, target)
		other := f.create(t, uuid.New())

		// 缓存条目与用户索引都已丢失的会话依然会被终止
		f.mr.Del("test:session:" + c.ID)
		_, err := f.mr.SRem("test:user_sessions:"+target.String(), c.ID)
		require.NoError(t, err)

		removed, err := f.store.TerminateAllForUser(ctx, target, Termination{Reason: TerminationForced, ActorID: &actor, Note: "账号泄露"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.ID, b.ID, c.ID}, removed)

		row := f.row(t, a.ID)
		assert.Equal(t, models.SessionStatusForcedLogout, row.Status)
		require.NotNil(t, row.ForcedLogoutBy)
		assert.Equal(t, actor, *row.ForcedLogoutBy)
		assert.Equal(t, "账号泄露", row.ForcedLogoutReason)

		again, err := f.store.TerminateAllForUser(ctx, target, Termination{Reason: TerminationForced, ActorID: &actor})
		require.NoError(t, err)
		assert.Empty(t, again)

		_, err = f.store.Get(ctx, other.ID)
		assert.NoError(t, err)
	})
}

func TestSessionStore_SweepAndIdle(t *testing.T) {
	f := newSessionFixture(t)
	f.store.config.TouchPersistInterval = time.Hour
	ctx := context.Background()

	stale := f.create(t, uuid.New())
	recent := f.create(t, uuid.New())

	base := time.Now().UTC()
	f.store.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err := f.store.Touch(ctx, recent.ID, RequestMeta{IPAddress: publicIP})
	require.NoError(t, err)

	// recent的台账活动时间滞后，但缓存显示仍在活动
	swept, err := f.store.SweepExpired(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	assert.Equal(t, models.SessionStatusExpired, f.row(t, stale.ID).Status)
	_, err = f.store.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	recentRow := f.row(t, recent.ID)
	assert.True(t, recentRow.IsActive)
	assert.True(t, recentRow.LastActivity.After(base))

	t.Run("再次清扫没有新的过期会话", func(t *testing.T) {
		swept, err := f.store.SweepExpired(ctx, time.Minute)
		require.NoError(t, err)
		assert.Zero(t, swept)
	})

	t.Run("标记空闲会话", func(t *testing.T) {
		f.store.now = func() time.Time { return base.Add(30 * time.Minute) }
		flagged, err := f.store.FlagIdle(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), flagged)
		assert.True(t, f.row(t, recent.ID).IsIdle)

		sessions, err := f.store.ListForUser(ctx, recent.UserID, true)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.True(t, sessions[0].IsIdle)
	})
}

func TestSessionStore_SweepActivitySyncFailure(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	f.store.logger = logger.NewFromZap(zap.New(core))

	live := f.create(t, uuid.New())
	base := time.Now().UTC()
	f.store.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err := f.store.Touch(ctx, live.ID, RequestMeta{IPAddress: publicIP})
	require.NoError(t, err)
	require.NoError(t, f.db.GetDB().Model(&models.UserSession{}).Where("id = ?", live.ID).
		UpdateColumn("last_activity", base).Error)

	require.NoError(t, f.db.GetDB().Callback().Update().Before("gorm:update").
		Register("test:fail_activity_sync", func(tx *gorm.DB) {
			if tx.Statement.Table == "user_sessions" {
				_ = tx.AddError(errors.New("database is locked"))
			}
		}))

	swept, err := f.store.SweepExpired(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, swept)
	assert.True(t, f.row(t, live.ID).IsActive)

	warnings := logs.FilterMessageSnippet("同步会话活动时间失败")
	require.Equal(t, 1, warnings.Len())
	assert.Contains(t, warnings.All()[0].Message, "database is locked")
}

func TestSessionStore_Stats(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	first := f.create(t, userID)
	f.create(t, userID)
	f.create(t, uuid.New())

	_, err := f.store.Terminate(ctx, first.ID, Termination{Reason: TerminationLogout})
	require.NoError(t, err)

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.CacheLive)
	assert.Equal(t, int64(0), stats.CacheIdle)
	assert.Equal(t, int64(2), stats.CacheActive)
	assert.Equal(t, int64(2), stats.DurableActive)
	assert.Equal(t, int64(3), stats.DurableTotal)
	assert.Equal(t, int64(3), stats.SessionsToday)

	all, err := f.store.ListForUser(ctx, userID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := f.store.ListForUser(ctx, userID, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
