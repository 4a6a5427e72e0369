package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/models"
)

func TestMaintenanceRunner_SweepSessions(t *testing.T) {
	f := newSessionFixture(t)
	stale := f.create(t, uuid.New())

	base := time.Now().UTC()
	f.store.now = func() time.Time { return base.Add(2 * time.Minute) }

	runner := NewMaintenanceRunner(f.store, nil, nil, MaintenanceConfig{SweepThreshold: time.Minute}, logger.NewNopLogger())
	runner.SweepSessions(context.Background())

	assert.Equal(t, models.SessionStatusExpired, f.row(t, stale.ID).Status)
	_, err := f.store.Get(context.Background(), stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMaintenanceRunner_Start(t *testing.T) {
	f := newSessionFixture(t)
	stale := f.create(t, uuid.New())

	base := time.Now().UTC()
	f.store.now = func() time.Time { return base.Add(time.Hour) }

	runner := NewMaintenanceRunner(f.store, nil, nil, MaintenanceConfig{
		SweepInterval:  10 * time.Millisecond,
		SweepThreshold: time.Minute,
	}, logger.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)

	assert.Eventually(t, func() bool {
		return f.row(t, stale.ID).Status == models.SessionStatusExpired
	}, 2*time.Second, 20*time.Millisecond)

	t.Run("取消后全部任务退出", func(t *testing.T) {
		cancel()
		done := make(chan struct{})
		go func() {
			runner.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("维护任务未退出")
		}
	})
}

func TestMaintenanceRunner_CleanupTasks(t *testing.T) {
	f := newMFAFixture(t, MFAPolicyConfig{})
	ctx := context.Background()

	expired := models.MFASession{
		Token:     "expired-login-token",
		UserID:    uuid.New(),
		Purpose:   models.MFAPurposeLogin,
		Status:    models.MFASessionPending,
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.db.GetDB().Create(&expired).Error)

	runner := NewMaintenanceRunner(nil, f.svc, nil, MaintenanceConfig{}, logger.NewNopLogger())
	runner.CleanMFASessions(ctx)

	var count int64
	require.NoError(t, f.db.GetDB().Model(&models.MFASession{}).Count(&count).Error)
	assert.Zero(t, count)
}
