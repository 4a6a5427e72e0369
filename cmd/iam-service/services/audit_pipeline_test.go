package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/models"
)

// flakySink 可控失败的审计存储
type flakySink struct {
	mu      sync.Mutex
	batches [][]models.AuditLog
	fail    bool
}

func (s *flakySink) Persist(_ context.Context, entries []models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("database unavailable")
	}
	s.batches = append(s.batches, entries)
	return nil
}

func (s *flakySink) persisted() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

// MockAlerter 告警通道模拟
type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) Alert(ctx context.Context, entry models.AuditLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func TestClassifySeverity(t *testing.T) {
	tests := []struct {
		name      string
		eventType models.AuditEventType
		success   bool
		expected  models.AuditSeverity
	}{
		{"可疑活动始终为严重", models.EventSuspiciousActivity, true, models.SeverityCritical},
		{"限流为严重", models.EventRateLimitExceeded, false, models.SeverityCritical},
		{"失败的登录为错误", models.EventLoginFailed, false, models.SeverityError},
		{"失败的普通事件为错误", models.EventDataViewed, false, models.SeverityError},
		{"成功的绕过为警告", models.EventMFABypassed, true, models.SeverityWarning},
		{"成功的登录为信息", models.EventLoginSuccess, true, models.SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifySeverity(tt.eventType, tt.success))
		})
	}
}

func TestAuditPipeline_SeverityOverride(t *testing.T) {
	sink := &flakySink{}
	p := NewAuditPipeline(sink, nil, nil, AuditPipelineConfig{}, logger.NewNopLogger())

	// 调用方只能提高级别
	p.Record(AuditEvent{EventType: models.EventLogout, Severity: models.SeverityWarning, Success: true})
	p.Record(AuditEvent{EventType: models.EventLoginFailed, Severity: models.SeverityInfo, Success: false})
	require.NoError(t, p.Flush(context.Background()))

	entries := sink.persisted()
	require.Len(t, entries, 2)
	assert.Equal(t, models.SeverityWarning, entries[0].Severity)
	assert.Equal(t, models.SeverityError, entries[1].Severity)
	assert.False(t, entries[0].OccurredAt.IsZero())
	assert.NotEqual(t, uuid.Nil, entries[0].ID)
}

func TestAuditPipeline_FlushRetainsFailedBatches(t *testing.T) {
	sink := &flakySink{fail: true}
	p := NewAuditPipeline(sink, nil, nil, AuditPipelineConfig{BatchSize: 2, MaxQueueSize: 100}, logger.NewNopLogger())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		p.Record(AuditEvent{EventType: models.EventDataViewed, Identifier: id, Success: true})
	}

	require.Error(t, p.Flush(ctx))
	assert.Equal(t, 3, p.Pending())

	sink.fail = false
	require.NoError(t, p.Flush(ctx))
	assert.Zero(t, p.Pending())

	entries := sink.persisted()
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Identifier)
	assert.Equal(t, "b", entries[1].Identifier)
	assert.Equal(t, "c", entries[2].Identifier)
	assert.Len(t, sink.batches, 2)
}

func TestAuditPipeline_Overflow(t *testing.T) {
	sink := &flakySink{}
	p := NewAuditPipeline(sink, nil, nil, AuditPipelineConfig{BatchSize: 100, MaxQueueSize: 3}, logger.NewNopLogger())

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		p.Record(AuditEvent{EventType: models.EventDataViewed, Identifier: id, Success: true})
	}
	assert.Equal(t, 3, p.Pending())
	assert.Equal(t, int64(2), p.Dropped())

	require.NoError(t, p.Flush(context.Background()))
	entries := sink.persisted()
	require.Len(t, entries, 3)
	assert.Equal(t, "3", entries[0].Identifier)
}

func TestAuditPipeline_BackgroundFlush(t *testing.T) {
	sink := &flakySink{}
	p := NewAuditPipeline(sink, nil, nil, AuditPipelineConfig{BatchSize: 2, FlushInterval: time.Hour}, logger.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	t.Run("批次写满立即刷新", func(t *testing.T) {
		p.Record(AuditEvent{EventType: models.EventLoginSuccess, Success: true})
		p.Record(AuditEvent{EventType: models.EventLoginSuccess, Success: true})
		assert.Eventually(t, func() bool { return len(sink.persisted()) == 2 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("关闭时写出剩余事件", func(t *testing.T) {
		p.Record(AuditEvent{EventType: models.EventLogout, Success: true})
		require.NoError(t, p.Close(context.Background()))
		assert.Len(t, sink.persisted(), 3)
		assert.NoError(t, p.Close(context.Background()))
	})
}

func TestAuditPipeline_CriticalAlerts(t *testing.T) {
	sink := &flakySink{}
	alerter := &MockAlerter{}
	failing := &MockAlerter{}
	userID := uuid.New()

	alerter.On("Alert", mock.Anything, mock.MatchedBy(func(e models.AuditLog) bool {
		return e.EventType == models.EventSuspiciousActivity && e.Severity == models.SeverityCritical && *e.UserID == userID
	})).Return(nil).Once()
	failing.On("Alert", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

	p := NewAuditPipeline(sink, nil, []Alerter{alerter, failing}, AuditPipelineConfig{}, logger.NewNopLogger())
	p.Record(AuditEvent{EventType: models.EventSuspiciousActivity, UserID: &userID, Success: true})
	p.Record(AuditEvent{EventType: models.EventLoginSuccess, UserID: &userID, Success: true})

	require.NoError(t, p.Close(context.Background()))
	alerter.AssertExpectations(t)
	failing.AssertExpectations(t)

	// 告警失败不影响事件落盘
	assert.Len(t, sink.persisted(), 2)
}

func TestAnalyzeEvents(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	entry := func(eventType models.AuditEventType, hour int, ip string) models.AuditLog {
		return models.AuditLog{ID: uuid.New(), EventType: eventType, OccurredAt: day.Add(time.Duration(hour) * time.Hour), IPAddress: ip}
	}

	t.Run("正常行为", func(t *testing.T) {
		report := analyzeEvents([]models.AuditLog{
			entry(models.EventLoginSuccess, 10, "203.0.113.1"),
			entry(models.EventLoginFailed, 11, "203.0.113.1"),
		})
		assert.False(t, report.Suspicious())
		assert.Equal(t, 1, report.FailedLogins)
		assert.Equal(t, 1, report.DistinctIPs)
	})

	t.Run("多项异常", func(t *testing.T) {
		var entries []models.AuditLog
		for i := 0; i < 6; i++ {
			entries = append(entries, entry(models.EventLoginFailed, 23, "203.0.113."+string(rune('1'+i%4))))
		}
		for i := 0; i < 11; i++ {
			entries = append(entries, entry(models.EventAccessDenied, 2, "203.0.113.1"))
		}

		report := analyzeEvents(entries)
		assert.ElementsMatch(t, []string{
			"excessive_failed_logins:6",
			"excessive_access_denied:11",
			"multiple_ip_addresses:4",
			"off_hours_activity",
		}, report.Anomalies)
		assert.InDelta(t, 1.0, report.OffHoursRatio, 0.0001)
	})

	t.Run("阈值边界不触发", func(t *testing.T) {
		var entries []models.AuditLog
		for i := 0; i < 5; i++ {
			entries = append(entries, entry(models.EventLoginFailed, 12, "203.0.113.1"))
		}
		entries = append(entries, entry(models.EventLoginSuccess, 23, "203.0.113.2"))
		report := analyzeEvents(entries)
		assert.Empty(t, report.Anomalies)
	})
}
