package services

import (
	"context"
	"sync"
	"time"

	"github.com/cloud-platform/identity-core/shared/logger"
)

// MaintenanceConfig 后台维护任务配置
type MaintenanceConfig struct {
	SweepInterval    time.Duration
	SweepThreshold   time.Duration
	MFACleanInterval time.Duration
	AuditInterval    time.Duration
	RetentionDays    int
}

// MaintenanceRunner 周期执行会话清扫、MFA会话清理和审计保留
type MaintenanceRunner struct {
	sessions *SessionStore
	mfa      *MFAService
	audit    *AuditPipeline
	config   MaintenanceConfig
	logger   logger.Logger
	wg       sync.WaitGroup
}

// NewMaintenanceRunner 创建维护任务
func NewMaintenanceRunner(sessions *SessionStore, mfa *MFAService, audit *AuditPipeline, config MaintenanceConfig, log logger.Logger) *MaintenanceRunner {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 10 * time.Minute
	}
	if config.SweepThreshold <= 0 {
		config.SweepThreshold = 24 * time.Hour
	}
	if config.MFACleanInterval <= 0 {
		config.MFACleanInterval = time.Hour
	}
	if config.AuditInterval <= 0 {
		config.AuditInterval = 24 * time.Hour
	}
	return &MaintenanceRunner{
		sessions: sessions,
		mfa:      mfa,
		audit:    audit,
		config:   config,
		logger:   log,
	}
}

// Start 启动全部周期任务，ctx取消后退出
func (m *MaintenanceRunner) Start(ctx context.Context) {
	if m.sessions != nil {
		m.every(ctx, m.config.SweepInterval, m.SweepSessions)
	}
	if m.mfa != nil {
		m.every(ctx, m.config.MFACleanInterval, m.CleanMFASessions)
	}
	if m.audit != nil {
		m.every(ctx, m.config.AuditInterval, m.EnforceRetention)
	}
}

// Wait 等待全部任务退出
func (m *MaintenanceRunner) Wait() {
	m.wg.Wait()
}

func (m *MaintenanceRunner) every(ctx context.Context, interval time.Duration, task func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task(ctx)
			}
		}
	}()
}

// SweepSessions 过期会话清扫并标记空闲会话
func (m *MaintenanceRunner) SweepSessions(ctx context.Context) {
	swept, err := m.sessions.SweepExpired(ctx, m.config.SweepThreshold)
	if err != nil {
		m.logger.Errorf("清扫过期会话失败: %v", err)
	} else if swept > 0 {
		m.logger.Infof("已清扫过期会话: %d", swept)
	}

	if _, err := m.sessions.FlagIdle(ctx); err != nil {
		m.logger.Warnf("标记空闲会话失败: %v", err)
	}
}

// CleanMFASessions 清理过期的MFA挑战
func (m *MaintenanceRunner) CleanMFASessions(ctx context.Context) {
	n, err := m.mfa.CleanupExpiredSessions(ctx)
	if err != nil {
		m.logger.Errorf("清理MFA会话失败: %v", err)
		return
	}
	if n > 0 {
		m.logger.Debugf("已清理MFA会话: %d", n)
	}
}

// EnforceRetention 删除超过保留期的审计记录
func (m *MaintenanceRunner) EnforceRetention(ctx context.Context) {
	n, err := m.audit.Cleanup(ctx, m.config.RetentionDays)
	if err != nil {
		m.logger.Errorf("清理审计记录失败: %v", err)
		return
	}
	if n > 0 {
		m.logger.Infof("已清理审计记录: %d", n)
	}
}
