package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-platform/identity-core/shared/models"
)

// 异常检测阈值
const (
	anomalyFailedLogins  = 5
	anomalyAccessDenied  = 10
	anomalyDistinctIPs   = 3
	anomalyOffHoursRatio = 0.5
	offHoursStart        = 22
	offHoursEnd          = 6
	defaultRetentionDays = 90
)

// AnomalyReport 用户行为异常检测结果
type AnomalyReport struct {
	UserID        uuid.UUID `json:"userId"`
	WindowStart   time.Time `json:"windowStart"`
	WindowEnd     time.Time `json:"windowEnd"`
	TotalEvents   int       `json:"totalEvents"`
	FailedLogins  int       `json:"failedLogins"`
	AccessDenied  int       `json:"accessDenied"`
	DistinctIPs   int       `json:"distinctIps"`
	OffHoursRatio float64   `json:"offHoursRatio"`
	Anomalies     []string  `json:"anomalies"`
}

// Suspicious 是否存在异常
func (r *AnomalyReport) Suspicious() bool {
	return len(r.Anomalies) > 0
}

// Search 检索审计记录
func (p *AuditPipeline) Search(ctx context.Context, filter AuditFilter) ([]models.AuditLog, int64, error) {
	if p.repository == nil {
		return nil, 0, ErrAuditQueryUnavailable
	}
	return p.repository.Search(ctx, filter)
}

// Statistics 审计统计
func (p *AuditPipeline) Statistics(ctx context.Context, filter AuditStatsFilter) (*AuditStatistics, error) {
	if p.repository == nil {
		return nil, ErrAuditQueryUnavailable
	}
	return p.repository.Statistics(ctx, filter)
}

// Cleanup 删除超过保留期的审计记录
func (p *AuditPipeline) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if p.repository == nil {
		return 0, ErrAuditQueryUnavailable
	}
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	before := p.now().AddDate(0, 0, -retentionDays)
	deleted, err := p.repository.Cleanup(ctx, before)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		p.logger.WithField("deleted", deleted).Info("已清理过期审计记录")
	}
	return deleted, nil
}

// DetectAnomalies 检测用户近期行为异常，包含尚未落盘的事件
func (p *AuditPipeline) DetectAnomalies(ctx context.Context, userID uuid.UUID, window time.Duration) (*AnomalyReport, error) {
	if p.repository == nil {
		return nil, ErrAuditQueryUnavailable
	}
	if window <= 0 {
		window = p.config.AnomalyWindow
	}
	end := p.now()
	start := end.Add(-window)

	// 先取内存中的事件，再查库，按ID去重
	pending := p.pendingForUser(userID, start)
	persisted, err := p.repository.EventsForUser(ctx, userID, start)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(pending)+len(persisted))
	entries := make([]models.AuditLog, 0, len(pending)+len(persisted))
	for _, list := range [][]models.AuditLog{persisted, pending} {
		for _, e := range list {
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
			entries = append(entries, e)
		}
	}

	report := analyzeEvents(entries)
	report.UserID = userID
	report.WindowStart = start
	report.WindowEnd = end

	if report.Suspicious() && p.claimAnomalyAlert(ctx, userID, report.Anomalies, window) {
		uid := userID
		p.Record(AuditEvent{
			EventType: models.EventSuspiciousActivity,
			UserID:    &uid,
			Resource:  "user_behavior",
			Action:    "anomaly_detected",
			Success:   true,
			Metadata: map[string]interface{}{
				"anomalies":       report.Anomalies,
				"failed_logins":   report.FailedLogins,
				"access_denied":   report.AccessDenied,
				"distinct_ips":    report.DistinctIPs,
				"off_hours_ratio": report.OffHoursRatio,
				"window":          window.String(),
			},
		})
	}
	return report, nil
}

// claimAnomalyAlert 去重失败时仍然上报
func (p *AuditPipeline) claimAnomalyAlert(ctx context.Context, userID uuid.UUID, anomalies []string, window time.Duration) bool {
	ok, err := p.repository.ClaimAnomalyAlert(ctx, userID, anomalies, window)
	if err != nil {
		p.logger.WithContext(ctx).Warnf("异常告警去重失败: %v", err)
		return true
	}
	return ok
}

func (p *AuditPipeline) pendingForUser(userID uuid.UUID, since time.Time) []models.AuditLog {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []models.AuditLog
	for _, e := range p.queue {
		if e.UserID != nil && *e.UserID == userID && !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

func analyzeEvents(entries []models.AuditLog) *AnomalyReport {
	report := &AnomalyReport{Anomalies: []string{}}
	ips := make(map[string]struct{})
	offHours := 0

	for _, e := range entries {
		report.TotalEvents++
		switch e.EventType {
		case models.EventLoginFailed:
			report.FailedLogins++
		case models.EventAccessDenied:
			report.AccessDenied++
		}
		if e.IPAddress != "" {
			ips[e.IPAddress] = struct{}{}
		}
		if hour := e.OccurredAt.UTC().Hour(); hour >= offHoursStart || hour < offHoursEnd {
			offHours++
		}
	}
	report.DistinctIPs = len(ips)
	if report.TotalEvents > 0 {
		report.OffHoursRatio = float64(offHours) / float64(report.TotalEvents)
	}

	if report.FailedLogins > anomalyFailedLogins {
		report.Anomalies = append(report.Anomalies, fmt.Sprintf("excessive_failed_logins:%d", report.FailedLogins))
	}
	if report.AccessDenied > anomalyAccessDenied {
		report.Anomalies = append(report.Anomalies, fmt.Sprintf("excessive_access_denied:%d", report.AccessDenied))
	}
	if report.DistinctIPs > anomalyDistinctIPs {
		report.Anomalies = append(report.Anomalies, fmt.Sprintf("multiple_ip_addresses:%d", report.DistinctIPs))
	}
	if report.OffHoursRatio > anomalyOffHoursRatio {
		report.Anomalies = append(report.Anomalies, "off_hours_activity")
	}
	return report
}
