package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/models"
)

// AuditEvent 待记录的审计事件
type AuditEvent struct {
	EventType    models.AuditEventType
	Severity     models.AuditSeverity
	UserID       *uuid.UUID
	Identifier   string
	SessionID    string
	TenantID     *uuid.UUID
	IPAddress    string
	UserAgent    string
	Resource     string
	Action       string
	ResourceID   string
	Success      bool
	ErrorMessage string
	Metadata     map[string]interface{}
	OldValues    map[string]interface{}
	NewValues    map[string]interface{}
	Duration     time.Duration
	OccurredAt   time.Time
}

// AuditRecorder 审计记录入口，调用方不会因审计失败而阻塞或报错
type AuditRecorder interface {
	Record(event AuditEvent)
}

// AuditSink 审计持久化
type AuditSink interface {
	Persist(ctx context.Context, entries []models.AuditLog) error
}

// Alerter 严重事件告警通道
type Alerter interface {
	Alert(ctx context.Context, entry models.AuditLog) error
}

// AuditPipelineConfig 审计管道配置
type AuditPipelineConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxQueueSize  int
	AlertTimeout  time.Duration
	AnomalyWindow time.Duration
}

var (
	criticalEvents = map[models.AuditEventType]struct{}{
		models.EventSuspiciousActivity: {},
		models.EventRateLimitExceeded:  {},
	}
	warningEvents = map[models.AuditEventType]struct{}{
		models.EventLoginFailed:         {},
		models.EventMFAFailed:           {},
		models.EventMFABypassed:         {},
		models.EventAccessDenied:        {},
		models.EventInvalidToken:        {},
		models.EventPermissionChanged:   {},
		models.EventRoleAssigned:        {},
		models.EventRoleRevoked:         {},
		models.EventPasswordReset:       {},
		models.EventUserDeleted:         {},
		models.EventDataDeleted:         {},
		models.EventDataExported:        {},
		models.EventSystemConfigChanged: {},
	}
	severityRank = map[models.AuditSeverity]int{
		models.SeverityInfo:     0,
		models.SeverityWarning:  1,
		models.SeverityError:    2,
		models.SeverityCritical: 3,
	}
)

// ClassifySeverity 按事件类型与结果推导严重级别
func ClassifySeverity(eventType models.AuditEventType, success bool) models.AuditSeverity {
	if _, ok := criticalEvents[eventType]; ok {
		return models.SeverityCritical
	}
	if !success {
		return models.SeverityError
	}
	if _, ok := warningEvents[eventType]; ok {
		return models.SeverityWarning
	}
	return models.SeverityInfo
}

// AuditPipeline 异步批量审计管道
type AuditPipeline struct {
	sink       AuditSink
	repository *AuditRepository
	alerters   []Alerter
	config     AuditPipelineConfig
	logger     logger.Logger

	mu      sync.Mutex
	queue   []models.AuditLog
	dropped int64
	started bool

	flushMu   sync.Mutex
	flushCh   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	alerts    sync.WaitGroup

	now func() time.Time
}

// NewAuditPipeline 创建审计管道，repository为空时查询类操作不可用
func NewAuditPipeline(sink AuditSink, repository *AuditRepository, alerters []Alerter, config AuditPipelineConfig, log logger.Logger) *AuditPipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 10000
	}
	if config.AlertTimeout <= 0 {
		config.AlertTimeout = 5 * time.Second
	}
	if config.AnomalyWindow <= 0 {
		config.AnomalyWindow = 30 * time.Minute
	}
	return &AuditPipeline{
		sink:       sink,
		repository: repository,
		alerters:   alerters,
		config:     config,
		logger:     log,
		flushCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Record 入队审计事件并在需要时触发告警，从不阻塞调用方
func (p *AuditPipeline) Record(event AuditEvent) {
	entry := p.toLog(event)

	if entry.Severity == models.SeverityCritical {
		p.dispatchAlert(entry)
	}

	p.mu.Lock()
	if len(p.queue) >= p.config.MaxQueueSize {
		evicted := p.queue[0]
		p.queue = p.queue[1:]
		p.dropped++
		p.logger.WithFields(map[string]interface{}{
			"event_type": evicted.EventType,
			"severity":   evicted.Severity,
			"event_id":   evicted.ID,
			"dropped":    p.dropped,
		}).Error("审计队列已满，丢弃最早的事件")
	}
	p.queue = append(p.queue, entry)
	full := len(p.queue) >= p.config.BatchSize
	p.mu.Unlock()

	if full {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
}

func (p *AuditPipeline) toLog(event AuditEvent) models.AuditLog {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = p.now()
	}

	severity := ClassifySeverity(event.EventType, event.Success)
	if event.Severity != "" && severityRank[event.Severity] > severityRank[severity] {
		severity = event.Severity
	}

	entry := models.AuditLog{
		ID:           uuid.New(),
		OccurredAt:   occurredAt.UTC(),
		EventType:    event.EventType,
		Severity:     severity,
		UserID:       event.UserID,
		Identifier:   event.Identifier,
		SessionID:    event.SessionID,
		TenantID:     event.TenantID,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
		Resource:     event.Resource,
		Action:       event.Action,
		ResourceID:   event.ResourceID,
		Success:      event.Success,
		ErrorMessage: event.ErrorMessage,
		DurationMs:   event.Duration.Milliseconds(),
	}
	if len(event.Metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(event.Metadata)
	}
	if len(event.OldValues) > 0 {
		entry.OldValues = datatypes.JSONMap(event.OldValues)
	}
	if len(event.NewValues) > 0 {
		entry.NewValues = datatypes.JSONMap(event.NewValues)
	}
	return entry
}

func (p *AuditPipeline) dispatchAlert(entry models.AuditLog) {
	for _, alerter := range p.alerters {
		p.alerts.Add(1)
		go func(a Alerter) {
			defer p.alerts.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.config.AlertTimeout)
			defer cancel()
			if err := a.Alert(ctx, entry); err != nil {
				p.logger.WithFields(map[string]interface{}{
					"event_type": entry.EventType,
					"event_id":   entry.ID,
				}).Errorf("发送严重事件告警失败: %v", err)
			}
		}(alerter)
	}
}

// Start 启动后台刷新协程
func (p *AuditPipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.mu.Lock()
		p.started = true
		p.mu.Unlock()
		go p.run(ctx)
	})
}

func (p *AuditPipeline) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flushOnExit()
			return
		case <-p.stopCh:
			p.flushOnExit()
			return
		case <-ticker.C:
			p.flushLogged(ctx)
		case <-p.flushCh:
			p.flushLogged(ctx)
		}
	}
}

func (p *AuditPipeline) flushLogged(ctx context.Context) {
	if err := p.Flush(ctx); err != nil {
		p.logger.Errorf("审计批量写入失败，等待下次重试: %v", err)
	}
}

func (p *AuditPipeline) flushOnExit() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.flushLogged(ctx)
}

// Flush 将队列按批写入存储，失败的批次放回队首保持顺序
func (p *AuditPipeline) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return nil
		}
		n := p.config.BatchSize
		if n > len(p.queue) {
			n = len(p.queue)
		}
		batch := make([]models.AuditLog, n)
		copy(batch, p.queue[:n])
		p.queue = p.queue[n:]
		p.mu.Unlock()

		if err := p.sink.Persist(ctx, batch); err != nil {
			p.requeue(batch)
			return fmt.Errorf("写入审计日志失败: %w", err)
		}
	}
}

func (p *AuditPipeline) requeue(batch []models.AuditLog) {
	p.mu.Lock()
	defer p.mu.Unlock()

	merged := make([]models.AuditLog, 0, len(batch)+len(p.queue))
	merged = append(merged, batch...)
	merged = append(merged, p.queue...)
	if overflow := len(merged) - p.config.MaxQueueSize; overflow > 0 {
		p.dropped += int64(overflow)
		p.logger.WithField("dropped", overflow).Error("审计队列重试超出容量，丢弃最早的事件")
		merged = merged[overflow:]
	}
	p.queue = merged
}

// Pending 当前尚未落盘的事件数
func (p *AuditPipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Dropped 因容量限制丢弃的事件数
func (p *AuditPipeline) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close 停止后台协程，写出剩余事件并等待告警完成
func (p *AuditPipeline) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		started := p.started
		p.mu.Unlock()
		if started {
			select {
			case <-p.doneCh:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if flushErr := p.Flush(ctx); flushErr != nil && err == nil {
			err = flushErr
		}

		alertsDone := make(chan struct{})
		go func() {
			p.alerts.Wait()
			close(alertsDone)
		}()
		select {
		case <-alertsDone:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	})
	return err
}
