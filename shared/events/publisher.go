package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/cloud-platform/identity-core/shared/logger"
)

// Event 事件信封，与通知服务消费端的格式保持一致
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Config Kafka生产者配置
type Config struct {
	Brokers      []string
	Source       string
	WriteTimeout time.Duration
}

// MessageWriter kafka.Writer的最小接口
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher 事件发布器
type Publisher struct {
	writer  MessageWriter
	source  string
	timeout time.Duration
	logger  logger.Logger
}

// NewKafkaPublisher 创建Kafka事件发布器，主题由每条消息指定
func NewKafkaPublisher(config Config, log logger.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           config.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return NewPublisher(writer, config.Source, config.WriteTimeout, log)
}

// NewPublisher 使用指定写入器创建发布器
func NewPublisher(writer MessageWriter, source string, timeout time.Duration, log logger.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if source == "" {
		source = "identity-core"
	}
	return &Publisher{writer: writer, source: source, timeout: timeout, logger: log}
}

// Publish 发布事件，写入超时受限
func (p *Publisher) Publish(ctx context.Context, topic, key, eventType string, data map[string]interface{}) error {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    p.source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if tenantID, ok := data["tenant_id"].(string); ok {
		event.TenantID = tenantID
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  event.Timestamp,
	}); err != nil {
		p.logger.WithFields(map[string]interface{}{
			"topic":      topic,
			"event_type": eventType,
			"error":      err.Error(),
		}).Warn("发布事件失败")
		return fmt.Errorf("发布事件失败: %w", err)
	}

	return nil
}

// Close 关闭发布器
func (p *Publisher) Close() error {
	return p.writer.Close()
}
