package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cloud-platform/identity-core/shared/events"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/models"
)

// KafkaAlerter 将严重事件发布到告警主题
type KafkaAlerter struct {
	publisher *events.Publisher
	topic     string
}

// NewKafkaAlerter 创建Kafka告警通道
func NewKafkaAlerter(publisher *events.Publisher, topic string) *KafkaAlerter {
	return &KafkaAlerter{publisher: publisher, topic: topic}
}

// Alert 发布告警
func (a *KafkaAlerter) Alert(ctx context.Context, entry models.AuditLog) error {
	key := entry.IPAddress
	if entry.UserID != nil {
		key = entry.UserID.String()
	}
	return a.publisher.Publish(ctx, a.topic, key, "audit.critical", alertPayload(entry))
}

func alertPayload(entry models.AuditLog) map[string]interface{} {
	payload := map[string]interface{}{
		"event_id":    entry.ID.String(),
		"event_type":  entry.EventType,
		"severity":    entry.Severity,
		"occurred_at": entry.OccurredAt,
		"ip_address":  entry.IPAddress,
		"session_id":  entry.SessionID,
		"success":     entry.Success,
	}
	if entry.UserID != nil {
		payload["user_id"] = entry.UserID.String()
	}
	if entry.Identifier != "" {
		payload["identifier"] = entry.Identifier
	}
	if len(entry.Metadata) > 0 {
		payload["metadata"] = map[string]interface{}(entry.Metadata)
	}
	return payload
}

const (
	alertWriteWait  = 10 * time.Second
	alertPongWait   = 60 * time.Second
	alertPingPeriod = 54 * time.Second
	alertSendBuffer = 32
)

// AlertMessage 推送给监控端的告警消息
type AlertMessage struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

type alertClient struct {
	id   string
	conn *websocket.Conn
	send chan AlertMessage
}

// AlertHub 通过WebSocket向在线的安全监控端实时推送严重事件
type AlertHub struct {
	mu      sync.RWMutex
	clients map[string]*alertClient
	logger  logger.Logger
}

// NewAlertHub 创建告警推送中心
func NewAlertHub(log logger.Logger) *AlertHub {
	return &AlertHub{
		clients: make(map[string]*alertClient),
		logger:  log,
	}
}

// Register 接管已升级的连接，直到连接断开
func (h *AlertHub) Register(conn *websocket.Conn) string {
	client := &alertClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan AlertMessage, alertSendBuffer),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
	return client.id
}

// ClientCount 在线监控端数量
func (h *AlertHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Alert 广播告警，发送缓冲已满的客户端被断开
func (h *AlertHub) Alert(_ context.Context, entry models.AuditLog) error {
	msg := AlertMessage{
		Type:      "security_alert",
		Data:      alertPayload(entry),
		Timestamp: time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		select {
		case client.send <- msg:
		default:
			close(client.send)
			delete(h.clients, id)
		}
	}
	return nil
}

func (h *AlertHub) unregister(client *alertClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.id]; ok {
		delete(h.clients, client.id)
		close(client.send)
	}
}

// Close 断开所有连接
func (h *AlertHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		close(client.send)
		delete(h.clients, id)
	}
}

func (h *AlertHub) readPump(client *alertClient) {
	defer func() {
		h.unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(512)
	_ = client.conn.SetReadDeadline(time.Now().Add(alertPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(alertPongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warnf("告警连接异常断开: %v", err)
			}
			return
		}
	}
}

func (h *AlertHub) writePump(client *alertClient) {
	ticker := time.NewTicker(alertPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(alertWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Errorf("序列化告警消息失败: %v", err)
				continue
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warnf("写入告警消息失败: %v", fmt.Errorf("client %s: %w", client.id, err))
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(alertWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
