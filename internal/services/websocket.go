package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/notification"
)

const (
	// AllFamilies subscribes a connection to every family's runs.
	AllFamilies = "*"

	maxConnsPerTopic = 10
	writeTimeout     = 5 * time.Second
)

// WebSocketManager fans run summaries out to connected dashboards.
type WebSocketManager struct {
	connections map[string]map[*websocket.Conn]bool // family -> set of connections
	mutex       sync.Mutex
	logger      *logging.Logger
}

// NewWebSocketManager creates an empty manager.
func NewWebSocketManager(logger *logging.Logger) *WebSocketManager {
	return &WebSocketManager{
		connections: make(map[string]map[*websocket.Conn]bool),
		logger:      logger,
	}
}

// AddConnection subscribes conn to a family, or to all with AllFamilies.
// It reports false when the topic is full.
func (m *WebSocketManager) AddConnection(family string, conn *websocket.Conn) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, exists := m.connections[family]; !exists {
		m.connections[family] = make(map[*websocket.Conn]bool)
	}
	if len(m.connections[family]) >= maxConnsPerTopic {
		m.logger.Warnf("Max connections reached for family %s", family)
		return false
	}
	m.connections[family][conn] = true
	m.logger.Infof("Added WebSocket connection for family %s (total: %d)", family, len(m.connections[family]))
	return true
}

// RemoveConnection removes a WebSocket connection
func (m *WebSocketManager) RemoveConnection(family string, conn *websocket.Conn) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if conns, exists := m.connections[family]; exists {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(m.connections, family)
		}
		m.logger.Infof("Removed WebSocket connection for family %s (remaining: %d)", family, len(conns))
	}
}

// Count returns the number of open connections.
func (m *WebSocketManager) Count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	n := 0
	for _, conns := range m.connections {
		n += len(conns)
	}
	return n
}

// Report implements notification.Reporter.
func (m *WebSocketManager) Report(_ context.Context, s notification.RunSummary) {
	message, err := json.Marshal(s)
	if err != nil {
		m.logger.Errorf("Failed to encode run summary: %v", err)
		return
	}
	m.sendToTopic(s.Family, message)
	m.sendToTopic(AllFamilies, message)
}

func (m *WebSocketManager) sendToTopic(topic string, message []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	conns, exists := m.connections[topic]
	if !exists {
		return
	}
	for conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			m.logger.Errorf("Failed to send WebSocket message to family %s: %v", topic, err)
			conn.Close()
			delete(conns, conn)
		}
	}
	if len(conns) == 0 {
		delete(m.connections, topic)
	}
}
