package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/notification"
)

func dialFeed(t *testing.T, m *WebSocketManager, family string) *websocket.Conn {
	t.Helper()
	registered := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.AddConnection(family, conn)
		close(registered)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never registered")
	}
	return client
}

func TestWebSocketManagerBroadcastsRuns(t *testing.T) {
	m := NewWebSocketManager(logging.Discard())
	recovery := dialFeed(t, m, FamilyRecovery)
	all := dialFeed(t, m, AllFamilies)
	if m.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", m.Count())
	}

	m.Report(context.Background(), notification.RunSummary{Family: FamilyRecovery, Mode: "tick", Sent: 3})

	for _, c := range []*websocket.Conn{recovery, all} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var got notification.RunSummary
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if got.Family != FamilyRecovery || got.Sent != 3 {
			t.Fatalf("summary = %+v", got)
		}
	}
}

func TestWebSocketManagerLimitsAndRemoves(t *testing.T) {
	m := NewWebSocketManager(logging.Discard())
	for range maxConnsPerTopic {
		dialFeed(t, m, FamilyShipment)
	}
	if m.Count() != maxConnsPerTopic {
		t.Fatalf("Count() = %d, want %d", m.Count(), maxConnsPerTopic)
	}
	if m.AddConnection(FamilyShipment, &websocket.Conn{}) {
		t.Fatal("AddConnection accepted a connection past the limit")
	}

	m.mutex.Lock()
	var server *websocket.Conn
	for c := range m.connections[FamilyShipment] {
		server = c
		break
	}
	m.mutex.Unlock()
	m.RemoveConnection(FamilyShipment, server)
	if m.Count() != maxConnsPerTopic-1 {
		t.Fatalf("Count() after remove = %d", m.Count())
	}
}
