package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"narrative_backend/models"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, hub *SnapshotHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readSnapshot(t *testing.T, conn *websocket.Conn) (Message, SnapshotEvent) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var raw struct {
		Type string        `json:"type"`
		Data SnapshotEvent `json:"data"`
		Time string        `json:"time"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return Message{Type: raw.Type, Time: raw.Time}, raw.Data
}

func TestSnapshotHubBroadcast(t *testing.T) {
	hub := NewSnapshotHub()
	defer hub.Shutdown()

	conn := dialHub(t, hub)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	p := 0.42
	ts := time.Date(2026, 1, 12, 18, 0, 0, 0, time.UTC)
	hub.Publish(models.MarketSnapshot{Slug: "nba-test", Timestamp: ts, Price: &p})

	msg, ev := readSnapshot(t, conn)
	if msg.Type != "snapshot" {
		t.Errorf("type = %q, want snapshot", msg.Type)
	}
	if ev.Slug != "nba-test" || ev.Price == nil || *ev.Price != p || !ev.Ts.Equal(ts) {
		t.Errorf("event = %+v, want nba-test at 0.42", ev)
	}
}

func TestSnapshotHubSubscriptionFilter(t *testing.T) {
	hub := NewSnapshotHub()
	defer hub.Shutdown()

	conn := dialHub(t, hub)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	if err := conn.WriteJSON(map[string]any{"action": "subscribe", "slugs": []string{"wanted"}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	waitFor(t, func() bool { return hub.Subscriptions("wanted") == 1 })

	hub.Publish(models.MarketSnapshot{Slug: "ignored", Timestamp: time.Now().UTC()})
	hub.Publish(models.MarketSnapshot{Slug: "wanted", Timestamp: time.Now().UTC()})

	// the hub loop preserves order, so the first delivered event must be the subscribed one
	_, ev := readSnapshot(t, conn)
	if ev.Slug != "wanted" {
		t.Errorf("first event slug = %q, want wanted", ev.Slug)
	}
}

func TestSnapshotHubUnregistersOnClose(t *testing.T) {
	hub := NewSnapshotHub()
	defer hub.Shutdown()

	conn := dialHub(t, hub)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestSnapshotHubPublishAfterShutdown(t *testing.T) {
	hub := NewSnapshotHub()
	hub.Shutdown()
	// must not block or panic
	hub.Publish(models.MarketSnapshot{Slug: "late"})
	hub.Shutdown()
}
