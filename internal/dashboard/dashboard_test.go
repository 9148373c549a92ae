package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/loomkb/loom/internal/metrics"
	"github.com/loomkb/loom/internal/prune"
	loomsync "github.com/loomkb/loom/internal/sync"
)

func startServer(t *testing.T, m *metrics.Metrics) (*Server, *Handler) {
	t.Helper()
	server := NewServer(&Config{Addr: "127.0.0.1:0", Metrics: m})
	handler := NewHandler(server, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("Failed to stop server: %v", err)
		}
	})
	return server, handler
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0"})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.Addr() == "127.0.0.1:0" {
		t.Error("Addr() should report the bound port")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	server, handler := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeStats {
		t.Errorf("welcome type = %s, want %s", msg.Type, MessageTypeStats)
	}

	handler.SyncDone("notes", loomsync.Result{RunID: "r1", Upserted: 2, Deleted: 1})
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete || msg.Database != "notes" {
		t.Fatalf("message = %+v", msg)
	}
	var data SyncData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to decode sync data: %v", err)
	}
	if data.RunID != "r1" || data.Upserted != 2 || data.Deleted != 1 {
		t.Errorf("sync data = %+v", data)
	}

	handler.PruneDone("notes", prune.Report{NodesRemoved: 3})
	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypePruneComplete {
		t.Errorf("message type = %s, want %s", msg.Type, MessageTypePruneComplete)
	}

	st := handler.Stats()["notes"]
	if st.SyncPasses != 1 || st.Upserted != 2 || st.PrunePasses != 1 || st.Pruned != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New()
	m.SyncEvent("notes", "created", "upserted")
	server, _ := startServer(t, m)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	resp, err = http.Get("http://" + server.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "loom_sync_events_total") {
		t.Errorf("metrics output missing loom_sync_events_total")
	}
}
