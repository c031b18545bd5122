package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"loom/internal/docstore"
	"loom/internal/middleware"
	"loom/internal/realtime"
)

func wsTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	manager, err := realtime.NewManager(realtime.ManagerConfig{
		Stores: func(ctx context.Context, chatID string) (docstore.Store, error) {
			return docstore.NewMemory(), nil
		},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	h := NewRealtimeHandler(manager, []string{"http://localhost:3000"}, testLogger())
	mux := http.NewServeMux()
	mux.Handle("GET /ws/flows/{chatID}", middleware.RequireIdentity(http.HandlerFunc(h.ServeWS)))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestServeWSJoinsRoom(t *testing.T) {
	srv := wsTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/flows/chat-1?user=u1&name=Uma"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}

	var msg realtime.ServerMessage
	if err := json.Unmarshal(bytes.SplitN(frame, []byte{'\n'}, 2)[0], &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if msg.Type != realtime.MsgWelcome {
		t.Fatalf("first message type = %q, want welcome", msg.Type)
	}
	var welcome realtime.Welcome
	if err := json.Unmarshal(msg.Data, &welcome); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if welcome.ChatID != "chat-1" || welcome.Identity.ID != "u1" {
		t.Errorf("welcome = %+v, want chat-1 joined as u1", welcome)
	}
}

func TestServeWSRequiresIdentity(t *testing.T) {
	srv := wsTestServer(t)

	resp, err := http.Get(srv.URL + "/ws/flows/chat-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServeWSRejectsForeignOrigin(t *testing.T) {
	srv := wsTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/flows/chat-1?user=u1&name=Uma"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("dial succeeded, want handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %+v, want 403", resp)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000", "https://app.example.com"})

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"https://app.example.com", true},
		{"https://other.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws/flows/c", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := check(r); got != tc.want {
			t.Errorf("origin %q: allowed = %v, want %v", tc.origin, got, tc.want)
		}
	}

	wildcard := originChecker([]string{"*"})
	r := httptest.NewRequest(http.MethodGet, "/ws/flows/c", nil)
	r.Header.Set("Origin", "https://anywhere.example")
	if !wildcard(r) {
		t.Error("wildcard should allow any origin")
	}
}
