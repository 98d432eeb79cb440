package agora

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

// newTestInspector assembles a chat session without starting it; every
// inspector endpoint must work on a freshly assembled session.
func newTestInspector(t *testing.T) (*Inspector, *Chat) {
	t.Helper()
	kp := generateTestKeypair(t)
	chat, err := NewChat(ChatConfig{Topic: "inspector-chat", Username: "watcher"}, kp, NewMemoryStorage(), NewMemoryGsoc())
	if err != nil {
		t.Fatalf("assembling chat: %v", err)
	}
	return NewInspector(chat), chat
}

func TestStatusEndpoint(t *testing.T) {
	inspector, chat := newTestInspector(t)
	chat.roster.Upsert(ActiveUser{Address: "addr-a", Username: "alice", Ts: time.Now().UnixMilli(), Index: 3})

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()
	inspector.createMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var status map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if status["address"] != chat.Address().String() {
		t.Errorf("expected address %s, got %v", chat.Address(), status["address"])
	}
	if status["topic"] != "inspector-chat" {
		t.Errorf("expected topic inspector-chat, got %v", status["topic"])
	}
	if status["feed_index"].(float64) != -1 {
		t.Errorf("fresh session should report feed_index -1, got %v", status["feed_index"])
	}
	if status["active_users"].(float64) != 1 {
		t.Errorf("expected 1 active user, got %v", status["active_users"])
	}
}

func TestUsersEndpoint(t *testing.T) {
	inspector, chat := newTestInspector(t)
	now := time.Now().UnixMilli()
	chat.roster.Upsert(ActiveUser{Address: "addr-a", Username: "alice", Ts: now, Index: -1})
	chat.roster.Upsert(ActiveUser{Address: "addr-b", Username: "bob", Ts: now, Index: 2})

	req := httptest.NewRequest("GET", "/users.json", nil)
	w := httptest.NewRecorder()
	inspector.createMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var users []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&users); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0]["username"] != "alice" || users[1]["username"] != "bob" {
		t.Errorf("unexpected roster order: %v", users)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	inspector, chat := newTestInspector(t)
	chat.history.UpdateLocal([]ActiveUser{
		{Address: "addr-a", Username: "alice", Ts: 100, Index: 0},
		{Address: "addr-a", Username: "alice", Ts: 200, Index: 1},
	})
	chat.history.CommitEntry(HistoryRef{Gen: 3, Ref: "abc123", Updater: "addr-a", Ts: 300})

	req := httptest.NewRequest("GET", "/history.json", nil)
	w := httptest.NewRecorder()
	inspector.createMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var view map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	checkpoint, ok := view["checkpoint"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a checkpoint object, got %v", view["checkpoint"])
	}
	if checkpoint["gen"].(float64) != 3 {
		t.Errorf("expected checkpoint gen 3, got %v", checkpoint["gen"])
	}
	latest, ok := view["latest"].([]interface{})
	if !ok || len(latest) != 2 {
		t.Errorf("expected 2 latest entries, got %v", view["latest"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	inspector, _ := newTestInspector(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	inspector.createMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body, err := io.ReadAll(w.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), "agora_") {
		t.Error("metrics output should carry the agora_ metric family")
	}
}
