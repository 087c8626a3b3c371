package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/victorivanov/retrosync/internal/auth"
	"github.com/victorivanov/retrosync/internal/models"
)

func newTestBridge(t *testing.T, sess *mockSession, deps *Dependencies) (*httptest.Server, string) {
	t.Helper()
	tokens := auth.NewTokenService("bridge-secret", time.Hour)
	token, err := tokens.GenerateAccessToken(1)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	if deps == nil {
		deps = &Dependencies{}
	}
	deps.Conversations = NewConversationHandler(sess)
	deps.Messages = NewMessageHandler(sess)
	deps.Stream = NewStreamHandler(sess, nil)
	deps.TokenService = tokens

	e := echo.New()
	SetupRouter(e, deps)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, token
}

func TestRouter_Health(t *testing.T) {
	srv, _ := newTestBridge(t, &mockSession{}, nil)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestRouter_RequiresToken(t *testing.T) {
	srv, token := newTestBridge(t, &mockSession{}, nil)

	resp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	rdb := newTestRedis(t)
	srv, token := newTestBridge(t, &mockSession{}, &Dependencies{Redis: rdb, RateLimit: 1})

	get := func() *http.Response {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		return resp
	}
	if resp := get(); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d", resp.StatusCode)
	}
	resp := get()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestStream(t *testing.T) {
	content := "first"
	snapshots := make(chan string, 4)
	sess := &mockSession{SnapshotFn: func() []models.View {
		c := content
		snapshots <- c
		return []models.View{{Message: models.Message{ID: "1", Content: c}, Groups: []models.ReactionGroup{}}}
	}}
	srv, token := newTestBridge(t, sess, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	read := func() streamFrame {
		t.Helper()
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		var f streamFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return f
	}

	f := read()
	if f.Type != "snapshot" || len(f.Messages) != 1 || f.Messages[0].Content != "first" {
		t.Fatalf("first frame = %+v", f)
	}
	if f.Status.ConversationID != "c1" {
		t.Errorf("status = %+v", f.Status)
	}
	<-snapshots

	// The watcher is registered before the first frame is written.
	if sess.watching() != 1 {
		t.Fatalf("watchers = %d, want 1", sess.watching())
	}
	content = "second"
	sess.signal()
	f = read()
	if f.Messages[0].Content != "second" {
		t.Fatalf("second frame = %+v", f)
	}
}

func TestStream_RejectsMissingToken(t *testing.T) {
	srv, _ := newTestBridge(t, &mockSession{}, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v", resp)
	}
}
