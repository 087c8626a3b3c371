package api

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"

	"github.com/victorivanov/retrosync/internal/coordinator"
	"github.com/victorivanov/retrosync/internal/models"
	redisclient "github.com/victorivanov/retrosync/internal/redis"
	"github.com/victorivanov/retrosync/internal/session"
	"github.com/victorivanov/retrosync/internal/subscription"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestContext(method, path string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

func setAuthUser(c echo.Context, userID int64) {
	c.Set("user_id", userID)
}

func newTestRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := redisclient.NewClient("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("creating test redis client: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// ---------------------------------------------------------------------------
// Mock session
// ---------------------------------------------------------------------------

// mockSession implements Session.
type mockSession struct {
	StatusFn         func() session.Status
	SnapshotFn       func() []models.View
	OpenFn           func(ctx context.Context, id string) error
	ReloadFn         func(ctx context.Context) error
	SendFn           func(ctx context.Context, in coordinator.SendInput) (*models.Message, error)
	RetryFn          func(ctx context.Context, id string) (*models.Message, error)
	DismissFn        func(id string) error
	ToggleReactionFn func(ctx context.Context, id, emoji string) error
	ToggleStarFn     func(ctx context.Context, id string) ([]string, error)
	DeleteFn         func(ctx context.Context, id string) error

	mu       sync.Mutex
	watchers []chan struct{}
}

func (m *mockSession) Status() session.Status {
	if m.StatusFn != nil {
		return m.StatusFn()
	}
	return session.Status{State: subscription.StateSubscribed, ConversationID: "c1"}
}

func (m *mockSession) ConversationID() string {
	return m.Status().ConversationID
}

func (m *mockSession) Snapshot() []models.View {
	if m.SnapshotFn != nil {
		return m.SnapshotFn()
	}
	return []models.View{}
}

func (m *mockSession) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()
	return ch, func() {}
}

// signal notifies every watcher.
func (m *mockSession) signal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *mockSession) watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

func (m *mockSession) Open(ctx context.Context, id string) error {
	if m.OpenFn != nil {
		return m.OpenFn(ctx, id)
	}
	return nil
}

func (m *mockSession) Reload(ctx context.Context) error {
	if m.ReloadFn != nil {
		return m.ReloadFn(ctx)
	}
	return nil
}

func (m *mockSession) Send(ctx context.Context, in coordinator.SendInput) (*models.Message, error) {
	if m.SendFn != nil {
		return m.SendFn(ctx, in)
	}
	return nil, nil
}

func (m *mockSession) Retry(ctx context.Context, id string) (*models.Message, error) {
	if m.RetryFn != nil {
		return m.RetryFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSession) Dismiss(id string) error {
	if m.DismissFn != nil {
		return m.DismissFn(id)
	}
	return nil
}

func (m *mockSession) ToggleReaction(ctx context.Context, id, emoji string) error {
	if m.ToggleReactionFn != nil {
		return m.ToggleReactionFn(ctx, id, emoji)
	}
	return nil
}

func (m *mockSession) ToggleStar(ctx context.Context, id string) ([]string, error) {
	if m.ToggleStarFn != nil {
		return m.ToggleStarFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSession) Delete(ctx context.Context, id string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, id)
	}
	return nil
}
