package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/auth"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/metrics"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/models"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/notify"
)

const testSecret = "test-secret-key-for-testing-purposes-only"

func TestRouter_Auth(t *testing.T) {
	jm, err := auth.NewJWTManager(testSecret, nil)
	require.NoError(t, err)
	router, _ := newTestRouter(t, RouterConfig{JWT: jm})

	viewer, err := jm.GenerateToken(context.Background(), "viewer-1", []string{"viewer"}, time.Hour)
	require.NoError(t, err)
	admin, err := jm.GenerateToken(context.Background(), "admin-1", []string{AdminRole}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{"health stays public", http.MethodGet, "/health", "", http.StatusOK},
		{"api health stays public", http.MethodGet, "/api/health", "", http.StatusOK},
		{"missing token", http.MethodGet, "/api/agents", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/agents", "not-a-jwt", http.StatusUnauthorized},
		{"valid token", http.MethodGet, "/api/agents", viewer, http.StatusOK},
		{"clear needs admin", http.MethodDelete, "/api/cache", viewer, http.StatusForbidden},
		{"admin clears", http.MethodDelete, "/api/cache", admin, http.StatusOK},
		{"category clear without admin", http.MethodDelete, "/api/cache?category=quote", viewer, http.StatusOK},
		{"bad category still validated", http.MethodDelete, "/api/cache?category=bogus", viewer, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, nil, tt.token)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if w.Code == http.StatusUnauthorized {
				assert.Equal(t, models.ErrCodeUnauthorized, decode[models.ErrorResponse](t, w).Code)
			}
		})
	}
}

func TestRouter_SwaggerDocs(t *testing.T) {
	jm, err := auth.NewJWTManager(testSecret, nil)
	require.NoError(t, err)
	router, _ := newTestRouter(t, RouterConfig{JWT: jm})

	w := do(t, router, http.MethodGet, "/swagger/doc.json", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		BasePath    string                    `json:"basePath"`
		Paths       map[string]map[string]any `json:"paths"`
		Definitions map[string]struct {
			Properties map[string]any `json:"properties"`
		} `json:"definitions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "/api", doc.BasePath)
	assert.Contains(t, doc.Paths["/dispatch"], "post")
	assert.Contains(t, doc.Paths["/schedules"], "post")
	assert.Contains(t, doc.Paths["/cache/{category}/{key}"], "put")
	assert.Contains(t, doc.Definitions["models.CreateScheduleRequest"].Properties, "taskAgent")
	assert.Contains(t, doc.Definitions["agent.ExecutionResult"].Properties, "durationMs")

	w = do(t, router, http.MethodGet, "/swagger/index.html", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	router, _ := newTestRouter(t, RouterConfig{Metrics: metrics.NewHTTPMetrics("dashboard_test")})

	require.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/api/agents", nil, "").Code)

	w := do(t, router, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dashboard_test_http_requests_total")
}

func TestStreamNotifications(t *testing.T) {
	router, svc := newTestRouter(t, RouterConfig{})
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/notifications?subscriber=desk-1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return svc.Hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	d := svc.Notifier.Send(context.Background(), notify.ChannelPush, "desk-1", "AAPL alert", "AAPL crossed 200")
	require.True(t, d.Success, d.Error)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg notify.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, "AAPL alert", msg.Subject)
	assert.Equal(t, "AAPL crossed 200", msg.Body)

	other := svc.Notifier.Send(context.Background(), notify.ChannelPush, "desk-2", "x", "y")
	assert.False(t, other.Success)
}

func TestStreamNotifications_TokenInQuery(t *testing.T) {
	jm, err := auth.NewJWTManager(testSecret, nil)
	require.NoError(t, err)
	router, svc := newTestRouter(t, RouterConfig{JWT: jm})
	srv := httptest.NewServer(router)
	defer srv.Close()

	token, err := jm.GenerateToken(context.Background(), "user-7", []string{"viewer"}, time.Hour)
	require.NoError(t, err)

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/notifications"
	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return svc.Hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	d := svc.Notifier.Send(context.Background(), notify.ChannelPush, "user-7", "s", "b")
	assert.True(t, d.Success, d.Error)
}
