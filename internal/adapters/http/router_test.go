package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/phcsync/internal/app"
	"github.com/dkeye/phcsync/internal/config"
	"github.com/dkeye/phcsync/internal/core"
	"github.com/dkeye/phcsync/internal/domain"
	"github.com/dkeye/phcsync/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Mode:   "test",
		Secret: "test-secret",
		Relay: config.RelayConfig{
			SendBuffer: 16,
			ReadLimit:  1 << 16,
			PingPeriod: 9 * time.Second,
			PongWait:   10 * time.Second,
		},
	}
}

func newServer(t *testing.T) (*app.Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	hub := app.NewHub(app.Options{Metrics: metrics.NewRelayMetrics(reg)})
	t.Cleanup(hub.Stop)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := httptest.NewServer(SetupRouter(ctx, testConfig(), hub, reg))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func write(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func read(t *testing.T, ws *websocket.Conn) domain.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env domain.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func TestRouter_Health(t *testing.T) {
	_, srv := newServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"OK"}`, string(body))
}

func TestRouter_SetsClientTokenCookie(t *testing.T) {
	_, srv := newServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var names []string
	for _, c := range resp.Cookies() {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "PHCSyncSessions")
}

func TestRouter_RelayScenario(t *testing.T) {
	hub, srv := newServer(t)
	a := dial(t, srv)
	b := dial(t, srv)

	write(t, a, `{"type":"join-room","data":"patient-42"}`)
	write(t, b, `{"type":"join-room","data":"patient-42"}`)
	require.Eventually(t, func() bool {
		rooms := hub.Rooms()
		return len(rooms) == 1 && rooms[0].MemberCount == 2
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/rooms")
	require.NoError(t, err)
	var rooms []core.RoomInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	resp.Body.Close()
	assert.Equal(t, []core.RoomInfo{{Name: "patient-42", MemberCount: 2}}, rooms)

	write(t, a, `{"type":"staff-update","data":{"patientId":"42","riskLevel":"high"}}`)

	got := read(t, b)
	assert.Equal(t, domain.EventStaffDataUpdated, got.Type)
	assert.JSONEq(t, `{"patientId":"42","riskLevel":"high"}`, string(got.Data))

	hub.Rooms()
	write(t, a, `{"type":"ping"}`)
	assert.Equal(t, domain.EventPong, read(t, a).Type)
}

func TestRouter_Metrics(t *testing.T) {
	hub, srv := newServer(t)
	a := dial(t, srv)
	write(t, a, `{"type":"join-room","data":"staff-room"}`)
	require.Eventually(t, func() bool { return len(hub.Rooms()) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "phcsync_relay_active_connections 1")
	assert.Contains(t, string(body), "phcsync_relay_active_rooms 1")
}
