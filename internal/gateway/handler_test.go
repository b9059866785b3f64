package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lernia/lernia/internal/auth"
	"github.com/lernia/lernia/internal/config"
	"github.com/lernia/lernia/internal/models"
)

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		OfflineCapacity: 5,
		OfflineTTL:      time.Hour,
		WriteWait:       time.Second,
		PongWait:        5 * time.Second,
		PingInterval:    4 * time.Second,
		MaxMessageSize:  64 * 1024,
		SendBufferSize:  8,
	}
}

func signTestToken(t *testing.T, secret, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func startGatewayServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub, _ := newTestHub(t)
	handler := NewWSHandler(hub, auth.NewJWTVerifier("test-secret"), testGatewayConfig(), testLogger())

	r := gin.New()
	r.GET("/ws", handler.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	_, srv := startGatewayServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestHandshakeRegistersVerifiedUser(t *testing.T) {
	hub, srv := startGatewayServer(t)

	ws := dialWS(t, srv, signTestToken(t, "test-secret", "u1"))

	ev := readEvent(t, ws)
	assert.Equal(t, EventConnected, ev.Type)
	assert.NotEmpty(t, ev.Data["connection_id"])

	assert.Eventually(t, func() bool { return hub.IsOnline("u1") }, time.Second, 10*time.Millisecond)
}

func TestSubscribedConnectionReceivesJobUpdates(t *testing.T) {
	hub, srv := startGatewayServer(t)

	ws := dialWS(t, srv, signTestToken(t, "test-secret", "u1"))
	readEvent(t, ws) // connect event

	require.NoError(t, ws.WriteJSON(clientMessage{Action: "subscribe", JobID: "job-7"}))

	// Wait for the subscription to land before broadcasting.
	require.Eventually(t, func() bool {
		hub.topicsMu.RLock()
		defer hub.topicsMu.RUnlock()
		return len(hub.topics["job-7"]) == 1
	}, time.Second, 10*time.Millisecond)

	hub.BroadcastJobUpdate("job-7", "completed", &models.JobResult{Content: "done"})

	ev := readEvent(t, ws)
	assert.Equal(t, EventJobUpdate, ev.Type)
	assert.Equal(t, "job-7", ev.JobID)
	assert.Equal(t, "completed", ev.Status)
	require.NotNil(t, ev.Result)
	assert.Equal(t, "done", ev.Result.Content)
}

func TestSyncFanoutBetweenDevices(t *testing.T) {
	hub, srv := startGatewayServer(t)
	_ = hub

	deviceA := dialWS(t, srv, signTestToken(t, "test-secret", "u1"))
	deviceB := dialWS(t, srv, signTestToken(t, "test-secret", "u1"))
	readEvent(t, deviceA)
	readEvent(t, deviceB)

	require.NoError(t, deviceA.WriteJSON(clientMessage{
		Action: "sync",
		Data:   map[string]any{"lesson": "7", "progress": 0.4},
	}))

	ev := readEvent(t, deviceB)
	assert.Equal(t, EventSync, ev.Type)
	assert.NotEmpty(t, ev.Origin)
	assert.Equal(t, "7", ev.Data["lesson"])
}

func TestDisconnectDerivesOffline(t *testing.T) {
	hub, srv := startGatewayServer(t)

	ws := dialWS(t, srv, signTestToken(t, "test-secret", "u1"))
	readEvent(t, ws)
	require.Eventually(t, func() bool { return hub.IsOnline("u1") }, time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Close())

	assert.Eventually(t, func() bool { return !hub.IsOnline("u1") }, 2*time.Second, 20*time.Millisecond)
}
