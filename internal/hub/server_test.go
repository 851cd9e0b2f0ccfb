package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roomcast/roomcast/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "test-admin-token"

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &Config{
		ListenAddr:       ":0",
		AdminToken:       testAdminToken,
		SweepInterval:    10 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	s := New(cfg, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWire(t *testing.T, conn *websocket.Conn, timeout time.Duration) (*protocol.Envelope, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return &env, nil
}

// waitForType reads until an envelope of the wanted type arrives.
func waitForType(t *testing.T, conn *websocket.Conn, want string, timeout time.Duration) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.Positive(t, remaining, "timed out waiting for %q", want)
		env, err := readWire(t, conn, remaining)
		require.NoError(t, err, "waiting for %q", want)
		if env.Type == want {
			return env
		}
	}
}

// connectPeer dials and consumes the welcome, returning the assigned identity.
func connectPeer(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, string) {
	t.Helper()
	conn := dialWS(t, ts, query)
	welcome, err := readWire(t, conn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeConnected, welcome.Type)
	var payload protocol.ConnectedPayload
	require.NoError(t, welcome.ParsePayload(&payload))
	require.NotEmpty(t, payload.ID)
	return conn, payload.ID
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// authenticateClient binds a dashboard connection to an operator and scope.
func authenticateClient(t *testing.T, conn *websocket.Conn, userID, hotelID int64) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeAuthenticate, protocol.AuthenticatePayload{
		UserID:  userID,
		HotelID: hotelID,
	})
	require.NoError(t, err)
	sendEnvelope(t, conn, env)

	resp := waitForType(t, conn, protocol.TypeAuthenticated, 2*time.Second)
	var ack protocol.AuthenticatedPayload
	require.NoError(t, resp.ParsePayload(&ack))
	require.True(t, ack.Success)
}

func TestServer_WelcomeAndIdentity(t *testing.T) {
	_, ts := newTestServer(t, nil)

	_, id := connectPeer(t, ts, "hotelId=1&roomNumber=204")
	assert.True(t, strings.HasPrefix(id, "dev-"), "generated device identity, got %q", id)

	_, clientID := connectPeer(t, ts, "type=client")
	assert.True(t, strings.HasPrefix(clientID, "cli-"), "generated client identity, got %q", clientID)

	// A pre-supplied identity is echoed back.
	_, presupplied := connectPeer(t, ts, "type=device&id=display-42&hotelId=1")
	assert.Equal(t, "display-42", presupplied)
}

func TestServer_EndToEndDeviceLifecycle(t *testing.T) {
	_, ts := newTestServer(t, nil)

	dash1, _ := connectPeer(t, ts, "type=client")
	authenticateClient(t, dash1, 7, 1)
	dash2, _ := connectPeer(t, ts, "type=client")
	authenticateClient(t, dash2, 8, 2)

	// Device connects: tenant-1 dashboard learns about it.
	device, devID := connectPeer(t, ts, "hotelId=1&roomNumber=204")

	connected := waitForType(t, dash1, protocol.TypeDeviceConnected, 2*time.Second)
	var presence protocol.PresencePayload
	require.NoError(t, connected.ParsePayload(&presence))
	assert.Equal(t, devID, presence.DeviceID)
	assert.Equal(t, int64(1), presence.HotelID)
	assert.Equal(t, "204", presence.RoomNumber)

	// Heartbeat is acked directly to the device.
	hb, err := protocol.NewEnvelope(protocol.TypeHeartbeat, struct{}{})
	require.NoError(t, err)
	sendEnvelope(t, device, hb)
	waitForType(t, device, protocol.TypeHeartbeatAck, 2*time.Second)

	// Status report fans out to tenant-1 dashboards with identity merged in.
	statusEnv, err := protocol.NewEnvelope(protocol.TypeDeviceStatus, map[string]any{"isOnline": true})
	require.NoError(t, err)
	sendEnvelope(t, device, statusEnv)

	update := waitForType(t, dash1, protocol.TypeDeviceStatusUpdate, 2*time.Second)
	var status map[string]any
	require.NoError(t, update.ParsePayload(&status))
	assert.Equal(t, devID, status["deviceId"])
	assert.Equal(t, float64(1), status["hotelId"])
	assert.Equal(t, true, status["isOnline"])

	// Ungraceful close: tenant-1 dashboard sees the disconnect.
	_ = device.Close()
	disconnected := waitForType(t, dash1, protocol.TypeDeviceDisconnected, 2*time.Second)
	require.NoError(t, disconnected.ParsePayload(&presence))
	assert.Equal(t, devID, presence.DeviceID)

	// The tenant-2 dashboard saw none of it.
	_, err = readWire(t, dash2, 300*time.Millisecond)
	assert.Error(t, err, "tenant-2 dashboard must receive nothing")
}

func TestServer_EvictionNotifiesScopedDashboards(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.SweepInterval = 50 * time.Millisecond
		cfg.HeartbeatTimeout = 200 * time.Millisecond
	})

	dash1, _ := connectPeer(t, ts, "type=client")
	authenticateClient(t, dash1, 7, 1)
	dash2, _ := connectPeer(t, ts, "type=client")
	authenticateClient(t, dash2, 8, 2)

	device, devID := connectPeer(t, ts, "hotelId=1&roomNumber=204")
	waitForType(t, dash1, protocol.TypeDeviceConnected, 2*time.Second)

	// The device goes silent; the sweep force-closes it and the dashboard
	// gets exactly one disconnect notice.
	disconnected := waitForType(t, dash1, protocol.TypeDeviceDisconnected, 3*time.Second)
	var presence protocol.PresencePayload
	require.NoError(t, disconnected.ParsePayload(&presence))
	assert.Equal(t, devID, presence.DeviceID)

	_, err := readWire(t, dash1, 300*time.Millisecond)
	assert.Error(t, err, "no duplicate disconnect notice")
	_, err = readWire(t, dash2, 100*time.Millisecond)
	assert.Error(t, err, "other tenant's dashboard must receive nothing")

	// The device's transport is dead.
	_, err = readWire(t, device, time.Second)
	assert.Error(t, err)
}

func TestServer_HeartbeatsKeepDeviceAlive(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.SweepInterval = 50 * time.Millisecond
		cfg.HeartbeatTimeout = 200 * time.Millisecond
	})

	device, _ := connectPeer(t, ts, "hotelId=1")

	// Beat well inside the timeout for several multiples of it.
	deadline := time.Now().Add(700 * time.Millisecond)
	for time.Now().Before(deadline) {
		hb, err := protocol.NewEnvelope(protocol.TypeHeartbeat, struct{}{})
		require.NoError(t, err)
		sendEnvelope(t, device, hb)
		waitForType(t, device, protocol.TypeHeartbeatAck, 2*time.Second)
		time.Sleep(60 * time.Millisecond)
	}

	// Still registered and responsive.
	hb, err := protocol.NewEnvelope(protocol.TypeHeartbeat, struct{}{})
	require.NoError(t, err)
	sendEnvelope(t, device, hb)
	waitForType(t, device, protocol.TypeHeartbeatAck, 2*time.Second)
}

func TestServer_MalformedEnvelopeKeepsConnectionOpen(t *testing.T) {
	_, ts := newTestServer(t, nil)

	device, _ := connectPeer(t, ts, "hotelId=1")
	require.NoError(t, device.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// Connection survives; a well-formed heartbeat still gets acked.
	hb, err := protocol.NewEnvelope(protocol.TypeHeartbeat, struct{}{})
	require.NoError(t, err)
	sendEnvelope(t, device, hb)
	waitForType(t, device, protocol.TypeHeartbeatAck, 2*time.Second)
}

func adminReq(t *testing.T, ts *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServer_AdminAPIRequiresToken(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := ts.Client().Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health stays public.
	health, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = health.Body.Close() }()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestServer_AdminStatsAndListing(t *testing.T) {
	_, ts := newTestServer(t, nil)

	_, devID := connectPeer(t, ts, "hotelId=3&roomNumber=204")
	connectPeer(t, ts, "type=client")

	resp := adminReq(t, ts, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats struct {
		TotalDevices    int            `json:"totalDevices"`
		TotalClients    int            `json:"totalClients"`
		DevicesByTenant map[string]int `json:"devicesByHotel"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalDevices)
	assert.Equal(t, 1, stats.TotalClients)
	assert.Equal(t, 1, stats.DevicesByTenant["3"])

	resp = adminReq(t, ts, http.MethodGet, "/api/devices?hotelId=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Devices []map[string]any `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Devices, 1)
	assert.Equal(t, devID, listing.Devices[0]["id"])

	// Room lookup finds the same device.
	resp = adminReq(t, ts, http.MethodGet, "/api/devices?hotelId=3&roomNumber=204", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Devices, 1)
	assert.Equal(t, devID, listing.Devices[0]["id"])

	resp = adminReq(t, ts, http.MethodGet, "/api/devices?hotelId=3&roomNumber=999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_AdminBroadcastAndTargetedSend(t *testing.T) {
	_, ts := newTestServer(t, nil)

	device, devID := connectPeer(t, ts, "hotelId=3&roomNumber=204")
	otherDevice, _ := connectPeer(t, ts, "hotelId=4")

	resp := adminReq(t, ts, http.MethodPost, "/api/hotels/3/broadcast", map[string]any{
		"type":    "content_update",
		"payload": map[string]any{"url": "https://example.test/menu"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Recipients int `json:"recipients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 1, result.Recipients)

	got := waitForType(t, device, protocol.TypeContentUpdate, 2*time.Second)
	assert.Equal(t, int64(3), got.HotelID)

	// Targeted send to a live device, then to an unknown one.
	resp = adminReq(t, ts, http.MethodPost, fmt.Sprintf("/api/devices/%s/send", devID), map[string]any{
		"type": "refresh_content",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	waitForType(t, device, protocol.TypeRefreshContent, 2*time.Second)

	resp = adminReq(t, ts, http.MethodPost, "/api/devices/unknown-id/send", map[string]any{
		"type": "refresh_content",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The hotel-4 device saw nothing throughout.
	_, err := readWire(t, otherDevice, 300*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_DeviceTokenGate(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.DeviceToken = "fleet-secret"
	})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "hotelId=1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct token connects; dashboard clients are not token-gated.
	connectPeer(t, ts, "hotelId=1&token=fleet-secret")
	connectPeer(t, ts, "type=client")
}
