package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeController records what the server hands to the control loop
type fakeController struct {
	mu         sync.Mutex
	commands   []Command
	detections []Detection
	offsets    []Offset
	status     Snapshot
	submitErr  error
}

func (f *fakeController) Submit(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeController) SubmitDetection(d Detection, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detections = append(f.detections, d)
}

func (f *fakeController) SubmitOffset(o Offset, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, o)
}

func (f *fakeController) Status() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// fakeReopener counts reopen attempts
type fakeReopener struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeReopener) Reopen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeReopener) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSaver records saved snapshots
type fakeSaver struct {
	mu    sync.Mutex
	saved []Snapshot
	err   error
}

func (f *fakeSaver) SaveTuning(status Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, status)
	return nil
}

func (f *fakeSaver) Saved() []Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Snapshot(nil), f.saved...)
}

func newTestServer(t *testing.T, ctrl Controller, link Reopener) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(ServerConfig{StatusInterval: 10 * time.Millisecond}, ctrl, link, prometheus.NewRegistry())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	msg, err := NewMessage(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil reads messages until one of the wanted type arrives
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

// TestServer_StatusEndpoint tests the JSON status snapshot
func TestServer_StatusEndpoint(t *testing.T) {
	// Arrange
	ctrl := &fakeController{status: Snapshot{Pose: Pose{X: 95, Y: 88}, Health: HealthStale, Tracking: true}}
	_, ts := newTestServer(t, ctrl, nil)

	// Act
	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	// Assert
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stale", body["health"])
	assert.Equal(t, true, body["tracking"])
	assert.Equal(t, 95.0, body["pose"].(map[string]any)["x"])
}

// TestServer_HealthEndpoint tests healthy and degraded responses
func TestServer_HealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		health     Health
		wantCode   int
		wantStatus string
	}{
		{"ok", HealthOK, http.StatusOK, "ok"},
		{"stale is still up", HealthStale, http.StatusOK, "ok"},
		{"link failure", HealthCommandFailure, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			ctrl := &fakeController{status: Snapshot{Health: tt.health}}
			_, ts := newTestServer(t, ctrl, nil)

			// Act
			resp, err := http.Get(ts.URL + "/health")
			require.NoError(t, err)
			defer resp.Body.Close()

			var body HealthResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

			// Assert
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.NotEmpty(t, body.Uptime)
		})
	}
}

// TestServer_MetricsEndpoint tests that /metrics is routed
func TestServer_MetricsEndpoint(t *testing.T) {
	// Arrange
	_, ts := newTestServer(t, &fakeController{}, nil)

	// Act
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Assert
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestServer_WebSocket_InitialStatus tests the status pushed on connect
func TestServer_WebSocket_InitialStatus(t *testing.T) {
	// Arrange
	ctrl := &fakeController{status: Snapshot{Pose: Pose{X: 90, Y: 90}}}
	_, ts := newTestServer(t, ctrl, nil)

	// Act
	conn := dial(t, ts)
	msg := readUntil(t, conn, MsgStatus)

	// Assert
	var status Snapshot
	require.NoError(t, json.Unmarshal(msg.Payload, &status))
	assert.Equal(t, Pose{X: 90, Y: 90}, status.Pose)
}

// TestServer_WebSocket_Detection tests delivery of detections and offsets
func TestServer_WebSocket_Detection(t *testing.T) {
	// Arrange
	ctrl := &fakeController{}
	_, ts := newTestServer(t, ctrl, nil)
	conn := dial(t, ts)

	// Act
	send(t, conn, MsgDetection, DetectionPayload{Detected: true, X: 400, Y: 220})
	send(t, conn, MsgOffset, OffsetPayload{DX: -15, DY: 30})

	// Assert
	assert.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.detections) == 1 && len(ctrl.offsets) == 1
	}, 2*time.Second, 5*time.Millisecond)
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, Detection{Detected: true, X: 400, Y: 220}, ctrl.detections[0])
	assert.Equal(t, Offset{DX: -15, DY: 30}, ctrl.offsets[0])
}

// TestServer_WebSocket_Commands tests that mode commands are acknowledged
func TestServer_WebSocket_Commands(t *testing.T) {
	tests := []struct {
		msgType  string
		payload  any
		expected Command
	}{
		{MsgEnableTracking, struct{}{}, EnableTracking()},
		{MsgDisableTracking, struct{}{}, DisableTracking()},
		{MsgSetGains, GainsPayload{Kp: 0.5, Kd: 0.1}, SetGains(Gains{Kp: 0.5, Kd: 0.1})},
		{MsgManualStep, ManualStepPayload{DX: 10, DY: -10}, ManualStep(10, -10)},
		{MsgSetInvert, InvertPayload{X: true}, SetInvert(true, false)},
		{MsgSyncPose, struct{}{}, SyncPose()},
		{MsgSetLimits, LimitsPayload{IntegralMax: 25, DetectionTimeoutMs: 1500}, SetLimits(25, 1500*time.Millisecond)},
	}

	for _, tt := range tests {
		t.Run(tt.msgType, func(t *testing.T) {
			// Arrange
			ctrl := &fakeController{}
			_, ts := newTestServer(t, ctrl, nil)
			conn := dial(t, ts)

			// Act
			send(t, conn, tt.msgType, tt.payload)
			msg := readUntil(t, conn, MsgAck)

			// Assert
			var ack AckPayload
			require.NoError(t, json.Unmarshal(msg.Payload, &ack))
			assert.Equal(t, tt.expected.Kind.String(), ack.Command)
			require.Len(t, ctrl.Commands(), 1)
			assert.Equal(t, tt.expected, ctrl.Commands()[0])
		})
	}
}

// TestServer_WebSocket_SetPolicy tests policy construction from a message
func TestServer_WebSocket_SetPolicy(t *testing.T) {
	// Arrange
	ctrl := &fakeController{}
	_, ts := newTestServer(t, ctrl, nil)
	conn := dial(t, ts)
	p := DefaultPolicy()

	// Act
	send(t, conn, MsgSetPolicy, PolicyPayload{Deadzone: p.Deadzone, MaxStep: p.MaxStep, Scale: p.Scale})
	readUntil(t, conn, MsgAck)

	// Assert
	require.Len(t, ctrl.Commands(), 1)
	cmd := ctrl.Commands()[0]
	assert.Equal(t, CmdSetPolicy, cmd.Kind)
	assert.Equal(t, p.MaxStep, cmd.Policy.MaxStep)
}

// TestServer_WebSocket_ConfigurationErrors tests synchronous rejection
func TestServer_WebSocket_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		payload any
	}{
		{"negative gain", MsgSetGains, GainsPayload{Kp: -1}},
		{"empty policy", MsgSetPolicy, PolicyPayload{}},
		{"oversized jog", MsgManualStep, ManualStepPayload{DX: 1000}},
		{"empty limits", MsgSetLimits, LimitsPayload{}},
		{"save disabled", MsgSaveConfig, struct{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			ctrl := &fakeController{}
			_, ts := newTestServer(t, ctrl, nil)
			conn := dial(t, ts)

			// Act
			send(t, conn, tt.msgType, tt.payload)
			msg := readUntil(t, conn, MsgError)

			// Assert
			var payload ErrorPayload
			require.NoError(t, json.Unmarshal(msg.Payload, &payload))
			assert.Equal(t, ErrCodeInvalidConfig, payload.Code)
			assert.Empty(t, ctrl.Commands())
		})
	}
}

// TestServer_WebSocket_Busy tests the error for a full command queue
func TestServer_WebSocket_Busy(t *testing.T) {
	// Arrange
	ctrl := &fakeController{submitErr: ErrCommandQueueFull}
	_, ts := newTestServer(t, ctrl, nil)
	conn := dial(t, ts)

	// Act
	send(t, conn, MsgEnableTracking, struct{}{})
	msg := readUntil(t, conn, MsgError)

	// Assert
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, ErrCodeBusy, payload.Code)
}

// TestServer_WebSocket_InvalidMessage tests malformed input handling
func TestServer_WebSocket_InvalidMessage(t *testing.T) {
	// Arrange
	_, ts := newTestServer(t, &fakeController{}, nil)
	conn := dial(t, ts)

	// Act
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readUntil(t, conn, MsgError)

	// Assert
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, ErrCodeInvalidMessage, payload.Code)

	// Act - unknown type
	send(t, conn, "launch", struct{}{})
	msg = readUntil(t, conn, MsgError)

	// Assert
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, ErrCodeInvalidMessage, payload.Code)
}

// TestServer_WebSocket_Ping tests the pong reply
func TestServer_WebSocket_Ping(t *testing.T) {
	// Arrange
	_, ts := newTestServer(t, &fakeController{}, nil)
	conn := dial(t, ts)

	// Act
	send(t, conn, MsgPing, PingPayload{Timestamp: 1234})
	msg := readUntil(t, conn, MsgPong)

	// Assert
	var pong PongPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &pong))
	assert.Equal(t, int64(1234), pong.ClientTimestamp)
	assert.NotZero(t, pong.ServerTimestamp)
}

// TestServer_WebSocket_Reconnect tests that the port is reopened before the
// controller is told to clear the failure
func TestServer_WebSocket_Reconnect(t *testing.T) {
	// Arrange
	ctrl := &fakeController{}
	link := &fakeReopener{}
	_, ts := newTestServer(t, ctrl, link)
	conn := dial(t, ts)

	// Act
	send(t, conn, MsgReconnect, struct{}{})
	readUntil(t, conn, MsgAck)

	// Assert
	assert.Equal(t, 1, link.Calls())
	require.Len(t, ctrl.Commands(), 1)
	assert.Equal(t, CmdReconnect, ctrl.Commands()[0].Kind)
}

// TestServer_WebSocket_ReconnectFailure tests a failed reopen
func TestServer_WebSocket_ReconnectFailure(t *testing.T) {
	// Arrange
	ctrl := &fakeController{}
	link := &fakeReopener{err: errors.New("no such device")}
	_, ts := newTestServer(t, ctrl, link)
	conn := dial(t, ts)

	// Act
	send(t, conn, MsgReconnect, struct{}{})
	msg := readUntil(t, conn, MsgError)

	// Assert
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, ErrCodeLink, payload.Code)
	assert.Empty(t, ctrl.Commands(), "failure stays latched")
}

// TestServer_WebSocket_SaveConfig tests saving the applied tuning
func TestServer_WebSocket_SaveConfig(t *testing.T) {
	// Arrange
	status := Snapshot{Gains: Gains{Kp: 0.6, Kd: 0.2}, IntegralMax: 50, Policy: DefaultPolicy()}
	ctrl := &fakeController{status: status}
	store := &fakeSaver{}
	s, ts := newTestServer(t, ctrl, nil)
	s.SetConfigStore(store)
	conn := dial(t, ts)

	// Act
	send(t, conn, MsgSaveConfig, struct{}{})
	msg := readUntil(t, conn, MsgAck)

	// Assert
	var ack AckPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &ack))
	assert.Equal(t, MsgSaveConfig, ack.Command)
	require.Len(t, store.Saved(), 1)
	assert.Equal(t, status.Gains, store.Saved()[0].Gains)
	assert.Empty(t, ctrl.Commands())
}

// TestServer_WebSocket_SaveConfigFailure tests a failed write
func TestServer_WebSocket_SaveConfigFailure(t *testing.T) {
	// Arrange
	s, ts := newTestServer(t, &fakeController{}, nil)
	s.SetConfigStore(&fakeSaver{err: errors.New("read-only file system")})
	conn := dial(t, ts)

	// Act
	send(t, conn, MsgSaveConfig, struct{}{})
	msg := readUntil(t, conn, MsgError)

	// Assert
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, ErrCodeStorage, payload.Code)
	assert.Contains(t, payload.Message, "read-only")
}

// TestServer_Broadcast tests periodic status pushes
func TestServer_Broadcast(t *testing.T) {
	// Arrange
	ctrl := &fakeController{status: Snapshot{Tracking: true}}
	s, ts := newTestServer(t, ctrl, nil)
	conn := dial(t, ts)
	readUntil(t, conn, MsgStatus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Broadcast(ctx)

	// Act
	msg := readUntil(t, conn, MsgStatus)

	// Assert
	var status Snapshot
	require.NoError(t, json.Unmarshal(msg.Payload, &status))
	assert.True(t, status.Tracking)
}

// TestServer_Stop tests that clients are disconnected
func TestServer_Stop(t *testing.T) {
	// Arrange
	s, ts := newTestServer(t, &fakeController{}, nil)
	conn := dial(t, ts)
	readUntil(t, conn, MsgStatus)

	// Act
	require.NoError(t, s.Stop(context.Background()))

	// Assert
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

// TestServer_EndToEnd tests a real controller driven over the WebSocket
func TestServer_EndToEnd(t *testing.T) {
	// Arrange
	g, link := newTestController(t, func(o *ControllerOptions) {
		o.Policy = unityPolicy(5, 15)
		o.FilterLength = 1
	})
	_, ts := newTestServer(t, g, nil)
	conn := dial(t, ts)

	// Act
	send(t, conn, MsgEnableTracking, struct{}{})
	readUntil(t, conn, MsgAck)
	g.Tick(t0)
	send(t, conn, MsgDetection, DetectionPayload{Detected: true, X: 360, Y: 240})
	require.Eventually(t, func() bool {
		_, sent := g.Tick(t0.Add(tick))
		return sent
	}, 2*time.Second, 5*time.Millisecond)

	// Assert
	require.Len(t, link.Sent(), 1)
	assert.Equal(t, 12, link.Sent()[0].StepX)
}
