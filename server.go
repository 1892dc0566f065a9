package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// Controller is the control loop surface exposed to remote clients
type Controller interface {
	Submit(cmd Command) error
	SubmitDetection(d Detection, at time.Time)
	SubmitOffset(o Offset, at time.Time)
	Status() Snapshot
}

// Reopener restores the actuator link after a failure
type Reopener interface {
	Reopen() error
}

// TuningSaver persists the tuning held in a status snapshot
type TuningSaver interface {
	SaveTuning(status Snapshot) error
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Health    Health    `json:"health"`
	Tracking  bool      `json:"tracking"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// Server exposes the controller over HTTP and WebSocket
type Server struct {
	cfg      ServerConfig
	ctrl     Controller
	link     Reopener
	store    TuningSaver
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	started  time.Time

	clients   map[*Client]bool
	clientsMu sync.RWMutex

	httpServer *http.Server
}

// Client represents a connected WebSocket client
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewServer creates a control server. link may be nil when reconnects are
// not supported; gatherer may be nil to disable /metrics.
func NewServer(cfg ServerConfig, ctrl Controller, link Reopener, gatherer prometheus.Gatherer) *Server {
	return &Server{
		cfg:      cfg,
		ctrl:     ctrl,
		link:     link,
		gatherer: gatherer,
		started:  time.Now(),
		clients:  make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Operator console runs on the local network
			},
		},
	}
}

// SetConfigStore enables save_config requests
func (s *Server) SetConfigStore(store TuningSaver) {
	s.store = store
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("/metrics", MetricsHandler(s.gatherer))
	}
	return mux
}

// Start listens on the configured port in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("Control server starting on %s (/ws, /status, /health, /metrics)", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Control server error: %v", err)
		}
	}()

	return nil
}

// Broadcast pushes status snapshots to all clients until ctx is cancelled
func (s *Server) Broadcast(ctx context.Context) {
	interval := s.cfg.StatusInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.ctrl.Status()
			s.clientsMu.RLock()
			for client := range s.clients {
				client.sendMessage(MsgStatus, status)
			}
			s.clientsMu.RUnlock()
		}
	}
}

// Stop disconnects all clients and shuts the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	s.clientsMu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clientsMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctrl.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.ctrl.Status()

	response := HealthResponse{
		Status:    "ok",
		Health:    status.Health,
		Tracking:  status.Tracking,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.started).String(),
	}
	if status.Health == HealthCommandFailure {
		// The daemon is up but cannot move the gimbal
		response.Status = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			log.Printf("Failed to encode health response: %v", err)
		}
		return
	}
	writeJSON(w, response)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("Client %s connected from %s (%d connected)", client.id, r.RemoteAddr, count)

	go client.writePump()
	go client.readPump()

	client.sendMessage(MsgStatus, s.ctrl.Status())
}

func (c *Client) sendMessage(msgType string, payload any) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		log.Printf("Failed to create message: %v", err)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		logDebugf("Client send buffer full, dropping %s message", msgType)
	}
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(MsgError, ErrorPayload{Code: code, Message: message})
}

func (c *Client) readPump() {
	defer func() {
		c.server.clientsMu.Lock()
		delete(c.server.clients, c)
		c.server.clientsMu.Unlock()
		c.Close()
		log.Printf("Client %s disconnected", c.id)
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Client %s WebSocket error: %v", c.id, err)
			}
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(ErrCodeInvalidMessage, "Failed to parse message")
		return
	}

	ctrl := c.server.ctrl

	switch msg.Type {
	case MsgPing:
		var payload PingPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(ErrCodeInvalidMessage, err.Error())
			return
		}
		c.sendMessage(MsgPong, PongPayload{
			ClientTimestamp: payload.Timestamp,
			ServerTimestamp: time.Now().UnixMilli(),
		})

	case MsgDetection:
		var payload DetectionPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(ErrCodeInvalidMessage, err.Error())
			return
		}
		ctrl.SubmitDetection(Detection{Detected: payload.Detected, X: payload.X, Y: payload.Y}, time.Now())

	case MsgOffset:
		var payload OffsetPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(ErrCodeInvalidMessage, err.Error())
			return
		}
		ctrl.SubmitOffset(Offset{DX: payload.DX, DY: payload.DY}, time.Now())

	case MsgEnableTracking:
		c.submit(EnableTracking())

	case MsgDisableTracking:
		c.submit(DisableTracking())

	case MsgSetGains:
		var payload GainsPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(ErrCodeInvalidMessage, err.Error())
			return
		}
		c.submit(SetGains(Gains{Kp: payload.Kp, Ki: payload.Ki, Kd: payload.Kd}))

	case MsgSetPolicy:
		var payload PolicyPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(ErrCodeInvalidMessage, err.Error())
			return
		}
		policy, err := NewPolicy(payload.Deadzone, payload.MaxStep, payload.Scale, payload.Interpolate)
		if err != nil {
			c.sendError(ErrCodeInvalidConfig, err.Error())
			return
		}
		c.submit(SetPolicy(policy))

	case MsgManualStep:
		var payload ManualStepPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(ErrCodeInvalidMessage, err.Error())
			return
		}
		c.submit(ManualStep(payload.DX, payload.DY))

	case MsgReconnect:
		c.handleReconnect()

	case MsgSetInvert:
		var payload InvertPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(ErrCodeInvalidMessage, err.Error())
			return
		}
		c.submit(SetInvert(payload.X, payload.Y))

	case MsgSyncPose:
		c.submit(SyncPose())

	case MsgSetLimits:
		var payload LimitsPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(ErrCodeInvalidMessage, err.Error())
			return
		}
		c.submit(SetLimits(payload.IntegralMax, time.Duration(payload.DetectionTimeoutMs)*time.Millisecond))

	case MsgSaveConfig:
		c.handleSaveConfig()

	default:
		log.Printf("Client %s sent unknown message type: %s", c.id, msg.Type)
		c.sendError(ErrCodeInvalidMessage, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// submit queues a command and acknowledges or reports why it was refused
func (c *Client) submit(cmd Command) {
	if err := c.server.ctrl.Submit(cmd); err != nil {
		code := ErrCodeInvalidConfig
		if errors.Is(err, ErrCommandQueueFull) {
			code = ErrCodeBusy
		}
		c.sendError(code, err.Error())
		return
	}
	c.sendMessage(MsgAck, AckPayload{Command: cmd.Kind.String()})
}

// handleReconnect reopens the port on the client's goroutine, keeping the
// blocking device I/O off the control loop
func (c *Client) handleReconnect() {
	if link := c.server.link; link != nil {
		if err := link.Reopen(); err != nil {
			log.Printf("Client %s reconnect failed: %v", c.id, err)
			c.sendError(ErrCodeLink, err.Error())
			return
		}
	}
	c.submit(Reconnect())
}

// handleSaveConfig writes the tuning currently applied by the control loop.
// Commands still queued for the next tick are not included.
func (c *Client) handleSaveConfig() {
	store := c.server.store
	if store == nil {
		c.sendError(ErrCodeInvalidConfig, "saving configuration is not enabled")
		return
	}
	if err := store.SaveTuning(c.server.ctrl.Status()); err != nil {
		log.Printf("Client %s save_config failed: %v", c.id, err)
		c.sendError(ErrCodeStorage, err.Error())
		return
	}
	c.sendMessage(MsgAck, AckPayload{Command: MsgSaveConfig})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
