package main

import "encoding/json"

// Message types
const (
	MsgPing            = "ping"
	MsgPong            = "pong"
	MsgStatus          = "status"
	MsgError           = "error"
	MsgAck             = "ack"
	MsgDetection       = "detection"
	MsgOffset          = "offset"
	MsgEnableTracking  = "enable_tracking"
	MsgDisableTracking = "disable_tracking"
	MsgSetGains        = "set_gains"
	MsgSetPolicy       = "set_policy"
	MsgManualStep      = "manual_step"
	MsgReconnect       = "reconnect"
	MsgSetInvert       = "set_invert"
	MsgSyncPose        = "sync_pose"
	MsgSetLimits       = "set_limits"
	MsgSaveConfig      = "save_config"
)

// Error codes
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeInvalidConfig  = "INVALID_CONFIG"
	ErrCodeLink           = "LINK_ERROR"
	ErrCodeBusy           = "BUSY"
	ErrCodeStorage        = "STORAGE_ERROR"
)

// Message is the base envelope for all WebSocket messages
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PingPayload for ping messages
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload for pong messages
type PongPayload struct {
	ClientTimestamp int64 `json:"client_timestamp"`
	ServerTimestamp int64 `json:"server_timestamp"`
}

// DetectionPayload carries one frame's detection result in pixel coordinates
type DetectionPayload struct {
	Detected bool `json:"detected"`
	X        int  `json:"x"`
	Y        int  `json:"y"`
}

// OffsetPayload carries a precomputed offset from the frame center
type OffsetPayload struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

// GainsPayload for set_gains messages
type GainsPayload struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// PolicyPayload for set_policy messages
type PolicyPayload struct {
	Deadzone    BandTable `json:"deadzone"`
	MaxStep     BandTable `json:"max_step"`
	Scale       BandTable `json:"scale"`
	Interpolate bool      `json:"interpolate"`
}

// ManualStepPayload jogs by degrees per axis
type ManualStepPayload struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// InvertPayload for set_invert messages
type InvertPayload struct {
	X bool `json:"x"`
	Y bool `json:"y"`
}

// LimitsPayload for set_limits messages; zero leaves a value unchanged
type LimitsPayload struct {
	IntegralMax        float64 `json:"integral_max"`
	DetectionTimeoutMs int64   `json:"detection_timeout_ms"`
}

// AckPayload confirms a command was queued
type AckPayload struct {
	Command string `json:"command"`
}

// ErrorPayload for error messages
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given struct. An absent
// payload leaves v untouched.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
