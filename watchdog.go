package main

import (
	"fmt"
	"log"
	"time"
)

// DefaultDetectionTimeout is how long tracking survives without a detection
const DefaultDetectionTimeout = time.Second

// Health is the watchdog state consulted by the control loop every tick
type Health int

const (
	HealthOK Health = iota
	HealthStale
	HealthCommandFailure
)

// String returns the metric/status label for the health state
func (h Health) String() string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthStale:
		return "stale"
	case HealthCommandFailure:
		return "command_failure"
	default:
		return "unknown"
	}
}

// MarshalText lets Health serialize as its label in JSON status payloads
func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses a health label
func (h *Health) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ok":
		*h = HealthOK
	case "stale":
		*h = HealthStale
	case "command_failure":
		*h = HealthCommandFailure
	default:
		return fmt.Errorf("unknown health state %q", text)
	}
	return nil
}

// Watchdog tracks detection freshness and link health.
// STALE recovers on the next detection; COMMAND_FAILURE only on Reconnect.
type Watchdog struct {
	timeout       time.Duration
	lastDetection time.Time
	lastSend      time.Time
	lastFailure   error
	health        Health
}

// NewWatchdog creates a watchdog in the OK state with the detection clock
// starting at now
func NewWatchdog(timeout time.Duration, now time.Time) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultDetectionTimeout
	}
	return &Watchdog{
		timeout:       timeout,
		lastDetection: now,
		health:        HealthOK,
	}
}

// Arm restarts the detection clock, used when tracking is enabled.
// A stale watchdog becomes OK; a command failure is left in place.
func (w *Watchdog) Arm(now time.Time) {
	w.lastDetection = now
	if w.health == HealthStale {
		w.health = HealthOK
	}
}

// ObserveDetection records a valid detection seen at the given time. It
// returns true on the STALE -> OK edge, when the caller must reset
// controller state.
func (w *Watchdog) ObserveDetection(at time.Time) bool {
	if at.After(w.lastDetection) {
		w.lastDetection = at
	}
	if w.health == HealthStale {
		w.health = HealthOK
		log.Printf("[WATCHDOG] Detection resumed, tracking re-enabled")
		return true
	}
	return false
}

// Evaluate applies the staleness rule at time now and returns the current
// health. stopped is true only on the OK -> STALE edge.
func (w *Watchdog) Evaluate(now time.Time) (health Health, stopped bool) {
	if w.health == HealthOK && now.Sub(w.lastDetection) >= w.timeout {
		w.health = HealthStale
		log.Printf("[WATCHDOG] No detection for %v (timeout %v), holding position",
			now.Sub(w.lastDetection).Round(time.Millisecond), w.timeout)
		return w.health, true
	}
	return w.health, false
}

// ReportSendFailure latches COMMAND_FAILURE regardless of detection freshness
func (w *Watchdog) ReportSendFailure(err error) {
	if w.health != HealthCommandFailure {
		log.Printf("[WATCHDOG] Link failure, holding until reconnect: %v", err)
	}
	w.lastFailure = err
	w.health = HealthCommandFailure
}

// ReportSendSuccess records the time of the last successful transmission
func (w *Watchdog) ReportSendSuccess(now time.Time) {
	w.lastSend = now
}

// Reconnect clears COMMAND_FAILURE after the operator restores the link
func (w *Watchdog) Reconnect(now time.Time) {
	w.health = HealthOK
	w.lastFailure = nil
	w.lastDetection = now
}

// Health returns the last evaluated state without advancing the clock
func (w *Watchdog) Health() Health {
	return w.health
}

// LastFailure returns the error that latched COMMAND_FAILURE, if any
func (w *Watchdog) LastFailure() error {
	return w.lastFailure
}

// LastSend returns the time of the last successful transmission
func (w *Watchdog) LastSend() time.Time {
	return w.lastSend
}

// Fresh reports whether a detection seen at the given time is still
// inside the timeout at now
func (w *Watchdog) Fresh(at, now time.Time) bool {
	return now.Sub(at) < w.timeout
}

// Timeout returns the detection timeout
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// SetTimeout replaces the detection timeout
func (w *Watchdog) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		w.timeout = timeout
	}
}
