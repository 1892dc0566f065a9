package main

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gimbal controller
type Metrics struct {
	// Pose and error metrics
	PoseDegrees    *prometheus.GaugeVec // Commanded angle per axis
	ErrorMagnitude prometheus.Gauge     // Processed error magnitude (pixels)

	// PID metrics
	PIDTerm  *prometheus.GaugeVec // P/I/D term per axis
	LastStep *prometheus.GaugeVec // Last emitted step per axis

	// Safety metrics
	Health              *prometheus.GaugeVec   // Watchdog state (1=current)
	TrackingEnabled     prometheus.Gauge       // Tracking mode flag
	WatchdogTransitions *prometheus.CounterVec // Transitions by destination state
	LimitSaturations    *prometheus.CounterVec // Software limit clamps per axis

	// System metrics
	CommandsTotal *prometheus.CounterVec // Commands handed to the link
	ErrorsTotal   *prometheus.CounterVec // Error counters
	TickDuration  prometheus.Histogram   // Control loop timing
}

var healthStates = []Health{HealthOK, HealthStale, HealthCommandFailure}

// NewMetrics creates all gimbal metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PoseDegrees: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gimbal_pose_degrees",
				Help: "Commanded gimbal angle in degrees",
			},
			[]string{"axis"},
		),
		ErrorMagnitude: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gimbal_error_magnitude_pixels",
				Help: "Magnitude of the last scaled and filtered tracking error",
			},
		),
		PIDTerm: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gimbal_pid_term",
				Help: "PID term contribution per axis",
			},
			[]string{"axis", "term"},
		),
		LastStep: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gimbal_last_step",
				Help: "Last step command sent per axis",
			},
			[]string{"axis"},
		),
		Health: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gimbal_watchdog_health",
				Help: "Watchdog health state (1=current state, 0=otherwise)",
			},
			[]string{"state"},
		),
		TrackingEnabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gimbal_tracking_enabled",
				Help: "Tracking mode status (1=enabled, 0=disabled)",
			},
		),
		WatchdogTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gimbal_watchdog_transitions_total",
				Help: "Watchdog transitions by destination state",
			},
			[]string{"state"},
		),
		LimitSaturations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gimbal_limit_saturations_total",
				Help: "Moves clipped by the software angle limit",
			},
			[]string{"axis"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gimbal_commands_total",
				Help: "Step commands handed to the actuator link",
			},
			[]string{"source"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gimbal_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gimbal_tick_duration_seconds",
				Help:    "Control loop tick execution time in seconds",
				Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025},
			},
		),
	}

	reg.MustRegister(
		m.PoseDegrees,
		m.ErrorMagnitude,
		m.PIDTerm,
		m.LastStep,
		m.Health,
		m.TrackingEnabled,
		m.WatchdogTransitions,
		m.LimitSaturations,
		m.CommandsTotal,
		m.ErrorsTotal,
		m.TickDuration,
	)

	return m
}

// MetricsHandler serves the registry in Prometheus exposition format
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The methods below are no-ops on a nil *Metrics so the controller can run
// without a registry.

// ObserveStatus updates the gauges derived from a status snapshot
func (m *Metrics) ObserveStatus(s Snapshot) {
	if m == nil {
		return
	}
	m.PoseDegrees.WithLabelValues("x").Set(s.Pose.X)
	m.PoseDegrees.WithLabelValues("y").Set(s.Pose.Y)
	m.ErrorMagnitude.Set(s.LastErrorMagnitude)
	for _, h := range healthStates {
		v := 0.0
		if h == s.Health {
			v = 1
		}
		m.Health.WithLabelValues(h.String()).Set(v)
	}
	if s.Tracking {
		m.TrackingEnabled.Set(1)
	} else {
		m.TrackingEnabled.Set(0)
	}
}

// ObservePID records the terms of one axis update
func (m *Metrics) ObservePID(axis string, terms PIDTerms) {
	if m == nil {
		return
	}
	m.PIDTerm.WithLabelValues(axis, "p").Set(terms.P)
	m.PIDTerm.WithLabelValues(axis, "i").Set(terms.I)
	m.PIDTerm.WithLabelValues(axis, "d").Set(terms.D)
}

// RecordCommand counts a command handed to the link
func (m *Metrics) RecordCommand(cmd StepCommand) {
	if m == nil {
		return
	}
	source := "tracking"
	if cmd.Manual {
		source = "manual"
	}
	m.CommandsTotal.WithLabelValues(source).Inc()
	m.LastStep.WithLabelValues("x").Set(float64(cmd.StepX))
	m.LastStep.WithLabelValues("y").Set(float64(cmd.StepY))
}

// RecordSaturation counts a software limit clamp on an axis
func (m *Metrics) RecordSaturation(axis string) {
	if m == nil {
		return
	}
	m.LimitSaturations.WithLabelValues(axis).Inc()
}

// RecordTransition counts a watchdog transition into state h
func (m *Metrics) RecordTransition(h Health) {
	if m == nil {
		return
	}
	m.WatchdogTransitions.WithLabelValues(h.String()).Inc()
}

// RecordError increments the error counter for the specified type
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// ObserveTick records the duration of one control tick
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
}

// LogStatusSummary logs a formatted one-line summary of a snapshot
func LogStatusSummary(s Snapshot) {
	mode := "idle"
	if s.Tracking {
		mode = "tracking"
	}
	if s.Health != HealthOK {
		log.Printf("HOLD: %s | Mode: %s | Pose: (%.1f°, %.1f°) | Error: %.1fpx | Sent: %d",
			s.Health, mode, s.Pose.X, s.Pose.Y, s.LastErrorMagnitude, s.CommandsSent)
		return
	}
	log.Printf("Status: Mode: %s | Pose: (%.1f°, %.1f°) | Error: %.1fpx | Step: (%d, %d) | Sent: %d",
		mode, s.Pose.X, s.Pose.Y, s.LastErrorMagnitude, s.LastStepX, s.LastStepY, s.CommandsSent)
}
