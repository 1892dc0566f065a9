package main

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGains is returned when PID gains are rejected
var ErrInvalidGains = errors.New("invalid gains")

// PIDController implements one gimbal axis compensator with anti-windup.
// Output is a signed servo step count; the step bound comes from the
// policy table on every call.
type PIDController struct {
	// PID gains
	Kp float64 // Proportional gain
	Ki float64 // Integral gain
	Kd float64 // Derivative gain

	// Internal state
	Integral   float64 // Accumulated error sum (clamped)
	PrevError  float64 // Previous error for derivative calculation
	LastOutput int     // Last step emitted
	FirstRun   bool    // True until the first post-reset update

	// Anti-windup protection
	IntegralMax float64 // Maximum allowed magnitude of the error sum
}

// PIDTerms contains the individual PID components for monitoring
type PIDTerms struct {
	P     float64 // Proportional term
	I     float64 // Integral term
	D     float64 // Derivative term
	Error float64 // Current error
}

// Gains is a complete set of PID coefficients, replaced as a unit
type Gains struct {
	Kp float64 `json:"kp" yaml:"kp"`
	Ki float64 `json:"ki" yaml:"ki"`
	Kd float64 `json:"kd" yaml:"kd"`
}

// Validate rejects negative or non-finite gains
func (g Gains) Validate() error {
	for _, v := range []struct {
		name  string
		value float64
	}{{"kp", g.Kp}, {"ki", g.Ki}, {"kd", g.Kd}} {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidGains, v.name)
		}
		if v.value < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %.3f", ErrInvalidGains, v.name, v.value)
		}
	}
	return nil
}

// NewPIDController creates a new axis controller with the specified parameters
func NewPIDController(kp, ki, kd, integralMax float64) *PIDController {
	return &PIDController{
		Kp:          kp,
		Ki:          ki,
		Kd:          kd,
		IntegralMax: integralMax,
		FirstRun:    true,
	}
}

// Update computes the bounded step for the given error.
// The first call after Reset seeds the integral sum but contributes only
// the proportional term.
func (p *PIDController) Update(errorValue int, maxStep int) (int, PIDTerms) {
	e := float64(errorValue)

	// Proportional term
	proportional := p.Kp * e

	// The error sum always accumulates; I and D terms start on the second call
	p.Integral = clamp(p.Integral+e, -p.IntegralMax, p.IntegralMax)
	var integral, derivative float64
	if !p.FirstRun {
		integral = p.Ki * p.Integral
		derivative = p.Kd * (e - p.PrevError)
	}

	// Truncate to whole steps, then clamp to the policy bound
	output := int(proportional + integral + derivative)
	if maxStep < 0 {
		maxStep = 0
	}
	output = clampInt(output, -maxStep, maxStep)

	// Update internal state
	p.PrevError = e
	p.LastOutput = output
	p.FirstRun = false

	// Return output and terms for monitoring
	terms := PIDTerms{
		P:     proportional,
		I:     integral,
		D:     derivative,
		Error: e,
	}

	return output, terms
}

// Reset clears the accumulated integral and derivative history
func (p *PIDController) Reset() {
	p.Integral = 0
	p.PrevError = 0
	p.LastOutput = 0
	p.FirstRun = true
}

// SetGains updates the PID gains
func (p *PIDController) SetGains(g Gains) {
	p.Kp = g.Kp
	p.Ki = g.Ki
	p.Kd = g.Kd
}

// Gains returns the current coefficients
func (p *PIDController) Gains() Gains {
	return Gains{Kp: p.Kp, Ki: p.Ki, Kd: p.Kd}
}

// SetIntegralMax updates the integral anti-windup limit
func (p *PIDController) SetIntegralMax(integralMax float64) {
	p.IntegralMax = integralMax
	p.Integral = clamp(p.Integral, -integralMax, integralMax)
}

// GetState returns the current PID controller state for debugging
func (p *PIDController) GetState() map[string]float64 {
	return map[string]float64{
		"kp":           p.Kp,
		"ki":           p.Ki,
		"kd":           p.Kd,
		"integral":     p.Integral,
		"prev_error":   p.PrevError,
		"last_output":  float64(p.LastOutput),
		"integral_max": p.IntegralMax,
	}
}

// clamp limits a value between min and max
func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Tuning presets, named by the config value that selects them
const (
	PresetResponsive = "responsive"
	PresetSmooth     = "smooth"
	PresetPrecise    = "precise"
)

// PIDTuning provides helper functions for PID tuning
type PIDTuning struct {
	gains Gains
}

// NewPIDTuning creates a tuning helper starting from the given gains
func NewPIDTuning(g Gains) *PIDTuning {
	return &PIDTuning{gains: g}
}

// Gains returns the tuned coefficients
func (t *PIDTuning) Gains() Gains {
	return t.gains
}

// ApplyPreset loads a named preset
func (t *PIDTuning) ApplyPreset(name string) error {
	switch name {
	case PresetResponsive:
		// Fast response, light damping
		t.gains = Gains{Kp: 0.8, Ki: 0, Kd: 0.15}
	case PresetSmooth:
		t.gains = Gains{Kp: 0.5, Ki: 0, Kd: 0.1}
	case PresetPrecise:
		// Slow and accurate; the only preset with integral action
		t.gains = Gains{Kp: 0.3, Ki: 0.01, Kd: 0.05}
	default:
		return fmt.Errorf("unknown pid preset %q", name)
	}
	return nil
}

// ValidateGains checks if the gains are reasonable for a hobby servo gimbal
func (t *PIDTuning) ValidateGains() []string {
	var warnings []string

	if t.gains.Kp > 2 {
		warnings = append(warnings, "Kp should typically be between 0-2")
	}
	if t.gains.Ki > 0.1 {
		warnings = append(warnings, "Ki should typically be between 0-0.1")
	}
	if t.gains.Kd > 1 {
		warnings = append(warnings, "Kd should typically be between 0-1")
	}
	if t.gains.Kp == 0 {
		warnings = append(warnings, "Kp is zero, the gimbal will not track")
	}

	// Integral action with a stiff P term overshoots on a slewing target
	if t.gains.Kp > 1 && t.gains.Ki > 0.05 {
		warnings = append(warnings, "High Kp with high Ki may cause oscillation")
	}

	return warnings
}
