package main

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrCommandQueueFull is returned when the control loop is not draining
// commands fast enough
var ErrCommandQueueFull = errors.New("command queue is full")

// CommandKind identifies a mode/command message for the control loop
type CommandKind int

const (
	CmdEnableTracking CommandKind = iota + 1
	CmdDisableTracking
	CmdSetGains
	CmdSetPolicy
	CmdManualStep
	CmdReconnect
	CmdSetInvert
	CmdSyncPose
	CmdSetLimits
)

var commandNames = map[CommandKind]string{
	CmdEnableTracking:  "enable_tracking",
	CmdDisableTracking: "disable_tracking",
	CmdSetGains:        "set_gains",
	CmdSetPolicy:       "set_policy",
	CmdManualStep:      "manual_step",
	CmdReconnect:       "reconnect",
	CmdSetInvert:       "set_invert",
	CmdSyncPose:        "sync_pose",
	CmdSetLimits:       "set_limits",
}

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Command is a discrete message applied by the control loop at the next
// tick boundary. Only the fields relevant to Kind are read.
type Command struct {
	Kind CommandKind

	Gains  Gains   // CmdSetGains
	Policy *Policy // CmdSetPolicy

	// CmdManualStep jog in degrees per axis
	DX float64
	DY float64

	// CmdSetInvert
	InvertX bool
	InvertY bool

	// CmdSetLimits, zero leaves a value unchanged
	IntegralMax      float64
	DetectionTimeout time.Duration
}

// EnableTracking starts closed-loop tracking
func EnableTracking() Command { return Command{Kind: CmdEnableTracking} }

// DisableTracking stops tracking; the gimbal holds its pose
func DisableTracking() Command { return Command{Kind: CmdDisableTracking} }

// SetGains replaces the PID gains of both axes
func SetGains(g Gains) Command { return Command{Kind: CmdSetGains, Gains: g} }

// SetPolicy replaces the adaptive policy table
func SetPolicy(p *Policy) Command { return Command{Kind: CmdSetPolicy, Policy: p} }

// ManualStep jogs the gimbal by dx, dy degrees, bypassing the PID stage
func ManualStep(dx, dy float64) Command { return Command{Kind: CmdManualStep, DX: dx, DY: dy} }

// Reconnect clears a latched link failure
func Reconnect() Command { return Command{Kind: CmdReconnect} }

// SetInvert sets the axis mirroring flags
func SetInvert(x, y bool) Command { return Command{Kind: CmdSetInvert, InvertX: x, InvertY: y} }

// SyncPose re-centers the software pose estimate
func SyncPose() Command { return Command{Kind: CmdSyncPose} }

// SetLimits replaces the integral anti-windup limit and the watchdog
// detection timeout. A zero value keeps the current setting.
func SetLimits(integralMax float64, detectionTimeout time.Duration) Command {
	return Command{Kind: CmdSetLimits, IntegralMax: integralMax, DetectionTimeout: detectionTimeout}
}

// Validate rejects malformed commands before they reach control state
func (c Command) Validate() error {
	switch c.Kind {
	case CmdEnableTracking, CmdDisableTracking, CmdReconnect, CmdSetInvert, CmdSyncPose:
		return nil
	case CmdSetGains:
		return c.Gains.Validate()
	case CmdSetPolicy:
		return c.Policy.Validate()
	case CmdManualStep:
		for _, v := range []float64{c.DX, c.DY} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("manual step must be finite")
			}
			if math.Abs(v) > ServoMaxAngle-ServoMinAngle {
				return fmt.Errorf("manual step %.1f exceeds the servo travel", v)
			}
		}
		return nil
	case CmdSetLimits:
		if math.IsNaN(c.IntegralMax) || math.IsInf(c.IntegralMax, 0) || c.IntegralMax < 0 {
			return fmt.Errorf("integral_max must be a non-negative number, got %v", c.IntegralMax)
		}
		if c.DetectionTimeout < 0 {
			return fmt.Errorf("detection_timeout must not be negative, got %v", c.DetectionTimeout)
		}
		if c.IntegralMax == 0 && c.DetectionTimeout == 0 {
			return fmt.Errorf("set_limits needs integral_max or detection_timeout")
		}
		return nil
	default:
		return fmt.Errorf("unknown command kind %d", int(c.Kind))
	}
}
