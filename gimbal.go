package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

const (
	// Software angle limits, degrees
	ServoMinAngle = 0.0
	ServoMaxAngle = 180.0
	ServoCenter   = 90.0

	// DefaultStepToDegree is the software pose estimate per servo pulse step
	DefaultStepToDegree = 0.1

	// DefaultTickInterval runs the control loop at 40 Hz
	DefaultTickInterval = 25 * time.Millisecond
)

// Pose is the commanded absolute angle per axis in degrees
type Pose struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// StepCommand is one actuator command: the incremental step per axis and
// the absolute pose it moves the gimbal to
type StepCommand struct {
	StepX  int  `json:"step_x"`
	StepY  int  `json:"step_y"`
	Pose   Pose `json:"pose"`
	Manual bool `json:"manual"`
}

// Transmitter accepts commands for asynchronous delivery to the actuator
type Transmitter interface {
	Enqueue(cmd StepCommand) error
	Failures() <-chan error
	LastSent() time.Time
}

// Snapshot is a read-only copy of controller status for telemetry
type Snapshot struct {
	Pose               Pose          `json:"pose"`
	Health             Health        `json:"health"`
	LastErrorMagnitude float64       `json:"last_error_magnitude"`
	Tracking           bool          `json:"tracking"`
	InvertX            bool          `json:"invert_x"`
	InvertY            bool          `json:"invert_y"`
	LastStepX          int           `json:"last_step_x"`
	LastStepY          int           `json:"last_step_y"`
	Clamped            bool          `json:"clamped"`
	CommandsSent       uint64        `json:"commands_sent"`
	DetectionsDropped  uint64        `json:"detections_dropped"`
	LastFailure        string        `json:"last_failure,omitempty"`
	Gains              Gains         `json:"gains"`
	IntegralMax        float64       `json:"integral_max"`
	DetectionTimeout   time.Duration `json:"detection_timeout_ns"`
	Policy             *Policy       `json:"policy"`

	// Per-axis PID internals keyed "x" and "y"
	PID map[string]map[string]float64 `json:"pid"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ControllerOptions configures a GimbalController
type ControllerOptions struct {
	Gains            Gains
	IntegralMax      float64
	Policy           *Policy
	FilterLength     int
	DetectionTimeout time.Duration
	StepToDegree     float64
	InvertX          bool
	InvertY          bool
	TickInterval     time.Duration
	CenterX          int // Frame center in pixels
	CenterY          int
	CommandQueueSize int
}

// GimbalController is the control loop orchestrator. All control state is
// owned by the goroutine calling Tick/Run; other goroutines interact only
// through Submit, SubmitDetection and Status.
type GimbalController struct {
	policy   *Policy
	pidX     *PIDController
	pidY     *PIDController
	proc     *ErrorProcessor
	watchdog *Watchdog

	pose         Pose
	tracking     bool
	invertX      bool
	invertY      bool
	stepToDegree float64
	tickInterval time.Duration
	centerX      int
	centerY      int

	link     Transmitter
	metrics  *Metrics
	slot     *DetectionSlot
	commands chan Command

	lastMagnitude float64
	lastStep      StepCommand
	lastClamped   bool
	commandsSent  uint64

	statusMu sync.RWMutex
	status   Snapshot
}

// NewGimbalController validates the options and builds an idle controller
// centered at (90°, 90°)
func NewGimbalController(opts ControllerOptions, link Transmitter, metrics *Metrics) (*GimbalController, error) {
	if link == nil {
		return nil, fmt.Errorf("transmitter is required")
	}
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Gains.Validate(); err != nil {
		return nil, err
	}
	if opts.IntegralMax <= 0 {
		return nil, fmt.Errorf("integral_max must be positive, got %.3f", opts.IntegralMax)
	}
	if opts.StepToDegree <= 0 {
		opts.StepToDegree = DefaultStepToDegree
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.CommandQueueSize <= 0 {
		opts.CommandQueueSize = 16
	}

	now := time.Now()
	g := &GimbalController{
		policy:       opts.Policy,
		pidX:         NewPIDController(opts.Gains.Kp, opts.Gains.Ki, opts.Gains.Kd, opts.IntegralMax),
		pidY:         NewPIDController(opts.Gains.Kp, opts.Gains.Ki, opts.Gains.Kd, opts.IntegralMax),
		proc:         NewErrorProcessor(opts.Policy, opts.FilterLength),
		watchdog:     NewWatchdog(opts.DetectionTimeout, now),
		pose:         Pose{X: ServoCenter, Y: ServoCenter},
		invertX:      opts.InvertX,
		invertY:      opts.InvertY,
		stepToDegree: opts.StepToDegree,
		tickInterval: opts.TickInterval,
		centerX:      opts.CenterX,
		centerY:      opts.CenterY,
		link:         link,
		metrics:      metrics,
		slot:         NewDetectionSlot(),
		commands:     make(chan Command, opts.CommandQueueSize),
	}
	g.publish(now)
	return g, nil
}

// Submit validates a command and queues it for the next tick boundary.
// Configuration errors are returned here and never reach control state.
func (g *GimbalController) Submit(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if cmd.Kind == CmdSetLimits && cmd.DetectionTimeout > 0 && cmd.DetectionTimeout <= g.tickInterval {
		return fmt.Errorf("detection_timeout (%v) must be longer than tick_interval (%v)",
			cmd.DetectionTimeout, g.tickInterval)
	}
	select {
	case g.commands <- cmd:
		return nil
	default:
		return ErrCommandQueueFull
	}
}

// SubmitDetection delivers one frame's detection result. Frames without a
// detection deliver nothing and let the watchdog clock run.
func (g *GimbalController) SubmitDetection(d Detection, at time.Time) {
	if !d.Detected {
		return
	}
	g.slot.Put(d.Offset(g.centerX, g.centerY), at)
}

// SubmitOffset delivers an offset computed by the vision side directly
func (g *GimbalController) SubmitOffset(o Offset, at time.Time) {
	g.slot.Put(o, at)
}

// Status returns a copy of the last published snapshot
func (g *GimbalController) Status() Snapshot {
	g.statusMu.RLock()
	defer g.statusMu.RUnlock()
	return g.status
}

// Run ticks the control loop at the configured rate until ctx is cancelled
func (g *GimbalController) Run(ctx context.Context) {
	log.Printf("[CONTROLLER] Starting control loop (interval: %v)", g.tickInterval)

	ticker := time.NewTicker(g.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[CONTROLLER] Control loop stopped")
			return
		case now := <-ticker.C:
			g.Tick(now)
		}
	}
}

// Tick runs one control cycle: apply pending commands and link failures,
// consume the freshest detection, step the loop and publish status
func (g *GimbalController) Tick(now time.Time) (StepCommand, bool) {
	start := time.Now()

	g.drainCommands(now)
	g.drainLink()

	var offset *Offset
	o, seenAt, ok := g.slot.Take()
	if ok {
		if g.watchdog.Fresh(seenAt, now) {
			offset = &o
		} else {
			logDebugf("[CONTROLLER] Discarding detection from %v, older than %v",
				seenAt.Format(time.RFC3339Nano), g.watchdog.Timeout())
		}
	}

	cmd, sent := g.step(now, offset, seenAt)

	g.publish(now)
	g.metrics.ObserveTick(time.Since(start))
	return cmd, sent
}

// Step evaluates the watchdog and, given a fresh offset observed at now,
// runs the processing pipeline through to a transmitted command. It returns
// the command and true only when one was handed to the link.
func (g *GimbalController) Step(now time.Time, offset *Offset) (StepCommand, bool) {
	return g.step(now, offset, now)
}

func (g *GimbalController) step(now time.Time, offset *Offset, seenAt time.Time) (StepCommand, bool) {
	if !g.tracking {
		return StepCommand{}, false
	}

	if offset != nil && g.watchdog.ObserveDetection(seenAt) {
		g.resetControl()
		g.metrics.RecordTransition(HealthOK)
	}

	health, stopped := g.watchdog.Evaluate(now)
	if stopped {
		g.resetControl()
		g.metrics.RecordTransition(HealthStale)
	}
	if health != HealthOK || offset == nil {
		return StepCommand{}, false
	}

	sample := g.proc.Process(offset.DX, offset.DY)
	magnitude := sample.Magnitude()
	g.lastMagnitude = magnitude

	// On target: the only deadzone gate in the pipeline
	deadzone := g.policy.DeadzoneFor(magnitude)
	if math.Abs(float64(sample.X)) < deadzone && math.Abs(float64(sample.Y)) < deadzone {
		return StepCommand{}, false
	}

	maxStep := g.policy.MaxStepFor(magnitude)
	stepX, termsX := g.pidX.Update(sample.X, maxStep)
	stepY, termsY := g.pidY.Update(sample.Y, maxStep)
	g.metrics.ObservePID("x", termsX)
	g.metrics.ObservePID("y", termsY)

	if g.invertX {
		stepX = -stepX
	}
	if g.invertY {
		stepY = -stepY
	}
	if stepX == 0 && stepY == 0 {
		return StepCommand{}, false
	}

	return g.move(stepX, stepY, false)
}

// move applies a step to the pose under the software limits and hands the
// result to the link. Excess beyond a limit is dropped.
func (g *GimbalController) move(stepX, stepY int, manual bool) (StepCommand, bool) {
	prev := g.pose

	nextX, effX, clampedX := g.advance(prev.X, stepX)
	nextY, effY, clampedY := g.advance(prev.Y, stepY)
	if clampedX {
		g.metrics.RecordSaturation("x")
	}
	if clampedY {
		g.metrics.RecordSaturation("y")
	}

	g.pose = Pose{X: nextX, Y: nextY}
	g.lastClamped = clampedX || clampedY

	if effX == 0 && effY == 0 {
		return StepCommand{}, false
	}

	cmd := StepCommand{StepX: effX, StepY: effY, Pose: g.pose, Manual: manual}
	if err := g.link.Enqueue(cmd); err != nil {
		// Nothing left the controller, so the commanded pose is unchanged
		g.pose = prev
		g.reportLinkFailure(err)
		return StepCommand{}, false
	}

	g.commandsSent++
	g.lastStep = cmd
	g.metrics.RecordCommand(cmd)
	return cmd, true
}

// advance returns the next angle, the step actually applied and whether
// the limit cut the move short. The angle is always pos plus the applied
// step, so it can stop short of a limit that is not a whole step away.
func (g *GimbalController) advance(pos float64, step int) (float64, int, bool) {
	next := pos + float64(step)*g.stepToDegree
	if next >= ServoMinAngle && next <= ServoMaxAngle {
		return next, step, false
	}

	limit := ServoMaxAngle
	if next < ServoMinAngle {
		limit = ServoMinAngle
	}
	eff := stepsFor((limit - pos) / g.stepToDegree)
	return landAt(pos+float64(eff)*g.stepToDegree, limit), eff, true
}

// landAt keeps a clamped angle inside the limits, absorbing floating point
// noise when the applied steps reach the limit exactly
func landAt(angle, limit float64) float64 {
	const eps = 1e-9
	if math.Abs(angle-limit) < eps {
		return limit
	}
	return math.Max(ServoMinAngle, math.Min(ServoMaxAngle, angle))
}

// stepsFor truncates a fractional step count toward zero, tolerating
// floating point noise in the degree arithmetic
func stepsFor(steps float64) int {
	const eps = 1e-9
	if steps >= 0 {
		return int(steps + eps)
	}
	return int(steps - eps)
}

func (g *GimbalController) manualStep(dx, dy float64) {
	if g.watchdog.Health() == HealthCommandFailure {
		log.Printf("[MANUAL] Link failure latched, jog ignored until reconnect")
		g.metrics.RecordError("manual_rejected")
		return
	}

	if g.invertX {
		dx = -dx
	}
	if g.invertY {
		dy = -dy
	}

	stepX := stepsFor(dx / g.stepToDegree)
	stepY := stepsFor(dy / g.stepToDegree)
	if cmd, ok := g.move(stepX, stepY, true); ok {
		logDebugf("[MANUAL] Jog (%d, %d) steps -> (%.1f°, %.1f°)", cmd.StepX, cmd.StepY, cmd.Pose.X, cmd.Pose.Y)
	} else if g.lastClamped {
		log.Printf("[LIMIT] Jog held at software limit (%.1f°, %.1f°)", g.pose.X, g.pose.Y)
	}
}

func (g *GimbalController) drainCommands(now time.Time) {
	for {
		select {
		case cmd := <-g.commands:
			g.apply(cmd, now)
		default:
			return
		}
	}
}

func (g *GimbalController) apply(cmd Command, now time.Time) {
	logDebugf("[CONTROLLER] Applying %s", cmd.Kind)

	switch cmd.Kind {
	case CmdEnableTracking:
		if !g.tracking {
			g.tracking = true
			g.resetControl()
			g.watchdog.Arm(now)
			log.Printf("[CONTROLLER] Tracking enabled")
		}
	case CmdDisableTracking:
		if g.tracking {
			g.tracking = false
			g.resetControl()
			log.Printf("[CONTROLLER] Tracking disabled")
		}
	case CmdSetGains:
		g.pidX.SetGains(cmd.Gains)
		g.pidY.SetGains(cmd.Gains)
		log.Printf("[CONTROLLER] PID gains updated: Kp=%.3f, Ki=%.3f, Kd=%.3f",
			cmd.Gains.Kp, cmd.Gains.Ki, cmd.Gains.Kd)
		for _, w := range NewPIDTuning(cmd.Gains).ValidateGains() {
			log.Printf("[CONTROLLER] Warning: %s", w)
		}
	case CmdSetPolicy:
		g.policy = cmd.Policy
		g.proc.SetPolicy(cmd.Policy)
		log.Printf("[CONTROLLER] Policy updated (%d deadzone, %d max-step, %d scale bands)",
			len(cmd.Policy.Deadzone), len(cmd.Policy.MaxStep), len(cmd.Policy.Scale))
	case CmdManualStep:
		g.manualStep(cmd.DX, cmd.DY)
	case CmdReconnect:
		prev := g.watchdog.Health()
		g.watchdog.Reconnect(now)
		g.resetControl()
		if prev != HealthOK {
			g.metrics.RecordTransition(HealthOK)
		}
		log.Printf("[CONTROLLER] Reconnected, health %s -> %s", prev, g.watchdog.Health())
	case CmdSetInvert:
		g.invertX, g.invertY = cmd.InvertX, cmd.InvertY
		g.pidX.Reset()
		g.pidY.Reset()
		log.Printf("[CONTROLLER] Axis inversion set: x=%t, y=%t", g.invertX, g.invertY)
	case CmdSetLimits:
		if cmd.IntegralMax > 0 {
			g.pidX.SetIntegralMax(cmd.IntegralMax)
			g.pidY.SetIntegralMax(cmd.IntegralMax)
		}
		if cmd.DetectionTimeout > 0 {
			g.watchdog.SetTimeout(cmd.DetectionTimeout)
		}
		log.Printf("[CONTROLLER] Limits updated: integral_max=%.1f, detection_timeout=%v",
			g.pidX.IntegralMax, g.watchdog.Timeout())
	case CmdSyncPose:
		g.pose = Pose{X: ServoCenter, Y: ServoCenter}
		g.resetControl()
		log.Printf("[CONTROLLER] Pose re-synced to center (%.0f°, %.0f°)", ServoCenter, ServoCenter)
	}
}

// drainLink applies asynchronous link results to the watchdog
func (g *GimbalController) drainLink() {
	for {
		select {
		case err := <-g.link.Failures():
			g.reportLinkFailure(err)
		default:
			if sent := g.link.LastSent(); !sent.IsZero() && sent.After(g.watchdog.LastSend()) {
				g.watchdog.ReportSendSuccess(sent)
			}
			return
		}
	}
}

func (g *GimbalController) reportLinkFailure(err error) {
	g.metrics.RecordError("link")
	if g.watchdog.Health() != HealthCommandFailure {
		g.metrics.RecordTransition(HealthCommandFailure)
	}
	g.watchdog.ReportSendFailure(err)
	g.resetControl()
}

// resetControl clears PID and filter state so nothing stale carries over
// a mode change or watchdog stop
func (g *GimbalController) resetControl() {
	g.pidX.Reset()
	g.pidY.Reset()
	g.proc.Reset()
}

func (g *GimbalController) publish(now time.Time) {
	s := Snapshot{
		Pose:               g.pose,
		Health:             g.watchdog.Health(),
		LastErrorMagnitude: g.lastMagnitude,
		Tracking:           g.tracking,
		InvertX:            g.invertX,
		InvertY:            g.invertY,
		LastStepX:          g.lastStep.StepX,
		LastStepY:          g.lastStep.StepY,
		Clamped:            g.lastClamped,
		CommandsSent:       g.commandsSent,
		DetectionsDropped:  g.slot.Dropped(),
		Gains:              g.pidX.Gains(),
		IntegralMax:        g.pidX.IntegralMax,
		DetectionTimeout:   g.watchdog.Timeout(),
		Policy:             g.policy,
		PID: map[string]map[string]float64{
			"x": g.pidX.GetState(),
			"y": g.pidY.GetState(),
		},
		UpdatedAt: now,
	}
	if err := g.watchdog.LastFailure(); err != nil {
		s.LastFailure = err.Error()
	}

	g.statusMu.Lock()
	g.status = s
	g.statusMu.Unlock()

	g.metrics.ObserveStatus(s)
}
