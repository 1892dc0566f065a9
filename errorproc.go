package main

import "math"

// DefaultFilterLength is the moving-average window used when none is configured
const DefaultFilterLength = 3

// Offset is the raw pixel displacement of the target from the frame center
type Offset struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

// Magnitude returns the Euclidean norm of the raw offset
func (o Offset) Magnitude() float64 {
	return math.Hypot(float64(o.DX), float64(o.DY))
}

// ErrorSample is the scaled and filtered offset fed to the PID stage
type ErrorSample struct {
	X int
	Y int
}

// Magnitude returns the Euclidean norm of the processed sample
func (s ErrorSample) Magnitude() float64 {
	return math.Hypot(float64(s.X), float64(s.Y))
}

// ErrorProcessor scales raw offsets by the policy scale band and smooths
// them with a fixed-length moving average per axis
type ErrorProcessor struct {
	policy *Policy
	histX  []int
	histY  []int
	index  int
}

// NewErrorProcessor creates a processor with a zero-filled history of the
// given length
func NewErrorProcessor(policy *Policy, length int) *ErrorProcessor {
	if length <= 0 {
		length = DefaultFilterLength
	}
	return &ErrorProcessor{
		policy: policy,
		histX:  make([]int, length),
		histY:  make([]int, length),
	}
}

// Process scales the raw offset, truncating toward zero, pushes it into the
// circular history and returns the integer mean of each axis
func (e *ErrorProcessor) Process(dx, dy int) ErrorSample {
	scale := e.policy.ScaleFor(Offset{DX: dx, DY: dy}.Magnitude())

	e.histX[e.index] = int(float64(dx) * scale)
	e.histY[e.index] = int(float64(dy) * scale)
	e.index = (e.index + 1) % len(e.histX)

	return ErrorSample{X: mean(e.histX), Y: mean(e.histY)}
}

// Reset zero-fills the history so stale samples cannot bias the next command
func (e *ErrorProcessor) Reset() {
	for i := range e.histX {
		e.histX[i] = 0
		e.histY[i] = 0
	}
	e.index = 0
}

// SetPolicy swaps the table used for scale lookups
func (e *ErrorProcessor) SetPolicy(policy *Policy) {
	e.policy = policy
}

func mean(values []int) int {
	sum := 0
	for _, v := range values {
		sum += v
	}
	return sum / len(values)
}
