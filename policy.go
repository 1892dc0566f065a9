package main

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidPolicy is returned when a band table cannot be used for lookups
var ErrInvalidPolicy = errors.New("invalid policy")

// Band maps an error magnitude threshold (pixels) to a policy value
type Band struct {
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Value     float64 `yaml:"value" json:"value"`
}

// BandTable is an ordered band list, sorted descending by threshold
type BandTable []Band

// Policy holds the three magnitude-indexed tables used by the control loop.
// A Policy is never mutated after construction; replace it as a whole.
type Policy struct {
	Deadzone BandTable `yaml:"deadzone" json:"deadzone"`
	MaxStep  BandTable `yaml:"max_step" json:"max_step"`
	Scale    BandTable `yaml:"scale" json:"scale"`

	// Interpolate switches lookups from step bands to linear interpolation
	// between adjacent band values
	Interpolate bool `yaml:"interpolate" json:"interpolate"`
}

// DefaultPolicy returns the stock band tables for an MG996R pan/tilt rig
func DefaultPolicy() *Policy {
	return &Policy{
		// Larger deadzone near center suppresses jitter around the noise floor
		Deadzone: BandTable{
			{Threshold: 80, Value: 10},
			{Threshold: 40, Value: 20},
			{Threshold: 0, Value: 30},
		},
		// Coarse steps far off target, fine steps close in
		MaxStep: BandTable{
			{Threshold: 150, Value: 15},
			{Threshold: 100, Value: 12},
			{Threshold: 60, Value: 9},
			{Threshold: 0, Value: 6},
		},
		// Full response near center, damped far away
		Scale: BandTable{
			{Threshold: 150, Value: 0.40},
			{Threshold: 80, Value: 0.55},
			{Threshold: 40, Value: 0.80},
			{Threshold: 0, Value: 1.0},
		},
	}
}

// NewPolicy validates the tables and returns an immutable policy
func NewPolicy(deadzone, maxStep, scale BandTable, interpolate bool) (*Policy, error) {
	p := &Policy{
		Deadzone:    append(BandTable(nil), deadzone...),
		MaxStep:     append(BandTable(nil), maxStep...),
		Scale:       append(BandTable(nil), scale...),
		Interpolate: interpolate,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks that every table is non-empty, sorted and holds usable values
func (p *Policy) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: policy is nil", ErrInvalidPolicy)
	}
	if err := p.Deadzone.validate("deadzone"); err != nil {
		return err
	}
	if err := p.MaxStep.validate("max_step"); err != nil {
		return err
	}
	if err := p.Scale.validate("scale"); err != nil {
		return err
	}

	for _, b := range p.Deadzone {
		if b.Value < 0 {
			return fmt.Errorf("%w: deadzone value must be non-negative, got %.2f", ErrInvalidPolicy, b.Value)
		}
	}
	for _, b := range p.MaxStep {
		if b.Value < 1 {
			return fmt.Errorf("%w: max_step value must be at least 1, got %.2f", ErrInvalidPolicy, b.Value)
		}
	}
	for _, b := range p.Scale {
		if b.Value <= 0 || b.Value > 1 {
			return fmt.Errorf("%w: scale value must be in (0, 1], got %.3f", ErrInvalidPolicy, b.Value)
		}
	}
	return nil
}

func (t BandTable) validate(name string) error {
	if len(t) == 0 {
		return fmt.Errorf("%w: %s bands must not be empty", ErrInvalidPolicy, name)
	}
	for i, b := range t {
		if math.IsNaN(b.Threshold) || math.IsInf(b.Threshold, 0) ||
			math.IsNaN(b.Value) || math.IsInf(b.Value, 0) {
			return fmt.Errorf("%w: %s band %d is not finite", ErrInvalidPolicy, name, i)
		}
		if b.Threshold < 0 {
			return fmt.Errorf("%w: %s band %d threshold must be non-negative, got %.2f",
				ErrInvalidPolicy, name, i, b.Threshold)
		}
		if i > 0 && b.Threshold >= t[i-1].Threshold {
			return fmt.Errorf("%w: %s bands must be sorted by descending threshold (band %d: %.2f >= %.2f)",
				ErrInvalidPolicy, name, i, b.Threshold, t[i-1].Threshold)
		}
	}
	return nil
}

// DeadzoneFor returns the on-target deadzone (pixels) for an error magnitude
func (p *Policy) DeadzoneFor(magnitude float64) float64 {
	return p.lookup(p.Deadzone, magnitude)
}

// MaxStepFor returns the per-tick step bound for an error magnitude
func (p *Policy) MaxStepFor(magnitude float64) int {
	return int(p.lookup(p.MaxStep, magnitude))
}

// ScaleFor returns the error scale factor for an error magnitude
func (p *Policy) ScaleFor(magnitude float64) float64 {
	return p.lookup(p.Scale, magnitude)
}

func (p *Policy) lookup(t BandTable, magnitude float64) float64 {
	if p.Interpolate {
		return t.interpolate(magnitude)
	}
	return t.band(magnitude)
}

// band returns the value of the first band whose threshold the magnitude
// meets, falling back to the lowest band
func (t BandTable) band(magnitude float64) float64 {
	for _, b := range t {
		if magnitude >= b.Threshold {
			return b.Value
		}
	}
	return t[len(t)-1].Value
}

// interpolate blends linearly between the two bands bracketing magnitude.
// Outside the table the nearest end value is held.
func (t BandTable) interpolate(magnitude float64) float64 {
	if magnitude >= t[0].Threshold {
		return t[0].Value
	}
	for i := 1; i < len(t); i++ {
		lo, hi := t[i], t[i-1]
		if magnitude >= lo.Threshold {
			frac := (magnitude - lo.Threshold) / (hi.Threshold - lo.Threshold)
			return lo.Value + frac*(hi.Value-lo.Value)
		}
	}
	return t[len(t)-1].Value
}
