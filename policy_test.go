package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultPolicy_IsValid tests that the stock tables pass validation
func TestDefaultPolicy_IsValid(t *testing.T) {
	// Act
	err := DefaultPolicy().Validate()

	// Assert
	assert.NoError(t, err)
}

// TestPolicy_DeadzoneFor tests the adaptive deadzone bands
func TestPolicy_DeadzoneFor(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		magnitude float64
		expected  float64
	}{
		{0, 30},
		{39.9, 30},
		{40, 20},
		{79, 20},
		{80, 10},
		{500, 10},
	}

	for _, tt := range tests {
		// Act
		got := policy.DeadzoneFor(tt.magnitude)

		// Assert
		assert.Equal(t, tt.expected, got, "magnitude %.1f", tt.magnitude)
	}
}

// TestPolicy_MaxStepFor tests the speed bands
func TestPolicy_MaxStepFor(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		magnitude float64
		expected  int
	}{
		{0, 6},
		{59, 6},
		{60, 9},
		{100, 12},
		{149.99, 12},
		{150, 15},
		{1e6, 15},
	}

	for _, tt := range tests {
		// Act
		got := policy.MaxStepFor(tt.magnitude)

		// Assert
		assert.Equal(t, tt.expected, got, "magnitude %.2f", tt.magnitude)
	}
}

// TestPolicy_ScaleFor tests the error scale bands
func TestPolicy_ScaleFor(t *testing.T) {
	policy := DefaultPolicy()

	assert.Equal(t, 1.0, policy.ScaleFor(10))
	assert.Equal(t, 0.80, policy.ScaleFor(40))
	assert.Equal(t, 0.55, policy.ScaleFor(100))
	assert.Equal(t, 0.40, policy.ScaleFor(200))
}

// TestPolicy_LookupFallsBackToLowestBand tests magnitudes below every
// threshold
func TestPolicy_LookupFallsBackToLowestBand(t *testing.T) {
	// Arrange
	policy, err := NewPolicy(
		BandTable{{Threshold: 50, Value: 5}, {Threshold: 20, Value: 15}},
		BandTable{{Threshold: 10, Value: 4}},
		BandTable{{Threshold: 10, Value: 0.5}},
		false,
	)
	require.NoError(t, err)

	// Act & Assert
	assert.Equal(t, 15.0, policy.DeadzoneFor(3))
	assert.Equal(t, 4, policy.MaxStepFor(3))
	assert.Equal(t, 0.5, policy.ScaleFor(3))
}

// TestPolicy_Interpolate tests the continuous variant
func TestPolicy_Interpolate(t *testing.T) {
	// Arrange
	base := DefaultPolicy()
	policy, err := NewPolicy(base.Deadzone, base.MaxStep, base.Scale, true)
	require.NoError(t, err)

	// Act & Assert - halfway between bands 40 (20px) and 80 (10px)
	assert.InDelta(t, 15.0, policy.DeadzoneFor(60), 0.001)
	// Above the top band the top value is held
	assert.InDelta(t, 10.0, policy.DeadzoneFor(200), 0.001)
	// Between 100 (12) and 150 (15)
	assert.Equal(t, 13, policy.MaxStepFor(125))
	// Exactly on a threshold matches the band value
	assert.InDelta(t, 0.55, policy.ScaleFor(80), 0.001)
}

// TestNewPolicy_Invalid tests rejection of unusable tables
func TestNewPolicy_Invalid(t *testing.T) {
	valid := DefaultPolicy()

	tests := []struct {
		name     string
		deadzone BandTable
		maxStep  BandTable
		scale    BandTable
	}{
		{"empty deadzone", BandTable{}, valid.MaxStep, valid.Scale},
		{"unsorted max step", valid.Deadzone, BandTable{{Threshold: 10, Value: 5}, {Threshold: 50, Value: 9}}, valid.Scale},
		{"duplicate threshold", valid.Deadzone, BandTable{{Threshold: 10, Value: 5}, {Threshold: 10, Value: 9}}, valid.Scale},
		{"negative threshold", BandTable{{Threshold: -1, Value: 5}}, valid.MaxStep, valid.Scale},
		{"negative deadzone", BandTable{{Threshold: 0, Value: -5}}, valid.MaxStep, valid.Scale},
		{"zero max step", valid.Deadzone, BandTable{{Threshold: 0, Value: 0}}, valid.Scale},
		{"scale above one", valid.Deadzone, valid.MaxStep, BandTable{{Threshold: 0, Value: 1.5}}},
		{"zero scale", valid.Deadzone, valid.MaxStep, BandTable{{Threshold: 0, Value: 0}}},
		{"nan value", valid.Deadzone, valid.MaxStep, BandTable{{Threshold: 0, Value: math.NaN()}}},
		{"infinite threshold", BandTable{{Threshold: math.Inf(1), Value: 5}}, valid.MaxStep, valid.Scale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			policy, err := NewPolicy(tt.deadzone, tt.maxStep, tt.scale, false)

			// Assert
			assert.ErrorIs(t, err, ErrInvalidPolicy)
			assert.Nil(t, policy)
		})
	}
}

// TestNewPolicy_CopiesTables tests that later edits to the input slices do
// not reach the policy
func TestNewPolicy_CopiesTables(t *testing.T) {
	// Arrange
	deadzone := BandTable{{Threshold: 0, Value: 20}}
	policy, err := NewPolicy(deadzone, DefaultPolicy().MaxStep, DefaultPolicy().Scale, false)
	require.NoError(t, err)

	// Act
	deadzone[0].Value = 99

	// Assert
	assert.Equal(t, 20.0, policy.DeadzoneFor(0))
}

// TestPolicy_Validate_Nil tests that a nil policy is rejected
func TestPolicy_Validate_Nil(t *testing.T) {
	var policy *Policy

	assert.ErrorIs(t, policy.Validate(), ErrInvalidPolicy)
}
