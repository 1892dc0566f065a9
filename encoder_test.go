package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIncrementalEncoder_Encode tests the relative line format
func TestIncrementalEncoder_Encode(t *testing.T) {
	tests := []struct {
		name     string
		cmd      StepCommand
		expected string
	}{
		{"both axes", StepCommand{StepX: 5, StepY: -3}, "x+5\ny-3\n"},
		{"x only", StepCommand{StepX: -12}, "x-12\n"},
		{"y only", StepCommand{StepY: 7}, "y+7\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			out := IncrementalEncoder{}.Encode(tt.cmd)

			// Assert
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

// TestIncrementalEncoder_EncodeZero tests that a still command writes nothing
func TestIncrementalEncoder_EncodeZero(t *testing.T) {
	assert.Nil(t, IncrementalEncoder{}.Encode(StepCommand{Pose: Pose{X: 90, Y: 90}}))
}

// TestAbsoluteEncoder_Encode tests the absolute pose format and clamping
func TestAbsoluteEncoder_Encode(t *testing.T) {
	tests := []struct {
		name     string
		pose     Pose
		expected string
	}{
		{"center", Pose{X: 90, Y: 90}, "X90.0Y90.0\n"},
		{"fractional", Pose{X: 91.5, Y: 87.25}, "X91.5Y87.2\n"},
		{"clamped", Pose{X: 200, Y: -5}, "X180.0Y0.0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			out := AbsoluteEncoder{}.Encode(StepCommand{Pose: tt.pose})

			// Assert
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

// TestNewEncoder tests protocol selection
func TestNewEncoder(t *testing.T) {
	inc, err := NewEncoder("")
	require.NoError(t, err)
	assert.Equal(t, ProtocolIncremental, inc.Name())

	abs, err := NewEncoder(ProtocolAbsolute)
	require.NoError(t, err)
	assert.Equal(t, ProtocolAbsolute, abs.Name())

	_, err = NewEncoder("pwm")
	assert.Error(t, err)
}
