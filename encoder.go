package main

import (
	"fmt"
	"strings"
)

// Wire protocols understood by the gimbal firmware
const (
	ProtocolIncremental = "incremental"
	ProtocolAbsolute    = "absolute"
)

// Encoder serializes a step command into the bytes written to the link
type Encoder interface {
	Encode(cmd StepCommand) []byte
	Name() string
}

// NewEncoder returns the encoder for a configured protocol name
func NewEncoder(protocol string) (Encoder, error) {
	switch protocol {
	case ProtocolIncremental, "":
		return IncrementalEncoder{}, nil
	case ProtocolAbsolute:
		return AbsoluteEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported link protocol %q (expected %s or %s)",
			protocol, ProtocolIncremental, ProtocolAbsolute)
	}
}

// IncrementalEncoder emits one relative pulse command per moving axis,
// e.g. "x+5\ny-3\n". Axes with a zero step are omitted.
type IncrementalEncoder struct{}

func (IncrementalEncoder) Name() string { return ProtocolIncremental }

func (IncrementalEncoder) Encode(cmd StepCommand) []byte {
	var b strings.Builder
	if cmd.StepX != 0 {
		fmt.Fprintf(&b, "x%+d\n", cmd.StepX)
	}
	if cmd.StepY != 0 {
		fmt.Fprintf(&b, "y%+d\n", cmd.StepY)
	}
	if b.Len() == 0 {
		return nil
	}
	return []byte(b.String())
}

// AbsoluteEncoder emits the commanded pose in degrees, e.g. "X90.0Y87.5\n"
type AbsoluteEncoder struct{}

func (AbsoluteEncoder) Name() string { return ProtocolAbsolute }

func (AbsoluteEncoder) Encode(cmd StepCommand) []byte {
	x := clamp(cmd.Pose.X, ServoMinAngle, ServoMaxAngle)
	y := clamp(cmd.Pose.Y, ServoMinAngle, ServoMaxAngle)
	return []byte(fmt.Sprintf("X%.1fY%.1f\n", x, y))
}
