package main

import (
	"sync"
	"time"
)

// Detection is one frame's result from the vision collaborator, in pixel
// coordinates of the camera frame
type Detection struct {
	Detected bool `json:"detected"`
	X        int  `json:"x"`
	Y        int  `json:"y"`
}

// Offset converts a detection to a displacement from the frame center
func (d Detection) Offset(centerX, centerY int) Offset {
	return Offset{DX: d.X - centerX, DY: d.Y - centerY}
}

// DetectionSlot hands the freshest offset from a producer to the control
// loop. Each Put overwrites any unconsumed offset; Take clears it.
type DetectionSlot struct {
	mu      sync.Mutex
	offset  Offset
	at      time.Time
	fresh   bool
	dropped uint64
}

// NewDetectionSlot creates an empty slot
func NewDetectionSlot() *DetectionSlot {
	return &DetectionSlot{}
}

// Put stores a new offset, replacing an older one the loop has not consumed
func (s *DetectionSlot) Put(offset Offset, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fresh {
		s.dropped++
	}
	s.offset = offset
	s.at = at
	s.fresh = true
}

// Take returns the pending offset, if any, and marks the slot consumed
func (s *DetectionSlot) Take() (Offset, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fresh {
		return Offset{}, time.Time{}, false
	}
	s.fresh = false
	return s.offset, s.at, true
}

// Dropped returns how many offsets were overwritten before being consumed
func (s *DetectionSlot) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
