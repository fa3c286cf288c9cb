// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package telemetry carries the pilot's status from the control loop to the
// console, web and display consumers.
package telemetry

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Phase is where the session is in its lifecycle.
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseFlying   Phase = "flying"
	PhaseLanding  Phase = "landing"
	PhaseLanded   Phase = "landed"
)

// Body is the tracking view of one rigid body.
type Body struct {
	Name     string     `json:"name"`
	Position [3]float64 `json:"position"`
	Seen     bool       `json:"seen"`
	Invalid  uint32     `json:"invalid"`
}

// Setpoint is the last command sent to the vehicle.
type Setpoint struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Z   float64 `json:"z"`
	Yaw float64 `json:"yaw"`
}

// Status is one telemetry message, published every control tick.
type Status struct {
	Time     time.Time  `json:"time"`
	Session  string     `json:"session"`
	Phase    Phase      `json:"phase"`
	Mode     string     `json:"mode"`
	Target   string     `json:"target"`
	Offset   [3]float64 `json:"offset"`
	Vehicle  Body       `json:"vehicle"`
	Targets  []Body     `json:"targets,omitempty"`
	Setpoint *Setpoint  `json:"setpoint,omitempty"`
	Verdict  string     `json:"verdict"`
}

// Line is the one-line operator summary of s. It carries only values that
// change on operator action or safety state, so it is stable while hovering.
func (s Status) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", strings.ToUpper(string(s.Phase)), s.Mode)
	if s.Target != "" {
		fmt.Fprintf(&b, " target=%s", s.Target)
	}
	fmt.Fprintf(&b, " offset=(%.2f, %.2f, %.2f) safety=%s", s.Offset[0], s.Offset[1], s.Offset[2], s.Verdict)
	return b.String()
}

// ChangeFilter passes a status line only when it differs from the last one
// passed.
type ChangeFilter struct {
	mu   sync.Mutex
	last string
	seen bool
}

// Changed reports whether line differs from the previous line and remembers
// it.
func (f *ChangeFilter) Changed(line string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen && line == f.last {
		return false
	}
	f.last = line
	f.seen = true
	return true
}
