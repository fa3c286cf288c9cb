// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package mode

import (
	"fmt"
	"strings"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

// Kind selects what the vehicle is commanded towards.
type Kind int

const (
	Home Kind = iota + 1
	Follow
)

func (k Kind) String() string {
	switch k {
	case Home:
		return "HOME"
	case Follow:
		return "FOLLOW"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind converts a configuration value into a Kind. There is no default:
// an empty or unknown value is an error.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "home":
		return Home, nil
	case "follow":
		return Follow, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want home or follow)", value)
	}
}

// Axis names one component of the offset vector.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	default:
		return fmt.Sprintf("Axis(%d)", int(a))
	}
}

// Snapshot is a copy of the controller state at one instant.
type Snapshot struct {
	Kind   Kind   `json:"kind"`
	Target int    `json:"target"`
	Offset r3.Vec `json:"offset"`
}

func (s Snapshot) String() string {
	if s.Kind == Follow {
		return fmt.Sprintf("FOLLOW(%d) offset=(%.2f, %.2f, %.2f)", s.Target, s.Offset.X, s.Offset.Y, s.Offset.Z)
	}
	return s.Kind.String()
}

// Config fixes the controller's starting point and limits.
type Config struct {
	Initial       Kind
	InitialTarget int
	Targets       int     // number of selectable target bodies
	Offset        r3.Vec  // starting operator offset
	Step          float64 // metres added per offset event
}

// Controller is the Home/Follow state machine. It is mutated only by discrete
// operator or feed events and read by the setpoint composer every tick.
type Controller struct {
	mu      sync.Mutex
	state   Snapshot
	targets int
	step    float64
}

// NewController validates cfg and builds a controller in its initial state.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Initial != Home && cfg.Initial != Follow {
		return nil, fmt.Errorf("initial mode must be set explicitly, got %v", cfg.Initial)
	}
	if cfg.Targets < 1 {
		return nil, fmt.Errorf("at least one target body is required, got %d", cfg.Targets)
	}
	if cfg.InitialTarget < 0 || cfg.InitialTarget >= cfg.Targets {
		return nil, fmt.Errorf("initial target %d out of range [0, %d)", cfg.InitialTarget, cfg.Targets)
	}
	return &Controller{
		state: Snapshot{
			Kind:   cfg.Initial,
			Target: cfg.InitialTarget,
			Offset: cfg.Offset,
		},
		targets: cfg.Targets,
		step:    cfg.Step,
	}, nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Toggle flips between Home and Follow and returns the new state.
func (c *Controller) Toggle() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Kind == Follow {
		c.state.Kind = Home
	} else {
		c.state.Kind = Follow
	}
	return c.state
}

// Select makes target k the followed body. Out-of-range selections are
// ignored and reported as false; the mode itself is not changed.
func (c *Controller) Select(k int) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k < 0 || k >= c.targets {
		return c.state, false
	}
	c.state.Target = k
	return c.state, true
}

// AdjustOffset moves one offset axis by one step in the direction of sign.
// The offset is unbounded here; the composer clamps the final setpoint.
func (c *Controller) AdjustOffset(axis Axis, sign int) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	delta := c.step
	if sign < 0 {
		delta = -delta
	}
	switch axis {
	case AxisX:
		c.state.Offset.X += delta
	case AxisY:
		c.state.Offset.Y += delta
	case AxisZ:
		c.state.Offset.Z += delta
	}
	return c.state
}
