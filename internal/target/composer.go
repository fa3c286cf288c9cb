// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package target

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/mocap_pilot/internal/mode"
	"github.com/relabs-tech/mocap_pilot/internal/safety"
	"github.com/relabs-tech/mocap_pilot/internal/tracking"
)

// Setpoint is the commanded position for one control tick. Yaw is in degrees,
// which is what the vehicle's position commander takes.
type Setpoint struct {
	Position r3.Vec    `json:"position"`
	Yaw      float64   `json:"yaw"`
	Mode     mode.Kind `json:"mode"`
	Target   int       `json:"target"`
}

func (s Setpoint) String() string {
	return fmt.Sprintf("%s (%.2f, %.2f, %.2f) yaw %.1f", s.Mode, s.Position.X, s.Position.Y, s.Position.Z, s.Yaw)
}

// Config holds the composer's fixed inputs.
type Config struct {
	Home      r3.Vec
	HomeYaw   float64 // degrees
	FollowYaw float64 // degrees, used while following unless TrackYaw is set
	// TrackYaw copies the followed body's heading into the setpoint. Off by
	// default: heading from the tracked targets has not been stable enough to
	// fly on.
	TrackYaw bool
}

// Composer turns the current mode and tracking state into a clamped setpoint.
type Composer struct {
	cfg      Config
	envelope safety.Envelope
}

// NewComposer builds a composer clamping into envelope.
func NewComposer(cfg Config, envelope safety.Envelope) *Composer {
	return &Composer{cfg: cfg, envelope: envelope}
}

// Raw computes the unclamped target for m.
func (c *Composer) Raw(m mode.Snapshot, snap tracking.Snapshot) Setpoint {
	if m.Kind != mode.Follow {
		return Setpoint{Position: c.cfg.Home, Yaw: c.cfg.HomeYaw, Mode: mode.Home, Target: m.Target}
	}
	body, _ := snap.Target(m.Target)
	sp := Setpoint{
		Position: r3.Add(body.Pose.Position, m.Offset),
		Yaw:      c.cfg.FollowYaw,
		Mode:     mode.Follow,
		Target:   m.Target,
	}
	if c.cfg.TrackYaw {
		if yaw, ok := body.Pose.Yaw(); ok {
			sp.Yaw = yaw * 180 / math.Pi
		}
	}
	return sp
}

// Compose returns the setpoint for this tick with its position clamped into
// the envelope. The margin is not applied here.
func (c *Composer) Compose(m mode.Snapshot, snap tracking.Snapshot) Setpoint {
	sp := c.Raw(m, snap)
	sp.Position = c.envelope.Clamp(sp.Position)
	return sp
}
