// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package safety

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/mocap_pilot/internal/tracking"
)

// Envelope is the axis-aligned operating volume. Setpoints are clamped into
// [Min, Max]; Margin widens the volume only for the out-of-bounds trip-wire.
type Envelope struct {
	Min    r3.Vec  `json:"min"`
	Max    r3.Vec  `json:"max"`
	Margin float64 `json:"margin"`
}

// Validate checks min < max on every axis and a non-negative margin.
func (e Envelope) Validate() error {
	for _, ax := range []struct {
		name     string
		min, max float64
	}{
		{"x", e.Min.X, e.Max.X},
		{"y", e.Min.Y, e.Max.Y},
		{"z", e.Min.Z, e.Max.Z},
	} {
		if math.IsNaN(ax.min) || math.IsNaN(ax.max) || !(ax.min < ax.max) {
			return fmt.Errorf("envelope %s: min %.3f must be below max %.3f", ax.name, ax.min, ax.max)
		}
	}
	if math.IsNaN(e.Margin) || e.Margin < 0 {
		return fmt.Errorf("envelope margin must be >= 0, got %.3f", e.Margin)
	}
	return nil
}

// Inside reports whether p lies in the closed trip-wire volume
// [min - margin, max + margin] on every axis. NaN is never inside.
func (e Envelope) Inside(p r3.Vec) bool {
	m := e.Margin
	return within(p.X, e.Min.X-m, e.Max.X+m) &&
		within(p.Y, e.Min.Y-m, e.Max.Y+m) &&
		within(p.Z, e.Min.Z-m, e.Max.Z+m)
}

func within(v, lo, hi float64) bool {
	return lo <= v && v <= hi
}

// Clamp forces each axis of p into [min, max]. Clamping an in-range point
// returns it unchanged.
func (e Envelope) Clamp(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: clamp(p.X, e.Min.X, e.Max.X),
		Y: clamp(p.Y, e.Min.Y, e.Max.Y),
		Z: clamp(p.Z, e.Min.Z, e.Max.Z),
	}
}

// clamp keeps value inside [lo, hi]. NaN maps to lo.
func clamp(value, lo, hi float64) float64 {
	if !(value >= lo) {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// Verdict is the outcome of one safety evaluation.
type Verdict int

const (
	Safe Verdict = iota
	OutOfBounds
	TrackingLost
)

func (v Verdict) String() string {
	switch v {
	case Safe:
		return "SAFE"
	case OutOfBounds:
		return "OUT_OF_BOUNDS"
	case TrackingLost:
		return "TRACKING_LOST"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Tripped reports whether v requires landing.
func (v Verdict) Tripped() bool {
	return v != Safe
}

// Monitor evaluates the vehicle's tracking entry against the envelope and the
// tracking-loss threshold. It is the only component allowed to start a landing.
type Monitor struct {
	envelope  Envelope
	threshold uint32
}

// NewMonitor builds a monitor. threshold is a count of consecutive invalid
// frames at the tracking feed's native frame rate, not a duration: the counter
// is advanced once per feed frame, and once per frame period while the feed is
// silent.
func NewMonitor(envelope Envelope, threshold uint32) (*Monitor, error) {
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{envelope: envelope, threshold: threshold}, nil
}

// Envelope returns the configured envelope.
func (m *Monitor) Envelope() Envelope {
	return m.envelope
}

// Threshold returns the tracking-loss threshold in feed frames.
func (m *Monitor) Threshold() uint32 {
	return m.threshold
}

// Check evaluates one vehicle entry. A counter equal to the threshold is still
// safe. Before the first valid pose the bounds check cannot run and only the
// tracking-loss rule applies.
func (m *Monitor) Check(vehicle tracking.Entry) Verdict {
	if vehicle.Invalid > m.threshold {
		return TrackingLost
	}
	if vehicle.Seen && !m.envelope.Inside(vehicle.Pose.Position) {
		return OutOfBounds
	}
	return Safe
}
