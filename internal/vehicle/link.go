// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package vehicle

import (
	"errors"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrClosed is returned by sends after Close.
	ErrClosed = errors.New("vehicle link closed")
	// ErrQueueFull is returned when the outgoing queue cannot take a packet
	// without blocking.
	ErrQueueFull = errors.New("vehicle link queue full")
)

// Variance is one estimator position-variance log sample.
type Variance struct {
	X, Y, Z float64
}

// Link is the command channel to the vehicle. Send methods must not block the
// caller for longer than it takes to enqueue a packet.
type Link interface {
	// SetParameter writes one onboard parameter by name.
	SetParameter(name, value string) error
	// SendPoseEstimate feeds an external pose into the onboard estimator.
	SendPoseEstimate(pos r3.Vec, q quat.Number) error
	// SendPositionSetpoint commands an absolute position (m) and yaw (deg).
	SendPositionSetpoint(x, y, z, yaw float64) error
	// SendHoverSetpoint commands body velocities (m/s), yaw rate (deg/s) and
	// a height above ground (m).
	SendHoverSetpoint(vx, vy, yawRate, z float64) error
	// SendStop cuts the motors.
	SendStop() error
	// Variance streams estimator variance samples.
	Variance() <-chan Variance
	// Close releases the link. It is safe to call more than once.
	Close() error
}
