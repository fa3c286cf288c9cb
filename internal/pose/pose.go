// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package pose

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Matrix is a row-major 3x3 rotation matrix in the vehicle body-frame
// convention.
type Matrix [3][3]float64

// Euler holds roll/pitch/yaw in radians.
type Euler struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Pose is the canonical representation of a tracked rigid body: position in
// metres plus at most one orientation form. Treat it as immutable.
type Pose struct {
	Position r3.Vec  `json:"position"`
	Rotation *Matrix `json:"rotation,omitempty"`
	Euler    *Euler  `json:"euler,omitempty"`
}

// Sample is one raw tracked-body reading as delivered by the tracking feed.
//
// PositionMM is in millimetres. Rotation holds nine elements in column-major
// order and Euler holds three angles in degrees ordered (yaw, pitch, roll);
// either may be nil.
type Sample struct {
	PositionMM [3]float64
	Rotation   *[9]float64
	Euler      *[3]float64
}

// Origin is the sentinel pose used before any valid sample has arrived.
var Origin = Pose{}

// FromSample converts a raw feed sample into a Pose in metres and radians.
//
// The feed's rotation matrix is column-major while the vehicle's estimator
// takes row-major rows, so element (r, c) is read from raw[c*3+r]. Getting this
// permutation wrong produces a rotated attitude that the estimator will fight.
func FromSample(s Sample) Pose {
	p := Pose{
		Position: r3.Vec{
			X: s.PositionMM[0] / 1000,
			Y: s.PositionMM[1] / 1000,
			Z: s.PositionMM[2] / 1000,
		},
	}
	if s.Rotation != nil {
		var m Matrix
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				m[r][c] = s.Rotation[c*3+r]
			}
		}
		p.Rotation = &m
	}
	if s.Euler != nil {
		p.Euler = &Euler{
			Roll:  degToRad(s.Euler[2]),
			Pitch: degToRad(s.Euler[1]),
			Yaw:   degToRad(s.Euler[0]),
		}
	}
	return p
}

// Valid reports whether every position coordinate is finite. Orientation is
// not checked.
func (p Pose) Valid() bool {
	return finite(p.Position.X) && finite(p.Position.Y) && finite(p.Position.Z)
}

// Yaw returns the heading in radians from whichever orientation form is
// present, and false when the pose carries no orientation.
func (p Pose) Yaw() (float64, bool) {
	switch {
	case p.Euler != nil:
		return p.Euler.Yaw, true
	case p.Rotation != nil:
		return math.Atan2(p.Rotation[1][0], p.Rotation[0][0]), true
	default:
		return 0, false
	}
}

// Quaternion converts the rotation matrix into a unit quaternion. Poses with
// only Euler angles are converted through the ZYX convention. A pose without
// orientation yields the identity.
func (p Pose) Quaternion() quat.Number {
	switch {
	case p.Rotation != nil:
		return p.Rotation.Quaternion()
	case p.Euler != nil:
		return p.Euler.Quaternion()
	default:
		return quat.Number{Real: 1}
	}
}

// Quaternion converts m with Shepperd's method: branch on the largest of the
// trace and the diagonal so the divisor never approaches zero, and take the
// signs of the vector part from the off-diagonal differences.
func (m Matrix) Quaternion() quat.Number {
	var q quat.Number
	trace := m[0][0] + m[1][1] + m[2][2]
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = quat.Number{
			Real: s / 4,
			Imag: (m[2][1] - m[1][2]) / s,
			Jmag: (m[0][2] - m[2][0]) / s,
			Kmag: (m[1][0] - m[0][1]) / s,
		}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := math.Sqrt(1+m[0][0]-m[1][1]-m[2][2]) * 2
		q = quat.Number{
			Real: (m[2][1] - m[1][2]) / s,
			Imag: s / 4,
			Jmag: (m[0][1] + m[1][0]) / s,
			Kmag: (m[0][2] + m[2][0]) / s,
		}
	case m[1][1] > m[2][2]:
		s := math.Sqrt(1+m[1][1]-m[0][0]-m[2][2]) * 2
		q = quat.Number{
			Real: (m[0][2] - m[2][0]) / s,
			Imag: (m[0][1] + m[1][0]) / s,
			Jmag: s / 4,
			Kmag: (m[1][2] + m[2][1]) / s,
		}
	default:
		s := math.Sqrt(1+m[2][2]-m[0][0]-m[1][1]) * 2
		q = quat.Number{
			Real: (m[1][0] - m[0][1]) / s,
			Imag: (m[0][2] + m[2][0]) / s,
			Jmag: (m[1][2] + m[2][1]) / s,
			Kmag: s / 4,
		}
	}
	return normalize(q)
}

// Quaternion converts roll/pitch/yaw (ZYX order) into a unit quaternion.
func (e Euler) Quaternion() quat.Number {
	cr, sr := math.Cos(e.Roll/2), math.Sin(e.Roll/2)
	cp, sp := math.Cos(e.Pitch/2), math.Sin(e.Pitch/2)
	cy, sy := math.Cos(e.Yaw/2), math.Sin(e.Yaw/2)
	return normalize(quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	})
}

func (p Pose) String() string {
	s := fmt.Sprintf("x: %6.2f y: %6.2f z: %6.2f", p.Position.X, p.Position.Y, p.Position.Z)
	if p.Euler != nil {
		s += fmt.Sprintf(" roll: %6.2f pitch: %6.2f yaw: %6.2f", p.Euler.Roll, p.Euler.Pitch, p.Euler.Yaw)
	}
	return s
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func degToRad(d float64) float64 {
	return d * math.Pi / 180.0
}
