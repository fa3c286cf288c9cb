// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package vehicle

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Call is one recorded MockLink invocation.
type Call struct {
	Method string
	Name   string
	Value  string
	Args   []float64
}

func (c Call) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%s(%s=%s)", c.Method, c.Name, c.Value)
	}
	return fmt.Sprintf("%s%v", c.Method, c.Args)
}

// MockLink records every command. With Converge set, clearing
// kalman.resetEstimation makes it report settled variance, so the estimator
// gate passes in dry runs.
type MockLink struct {
	Converge bool
	// FailAfter makes setpoint sends fail once that many have succeeded. Zero
	// disables it.
	FailAfter int

	mu        sync.Mutex
	calls     []Call
	setpoints int
	closed    bool
	variance  chan Variance
}

// NewMockLink returns an empty mock.
func NewMockLink() *MockLink {
	return &MockLink{variance: make(chan Variance, 64)}
}

func (m *MockLink) record(c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.calls = append(m.calls, c)
	return nil
}

// Calls returns a copy of the recorded calls.
func (m *MockLink) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo returns the recorded calls to one method.
func (m *MockLink) CallsTo(method string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (m *MockLink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// PushVariance injects a variance sample.
func (m *MockLink) PushVariance(v Variance) {
	m.variance <- v
}

func (m *MockLink) SetParameter(name, value string) error {
	if err := m.record(Call{Method: "SetParameter", Name: name, Value: value}); err != nil {
		return err
	}
	if m.Converge && name == ParamKalmanReset && value == "0" {
		for i := 0; i < cap(m.variance)/2; i++ {
			select {
			case m.variance <- Variance{X: 1e-4, Y: 1e-4, Z: 1e-4}:
			default:
			}
		}
	}
	return nil
}

func (m *MockLink) SendPoseEstimate(pos r3.Vec, q quat.Number) error {
	return m.record(Call{Method: "SendPoseEstimate", Args: []float64{pos.X, pos.Y, pos.Z, q.Imag, q.Jmag, q.Kmag, q.Real}})
}

func (m *MockLink) setpoint(c Call) error {
	m.mu.Lock()
	fail := m.FailAfter > 0 && m.setpoints >= m.FailAfter
	m.setpoints++
	m.mu.Unlock()
	if fail {
		return fmt.Errorf("mock: %s failed", c.Method)
	}
	return m.record(c)
}

func (m *MockLink) SendPositionSetpoint(x, y, z, yaw float64) error {
	return m.setpoint(Call{Method: "SendPositionSetpoint", Args: []float64{x, y, z, yaw}})
}

func (m *MockLink) SendHoverSetpoint(vx, vy, yawRate, z float64) error {
	return m.record(Call{Method: "SendHoverSetpoint", Args: []float64{vx, vy, yawRate, z}})
}

func (m *MockLink) SendStop() error {
	return m.record(Call{Method: "SendStop"})
}

func (m *MockLink) Variance() <-chan Variance {
	return m.variance
}

func (m *MockLink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
