// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package mocap

import (
	"context"
	"sync"
)

// MockFeed is an in-memory Feed. Publish and Emit call the registered
// callbacks synchronously on the caller's goroutine.
type MockFeed struct {
	mu     sync.Mutex
	bodies []string
	frames []func(Frame)
	events []func(Event)
	closed bool
}

// NewMockFeed returns a feed announcing the given bodies.
func NewMockFeed(bodies ...string) *MockFeed {
	return &MockFeed{bodies: bodies}
}

func (m *MockFeed) Bodies(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bodies) == 0 {
		return nil, ErrNoBodies
	}
	out := make([]string, len(m.bodies))
	copy(out, m.bodies)
	return out, nil
}

func (m *MockFeed) Stream(fn func(Frame)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, fn)
	return nil
}

func (m *MockFeed) Events(fn func(Event)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, fn)
	return nil
}

// Publish delivers a frame to every Stream callback. It is a no-op after
// Close.
func (m *MockFeed) Publish(f Frame) {
	m.mu.Lock()
	fns := append([]func(Frame){}, m.frames...)
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	for _, fn := range fns {
		fn(f)
	}
}

// Emit delivers an event to every Events callback.
func (m *MockFeed) Emit(k EventKind) {
	m.mu.Lock()
	fns := append([]func(Event){}, m.events...)
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	for _, fn := range fns {
		fn(Event{Kind: k})
	}
}

// Closed reports whether Close was called.
func (m *MockFeed) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockFeed) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
