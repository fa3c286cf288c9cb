// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package mocap adapts the motion-capture tracking feed: the rigid-body list,
// the per-frame body samples and the capture events.
package mocap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relabs-tech/mocap_pilot/internal/pose"
)

// ErrNoBodies is returned when the feed reports no rigid bodies.
var ErrNoBodies = errors.New("tracking feed reported no rigid bodies")

// Frame is one tracking frame. Bodies that the system lost in this frame are
// either absent or carry non-finite coordinates.
type Frame struct {
	Number uint64
	Bodies map[string]pose.Sample
}

// EventKind is a capture-system event.
type EventKind int

const (
	EventTrigger EventKind = iota + 1
	EventCaptureStopped
	EventCameraSettingsChanged
)

var eventNames = map[EventKind]string{
	EventTrigger:               "trigger",
	EventCaptureStopped:        "capture-stopped",
	EventCameraSettingsChanged: "camera-settings-changed",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// EndsSession reports whether the event invalidates the tracking data and
// must bring the vehicle down.
func (k EventKind) EndsSession() bool {
	return k == EventCaptureStopped || k == EventCameraSettingsChanged
}

// Event is one capture event.
type Event struct {
	Kind EventKind
}

// ParseEvent maps the wire name of an event. Unknown names return false.
func ParseEvent(s string) (Event, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range eventNames {
		if name == s {
			return Event{Kind: k}, true
		}
	}
	return Event{}, false
}

// Feed is a source of tracking data. Stream and Events register callbacks that
// run on the feed's delivery goroutine; they must not block.
type Feed interface {
	// Bodies returns the rigid-body names in stream order.
	Bodies(ctx context.Context) ([]string, error)
	Stream(fn func(Frame)) error
	Events(fn func(Event)) error
	Close() error
}
