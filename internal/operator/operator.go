// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package operator turns keyboard and console input into mode-controller
// events.
package operator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relabs-tech/mocap_pilot/internal/logging"
	"github.com/relabs-tech/mocap_pilot/internal/mode"
)

// Kind is the type of an operator event.
type Kind int

const (
	Toggle Kind = iota + 1
	Select
	Offset
	Stop
)

// Event is one operator command. Target is zero-based; Sign is +1 or -1.
type Event struct {
	Kind   Kind
	Target int
	Axis   mode.Axis
	Sign   int
}

// String renders the event as the command text ParseCommand accepts.
func (e Event) String() string {
	switch e.Kind {
	case Toggle:
		return "toggle"
	case Select:
		return fmt.Sprintf("select %d", e.Target+1)
	case Offset:
		sign := "+"
		if e.Sign < 0 {
			sign = "-"
		}
		return fmt.Sprintf("offset %s %s", e.Axis, sign)
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("Event(%d)", int(e.Kind))
	}
}

const keyEsc = 0x1b

var offsetKeys = map[rune]Event{
	'a': {Kind: Offset, Axis: mode.AxisX, Sign: -1},
	'd': {Kind: Offset, Axis: mode.AxisX, Sign: +1},
	's': {Kind: Offset, Axis: mode.AxisY, Sign: -1},
	'w': {Kind: Offset, Axis: mode.AxisY, Sign: +1},
	'z': {Kind: Offset, Axis: mode.AxisZ, Sign: -1},
	'x': {Kind: Offset, Axis: mode.AxisZ, Sign: +1},
}

// ParseKey maps a single key press. Digits 1-9 select targets 0-8.
func ParseKey(r rune) (Event, bool) {
	if ev, ok := offsetKeys[r]; ok {
		return ev, true
	}
	switch {
	case r >= '1' && r <= '9':
		return Event{Kind: Select, Target: int(r - '1')}, true
	case r == 't':
		return Event{Kind: Toggle}, true
	case r == 'q' || r == keyEsc:
		return Event{Kind: Stop}, true
	}
	return Event{}, false
}

// ParseCommand parses one line of operator input. A single character is
// treated as a key press; otherwise the forms are "toggle", "stop",
// "select N" (one-based) and "offset AXIS +|-".
func ParseCommand(line string) (Event, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return Event{}, fmt.Errorf("empty command")
	}
	if len(fields) == 1 && len([]rune(fields[0])) == 1 {
		if ev, ok := ParseKey([]rune(fields[0])[0]); ok {
			return ev, nil
		}
		return Event{}, fmt.Errorf("unknown key %q", fields[0])
	}

	switch fields[0] {
	case "toggle", "stop":
		if len(fields) != 1 {
			return Event{}, fmt.Errorf("%s takes no arguments", fields[0])
		}
		if fields[0] == "stop" {
			return Event{Kind: Stop}, nil
		}
		return Event{Kind: Toggle}, nil
	case "select":
		if len(fields) != 2 {
			return Event{}, fmt.Errorf("usage: select N")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return Event{}, fmt.Errorf("invalid target %q", fields[1])
		}
		return Event{Kind: Select, Target: n - 1}, nil
	case "offset":
		if len(fields) != 3 {
			return Event{}, fmt.Errorf("usage: offset x|y|z +|-")
		}
		var axis mode.Axis
		switch fields[1] {
		case "x":
			axis = mode.AxisX
		case "y":
			axis = mode.AxisY
		case "z":
			axis = mode.AxisZ
		default:
			return Event{}, fmt.Errorf("invalid axis %q", fields[1])
		}
		switch fields[2] {
		case "+":
			return Event{Kind: Offset, Axis: axis, Sign: +1}, nil
		case "-":
			return Event{Kind: Offset, Axis: axis, Sign: -1}, nil
		default:
			return Event{}, fmt.Errorf("invalid direction %q", fields[2])
		}
	}
	return Event{}, fmt.Errorf("unknown command %q", fields[0])
}

// Apply performs ev on the controller and reports whether the operator asked
// to stop the flight. Out-of-range selections are logged and ignored.
func Apply(ev Event, c *mode.Controller, log logging.Logger) (stop bool) {
	switch ev.Kind {
	case Toggle:
		log.Infof("mode: %s", c.Toggle())
	case Select:
		snap, ok := c.Select(ev.Target)
		if !ok {
			log.Warnf("ignoring selection of target %d (out of range)", ev.Target+1)
			return false
		}
		log.Infof("selected target %d: %s", ev.Target+1, snap)
	case Offset:
		snap := c.AdjustOffset(ev.Axis, ev.Sign)
		log.Infof("offset: X: %5.2f  Y: %5.2f  Z: %5.2f", snap.Offset.X, snap.Offset.Y, snap.Offset.Z)
	case Stop:
		log.Info("operator requested stop")
		return true
	}
	return false
}
