// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package tracking

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnresolvedBody is returned when a configured body is not registered in
// the tracking feed. It is always fatal before flight.
var ErrUnresolvedBody = errors.New("rigid body not registered in tracking feed")

// BodyTable maps rigid-body names to their stream index. It is built once from
// the feed's body list and is read-only afterwards.
type BodyTable struct {
	names []string
	index map[string]int
}

// NewBodyTable indexes names in feed order. Surrounding whitespace is trimmed
// since the feed pads names in its parameter listing; on duplicates the first
// index wins.
func NewBodyTable(names []string) *BodyTable {
	t := &BodyTable{
		names: make([]string, 0, len(names)),
		index: make(map[string]int, len(names)),
	}
	for i, n := range names {
		n = strings.TrimSpace(n)
		t.names = append(t.names, n)
		if _, dup := t.index[n]; !dup {
			t.index[n] = i
		}
	}
	return t
}

// Index returns the stream index of name.
func (t *BodyTable) Index(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Names returns the registered bodies in feed order.
func (t *BodyTable) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Len returns the number of registered bodies.
func (t *BodyTable) Len() int {
	return len(t.names)
}

// Require checks that every name is registered and reports all missing ones
// at once.
func (t *BodyTable) Require(names ...string) error {
	var missing []string
	for _, n := range names {
		if _, ok := t.index[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s (registered: %s)",
			ErrUnresolvedBody, strings.Join(missing, ", "), strings.Join(t.names, ", "))
	}
	return nil
}
