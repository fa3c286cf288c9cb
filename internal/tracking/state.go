// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package tracking

import (
	"math"
	"sync"

	"github.com/relabs-tech/mocap_pilot/internal/pose"
)

// MaxInvalid is where the invalid-frame counter saturates.
const MaxInvalid = math.MaxUint32

// Entry is the tracking record for one body.
type Entry struct {
	Pose    pose.Pose `json:"pose"`
	Seen    bool      `json:"seen"`    // a valid pose has been stored at least once
	Invalid uint32    `json:"invalid"` // consecutive invalid or missing frames
}

// Snapshot is a consistent copy of the whole state.
type Snapshot struct {
	Vehicle Entry   `json:"vehicle"`
	Targets []Entry `json:"targets"`
}

// Target returns target i, or false when i is out of range.
func (s Snapshot) Target(i int) (Entry, bool) {
	if i < 0 || i >= len(s.Targets) {
		return Entry{}, false
	}
	return s.Targets[i], true
}

// State holds the last valid pose and invalid-frame counter of the vehicle and
// every target body. It is written by the ingestion path and read by the
// control loop; every critical section is O(1) per body and does no I/O.
type State struct {
	mu      sync.RWMutex
	vehicle string
	bodies  []string       // slot order: vehicle first, then targets
	slot    map[string]int // body name -> slot
	entries []Entry
}

// NewState creates the state for the vehicle body and the target bodies in
// selection order. Every body starts at the origin sentinel.
func NewState(vehicle string, targets []string) *State {
	s := &State{
		vehicle: vehicle,
		bodies:  append([]string{vehicle}, targets...),
		slot:    make(map[string]int, len(targets)+1),
	}
	for i, b := range s.bodies {
		if _, dup := s.slot[b]; !dup {
			s.slot[b] = i
		}
	}
	s.entries = make([]Entry, len(s.bodies))
	for i := range s.entries {
		s.entries[i].Pose = pose.Origin
	}
	return s
}

// Bodies returns the tracked body names, vehicle first.
func (s *State) Bodies() []string {
	out := make([]string, len(s.bodies))
	copy(out, s.bodies)
	return out
}

// Update applies one sample for body. Samples for unknown bodies are ignored.
// It returns the converted pose and whether it was valid and stored.
func (s *State) Update(body string, sample pose.Sample) (pose.Pose, bool) {
	p := pose.FromSample(sample)
	i, ok := s.slot[body]
	if !ok {
		return p, false
	}
	valid := p.Valid()

	s.mu.Lock()
	s.record(i, p, valid)
	s.mu.Unlock()
	return p, valid
}

// MarkMissing counts a frame in which body was absent.
func (s *State) MarkMissing(body string) {
	i, ok := s.slot[body]
	if !ok {
		return
	}
	s.mu.Lock()
	s.record(i, pose.Pose{}, false)
	s.mu.Unlock()
}

// ApplyFrame applies a full feed frame. Tracked bodies absent from the frame
// count as invalid for that frame. It returns the vehicle pose when the frame
// carried a valid one.
func (s *State) ApplyFrame(bodies map[string]pose.Sample) (pose.Pose, bool) {
	poses := make([]pose.Pose, len(s.bodies))
	valid := make([]bool, len(s.bodies))
	for i, b := range s.bodies {
		sample, ok := bodies[b]
		if !ok {
			continue
		}
		poses[i] = pose.FromSample(sample)
		valid[i] = poses[i].Valid()
	}

	s.mu.Lock()
	for i := range s.bodies {
		if s.slot[s.bodies[i]] != i {
			continue // duplicate name, already applied through its first slot
		}
		s.record(i, poses[i], valid[i])
	}
	s.mu.Unlock()

	return poses[0], valid[0]
}

// record must be called with mu held.
func (s *State) record(i int, p pose.Pose, valid bool) {
	e := &s.entries[i]
	if valid {
		e.Pose = p
		e.Seen = true
		e.Invalid = 0
		return
	}
	if e.Invalid < MaxInvalid {
		e.Invalid++
	}
}

// Vehicle returns the vehicle's entry.
func (s *State) Vehicle() Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[0]
}

// Snapshot copies the whole state under one read lock.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Vehicle: s.entries[0],
		Targets: make([]Entry, len(s.entries)-1),
	}
	copy(snap.Targets, s.entries[1:])
	return snap
}
