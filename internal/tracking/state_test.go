package tracking

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/mocap_pilot/internal/pose"
)

func validSample(x, y, z float64) pose.Sample {
	return pose.Sample{PositionMM: [3]float64{x * 1000, y * 1000, z * 1000}}
}

func nanSample() pose.Sample {
	return pose.Sample{PositionMM: [3]float64{math.NaN(), 0, 0}}
}

func TestNewStateStartsAtOrigin(t *testing.T) {
	s := NewState("cf", []string{"car", "hat"})
	snap := s.Snapshot()

	assert.Equal(t, pose.Origin, snap.Vehicle.Pose)
	assert.False(t, snap.Vehicle.Seen)
	require.Len(t, snap.Targets, 2)
	assert.Equal(t, []string{"cf", "car", "hat"}, s.Bodies())
}

func TestInvalidSampleKeepsPoseAndCounts(t *testing.T) {
	s := NewState("cf", nil)
	_, ok := s.Update("cf", validSample(0.1, 0.2, 0.3))
	require.True(t, ok)
	before := s.Vehicle()

	for i := 1; i <= 3; i++ {
		_, ok := s.Update("cf", nanSample())
		assert.False(t, ok)
		after := s.Vehicle()
		assert.Equal(t, before.Pose, after.Pose)
		assert.Equal(t, uint32(i), after.Invalid)
	}
}

func TestValidSampleResetsCounter(t *testing.T) {
	s := NewState("cf", nil)
	for i := 0; i < 199; i++ {
		s.Update("cf", nanSample())
	}
	require.Equal(t, uint32(199), s.Vehicle().Invalid)

	s.Update("cf", validSample(1, 2, 3))
	e := s.Vehicle()
	assert.Equal(t, uint32(0), e.Invalid)
	assert.True(t, e.Seen)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, e.Pose.Position)
}

func TestCounterReaches201(t *testing.T) {
	s := NewState("cf", nil)
	for i := 0; i < 201; i++ {
		s.Update("cf", nanSample())
	}
	assert.Equal(t, uint32(201), s.Vehicle().Invalid)
}

func TestCounterSaturates(t *testing.T) {
	s := NewState("cf", nil)
	s.entries[0].Invalid = MaxInvalid - 1
	s.MarkMissing("cf")
	s.MarkMissing("cf")
	assert.Equal(t, uint32(MaxInvalid), s.Vehicle().Invalid)
}

func TestUnknownBodyIgnored(t *testing.T) {
	s := NewState("cf", []string{"car"})
	_, ok := s.Update("ghost", validSample(1, 1, 1))
	assert.False(t, ok)
	s.MarkMissing("ghost")
	assert.Equal(t, Snapshot{Vehicle: Entry{}, Targets: []Entry{{}}}, s.Snapshot())
}

func TestApplyFrameCountsMissingBodies(t *testing.T) {
	s := NewState("cf", []string{"car", "hat"})
	vehicle, ok := s.ApplyFrame(map[string]pose.Sample{
		"cf":  validSample(0.5, 0.5, 0.5),
		"car": nanSample(),
	})
	require.True(t, ok)
	assert.Equal(t, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, vehicle.Position)

	snap := s.Snapshot()
	assert.Equal(t, uint32(0), snap.Vehicle.Invalid)
	assert.Equal(t, uint32(1), snap.Targets[0].Invalid)
	assert.Equal(t, uint32(1), snap.Targets[1].Invalid)

	_, ok = s.ApplyFrame(map[string]pose.Sample{})
	assert.False(t, ok)
	assert.Equal(t, uint32(1), s.Vehicle().Invalid)
}

func TestSnapshotTarget(t *testing.T) {
	s := NewState("cf", []string{"car"})
	s.Update("car", validSample(1, 0, 0))
	snap := s.Snapshot()

	e, ok := snap.Target(0)
	require.True(t, ok)
	assert.True(t, e.Seen)
	_, ok = snap.Target(1)
	assert.False(t, ok)
	_, ok = snap.Target(-1)
	assert.False(t, ok)
}

func TestConcurrentIngestAndRead(t *testing.T) {
	s := NewState("cf", []string{"car"})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				s.ApplyFrame(map[string]pose.Sample{"cf": validSample(0, 0, 1), "car": validSample(1, 1, 1)})
			} else {
				s.ApplyFrame(nil)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := s.Snapshot()
			assert.True(t, snap.Vehicle.Pose.Valid())
		}
	}()
	wg.Wait()
}

func TestBodyTableRequire(t *testing.T) {
	table := NewBodyTable([]string{" cf ", "car", "hat"})

	i, ok := table.Index("cf")
	require.True(t, ok)
	assert.Equal(t, 0, i)
	assert.Equal(t, 3, table.Len())
	assert.NoError(t, table.Require("cf", "car"))

	err := table.Require("cf", "tiara", "wand")
	require.ErrorIs(t, err, ErrUnresolvedBody)
	assert.Contains(t, err.Error(), "tiara, wand")
}
