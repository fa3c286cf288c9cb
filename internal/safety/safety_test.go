package safety

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/mocap_pilot/internal/pose"
	"github.com/relabs-tech/mocap_pilot/internal/tracking"
)

var testEnvelope = Envelope{
	Min:    r3.Vec{X: -1, Y: -2, Z: 0},
	Max:    r3.Vec{X: 1, Y: 1, Z: 1.5},
	Margin: 0.2,
}

func seenAt(x, y, z float64) tracking.Entry {
	return tracking.Entry{Pose: pose.Pose{Position: r3.Vec{X: x, Y: y, Z: z}}, Seen: true}
}

func newMonitor(t *testing.T, threshold uint32) *Monitor {
	t.Helper()
	m, err := NewMonitor(testEnvelope, threshold)
	require.NoError(t, err)
	return m
}

func TestEnvelopeValidate(t *testing.T) {
	assert.NoError(t, testEnvelope.Validate())

	bad := testEnvelope
	bad.Min.Z = bad.Max.Z
	assert.Error(t, bad.Validate())

	bad = testEnvelope
	bad.Margin = -0.1
	assert.Error(t, bad.Validate())

	bad = testEnvelope
	bad.Max.Y = math.NaN()
	assert.Error(t, bad.Validate())

	_, err := NewMonitor(bad, 10)
	assert.Error(t, err)
}

func TestMonitorReportsSettings(t *testing.T) {
	m := newMonitor(t, 42)
	assert.Equal(t, testEnvelope, m.Envelope())
	assert.Equal(t, uint32(42), m.Threshold())
}

func TestOutOfBoundsScenario(t *testing.T) {
	m := newMonitor(t, 200)
	assert.Equal(t, OutOfBounds, m.Check(seenAt(1.25, 0, 0.5)))
	assert.Equal(t, Safe, m.Check(seenAt(1.1, 0, 0.5)))
}

func TestBoundaryOnClosedInterval(t *testing.T) {
	m := newMonitor(t, 200)
	// exactly on min-margin or max+margin is still inside
	assert.Equal(t, Safe, m.Check(seenAt(1.2, 0, 0.5)))
	assert.Equal(t, Safe, m.Check(seenAt(-1.2, 0, 0.5)))
	assert.Equal(t, Safe, m.Check(seenAt(0, -2.2, 0.5)))
	assert.Equal(t, Safe, m.Check(seenAt(0, 0, -0.2)))
	assert.Equal(t, Safe, m.Check(seenAt(0, 0, -0.15)))

	// anything beyond trips
	assert.Equal(t, OutOfBounds, m.Check(seenAt(math.Nextafter(1.2, 2), 0, 0.5)))
	assert.Equal(t, OutOfBounds, m.Check(seenAt(0, math.Nextafter(-2.2, -3), 0.5)))
	assert.Equal(t, OutOfBounds, m.Check(seenAt(0, 0, -0.25)))
	assert.Equal(t, OutOfBounds, m.Check(seenAt(0, 0, math.Nextafter(1.7, 2))))
}

func TestInsideRejectsNaN(t *testing.T) {
	assert.False(t, testEnvelope.Inside(r3.Vec{X: math.NaN()}))
}

func TestUnseenVehicleSkipsBoundsCheck(t *testing.T) {
	m := newMonitor(t, 200)
	far := seenAt(10, 10, 10)
	far.Seen = false
	assert.Equal(t, Safe, m.Check(far))
}

func TestTrackingLostThreshold(t *testing.T) {
	m := newMonitor(t, 200)
	e := seenAt(0, 0, 0.5)

	e.Invalid = 200
	assert.Equal(t, Safe, m.Check(e))

	e.Invalid = 201
	assert.Equal(t, TrackingLost, m.Check(e))
	assert.True(t, TrackingLost.Tripped())
	assert.False(t, Safe.Tripped())
}

func TestTrackingLostWinsOverBounds(t *testing.T) {
	m := newMonitor(t, 3)
	e := seenAt(5, 0, 0)
	e.Invalid = 4
	assert.Equal(t, TrackingLost, m.Check(e))
}

func TestTrackingLossCounterIntegration(t *testing.T) {
	m := newMonitor(t, 200)
	s := tracking.NewState("cf", nil)
	s.Update("cf", pose.Sample{PositionMM: [3]float64{0, 0, 500}})
	nan := pose.Sample{PositionMM: [3]float64{math.NaN(), math.NaN(), math.NaN()}}

	for i := 0; i < 200; i++ {
		s.Update("cf", nan)
	}
	assert.Equal(t, Safe, m.Check(s.Vehicle()))
	s.Update("cf", nan)
	assert.Equal(t, TrackingLost, m.Check(s.Vehicle()))
}

func TestClampProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		p := r3.Vec{
			X: (rng.Float64() - 0.5) * 100,
			Y: (rng.Float64() - 0.5) * 100,
			Z: (rng.Float64() - 0.5) * 100,
		}
		c := testEnvelope.Clamp(p)
		assert.True(t, c.X >= testEnvelope.Min.X && c.X <= testEnvelope.Max.X)
		assert.True(t, c.Y >= testEnvelope.Min.Y && c.Y <= testEnvelope.Max.Y)
		assert.True(t, c.Z >= testEnvelope.Min.Z && c.Z <= testEnvelope.Max.Z)
		assert.Equal(t, c, testEnvelope.Clamp(c))
	}
}

func TestClampIdempotentInRange(t *testing.T) {
	p := r3.Vec{X: 0.3, Y: -1.5, Z: 1.5}
	assert.Equal(t, p, testEnvelope.Clamp(p))
}

func TestClampNaNFallsToMin(t *testing.T) {
	c := testEnvelope.Clamp(r3.Vec{X: math.NaN(), Y: 0, Z: 0})
	assert.Equal(t, testEnvelope.Min.X, c.X)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "SAFE", Safe.String())
	assert.Equal(t, "OUT_OF_BOUNDS", OutOfBounds.String())
	assert.Equal(t, "TRACKING_LOST", TrackingLost.String())
}
