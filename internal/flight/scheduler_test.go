package flight

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/mocap_pilot/internal/mode"
	"github.com/relabs-tech/mocap_pilot/internal/pose"
	"github.com/relabs-tech/mocap_pilot/internal/safety"
	"github.com/relabs-tech/mocap_pilot/internal/target"
	"github.com/relabs-tech/mocap_pilot/internal/telemetry"
	"github.com/relabs-tech/mocap_pilot/internal/tracking"
	"github.com/relabs-tech/mocap_pilot/internal/vehicle"
)

// fastConfig keeps the real-clock tests quick while satisfying Validate.
func fastConfig() Config {
	return Config{
		Period:             time.Millisecond,
		Watchdog:           20 * time.Millisecond,
		LandingSteps:       5,
		LandingStartHeight: 0.5,
		LandingInterval:    time.Millisecond,
	}
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []telemetry.Status
}

func (r *recordingSink) Publish(s telemetry.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recordingSink) last() telemetry.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[len(r.statuses)-1]
}

type recordingRecorder struct {
	mu        sync.Mutex
	events    []string
	setpoints []target.Setpoint
}

func (r *recordingRecorder) Event(kind, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
}

func (r *recordingRecorder) Setpoint(sp target.Setpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setpoints = append(r.setpoints, sp)
}

type fixture struct {
	link  *vehicle.MockLink
	state *tracking.State
	ctrl  *mode.Controller
	sink  *recordingSink
	rec   *recordingRecorder
	sched *Scheduler
}

func newFixture(t *testing.T, link vehicle.Link) *fixture {
	t.Helper()
	envelope := safety.Envelope{Min: r3.Vec{X: -1, Y: -1, Z: 0}, Max: r3.Vec{X: 1, Y: 1, Z: 2}, Margin: 0.2}
	monitor, err := safety.NewMonitor(envelope, 10)
	require.NoError(t, err)
	ctrl, err := mode.NewController(mode.Config{Initial: mode.Home, Targets: 1, Step: 0.1})
	require.NoError(t, err)

	f := &fixture{
		state: tracking.NewState("cf", []string{"wand"}),
		ctrl:  ctrl,
		sink:  &recordingSink{},
		rec:   &recordingRecorder{},
	}
	if link == nil {
		f.link = vehicle.NewMockLink()
		link = f.link
	}
	f.sched, err = New(fastConfig(), Deps{
		Link:       link,
		State:      f.state,
		Controller: ctrl,
		Monitor:    monitor,
		Composer:   target.NewComposer(target.Config{Home: r3.Vec{Z: 1}}, envelope),
		Sink:       f.sink,
		Recorder:   f.rec,
		Session:    "test",
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) placeVehicle(x, y, z float64) {
	f.state.Update("cf", pose.Sample{PositionMM: [3]float64{x * 1000, y * 1000, z * 1000}})
}

func assertLanding(t *testing.T, link *vehicle.MockLink) {
	t.Helper()
	var tail []vehicle.Call
	for _, c := range link.Calls() {
		if c.Method == "SendHoverSetpoint" || c.Method == "SendStop" {
			tail = append(tail, c)
		}
	}
	require.Len(t, tail, 6, "five hover setpoints and one stop")
	for i, want := range []float64{0.5, 0.4, 0.3, 0.2, 0.1} {
		assert.Equal(t, "SendHoverSetpoint", tail[i].Method)
		assert.InDelta(t, want, tail[i].Args[3], 1e-9)
	}
	assert.Equal(t, "SendStop", tail[5].Method)

	// nothing is sent after the stop
	calls := link.Calls()
	assert.Equal(t, "SendStop", calls[len(calls)-1].Method)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Period = 250 * time.Millisecond
	assert.Error(t, cfg.Validate(), "period equal to half the watchdog")

	cfg = DefaultConfig()
	cfg.LandingSteps = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.LandingInterval = time.Second
	assert.Error(t, cfg.Validate())

	heights := DefaultConfig().LandingHeights()
	require.Len(t, heights, 5)
	for i, want := range []float64{0.5, 0.4, 0.3, 0.2, 0.1} {
		assert.InDelta(t, want, heights[i], 1e-12)
	}
}

func TestTickSendsComposedSetpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.placeVehicle(0, 0, 0.5)

	v, err := f.sched.Tick()
	require.NoError(t, err)
	assert.Equal(t, safety.Safe, v)

	calls := f.link.CallsTo("SendPositionSetpoint")
	require.Len(t, calls, 1)
	assert.Equal(t, []float64{0, 0, 1, 0}, calls[0].Args)
	require.Len(t, f.rec.setpoints, 1)

	st := f.sink.last()
	assert.Equal(t, telemetry.PhaseFlying, st.Phase)
	assert.Equal(t, "HOME", st.Mode)
	require.NotNil(t, st.Setpoint)
	assert.Equal(t, 1.0, st.Setpoint.Z)
	assert.Equal(t, "cf", st.Vehicle.Name)
	assert.InDelta(t, 0.5, st.Vehicle.Position[2], 1e-12)
}

func TestTickFollowsTargetWithOffset(t *testing.T) {
	f := newFixture(t, nil)
	f.placeVehicle(0, 0, 0.5)
	f.state.Update("wand", pose.Sample{PositionMM: [3]float64{500, 500, 1000}})
	f.ctrl.Toggle()
	f.ctrl.AdjustOffset(mode.AxisZ, 1)
	f.ctrl.AdjustOffset(mode.AxisZ, 1)

	_, err := f.sched.Tick()
	require.NoError(t, err)
	calls := f.link.CallsTo("SendPositionSetpoint")
	require.Len(t, calls, 1)
	assert.InDelta(t, 0.5, calls[0].Args[0], 1e-9)
	assert.InDelta(t, 1.2, calls[0].Args[2], 1e-9)
	assert.Equal(t, "wand", f.sink.last().Target)
}

func TestRunOutOfBoundsLandsWithoutSetpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.placeVehicle(1.25, 0, 0.5)

	out, err := f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonOutOfBounds, out.Reason)
	assert.Equal(t, safety.OutOfBounds, out.Verdict)
	assert.True(t, out.Landed)
	assert.Zero(t, out.Ticks)

	assert.Empty(t, f.link.CallsTo("SendPositionSetpoint"))
	assertLanding(t, f.link)
	assert.Equal(t, telemetry.PhaseLanded, f.sink.last().Phase)
	assert.Contains(t, f.rec.events, "trip")
	assert.Contains(t, f.rec.events, "landed")
}

func TestRunTrackingLost(t *testing.T) {
	f := newFixture(t, nil)
	f.placeVehicle(0, 0, 0.5)
	for i := 0; i < 11; i++ {
		f.state.MarkMissing("cf")
	}

	out, err := f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonTrackingLost, out.Reason)
	assertLanding(t, f.link)
}

func TestRunTripsMidFlight(t *testing.T) {
	f := newFixture(t, nil)
	f.placeVehicle(0, 0, 0.5)

	done := make(chan Outcome, 1)
	go func() {
		out, _ := f.sched.Run(context.Background())
		done <- out
	}()
	require.Eventually(t, func() bool {
		return len(f.link.CallsTo("SendPositionSetpoint")) >= 3
	}, 2*time.Second, time.Millisecond)

	f.placeVehicle(0, 0, 2.3)
	select {
	case out := <-done:
		assert.Equal(t, ReasonOutOfBounds, out.Reason)
		assert.GreaterOrEqual(t, out.Ticks, uint64(3))
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on trip")
	}
	assertLanding(t, f.link)
}

func TestRunContextCancelLands(t *testing.T) {
	f := newFixture(t, nil)
	f.placeVehicle(0, 0, 0.5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.sched.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonOperatorStop, out.Reason)
	assertLanding(t, f.link)
}

func TestRunRequestStop(t *testing.T) {
	f := newFixture(t, nil)
	f.placeVehicle(0, 0, 0.5)
	f.sched.RequestStop(ReasonCaptureStopped)
	f.sched.RequestStop(ReasonOperatorStop)

	out, err := f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonCaptureStopped, out.Reason)
	assertLanding(t, f.link)
}

func TestRunSendFailureLands(t *testing.T) {
	link := vehicle.NewMockLink()
	link.FailAfter = 3
	f := newFixture(t, link)
	f.link = link
	f.placeVehicle(0, 0, 0.5)

	out, err := f.sched.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ReasonSendFailed, out.Reason)
	assert.Equal(t, uint64(3), out.Ticks)
	assertLanding(t, link)
}

type panickingLink struct {
	*vehicle.MockLink
}

func (panickingLink) SendPositionSetpoint(x, y, z, yaw float64) error {
	panic("radio driver bug")
}

func TestRunPanicStillLands(t *testing.T) {
	link := panickingLink{vehicle.NewMockLink()}
	f := newFixture(t, link)
	f.placeVehicle(0, 0, 0.5)

	out, err := f.sched.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radio driver bug")
	assert.Equal(t, ReasonPanic, out.Reason)
	assert.True(t, out.Landed)
	assertLanding(t, link.MockLink)
}

func TestLandingRunsOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.placeVehicle(1.25, 0, 0.5)

	_, err := f.sched.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.sched.Land())

	_, err = f.sched.Run(context.Background())
	assert.ErrorIs(t, err, ErrLanded)
	assert.Len(t, f.link.CallsTo("SendStop"), 1)
	assert.Len(t, f.link.CallsTo("SendHoverSetpoint"), 5)
	assert.True(t, f.sched.Landed())
}

func TestNewRejectsMissingDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Watchdog = cfg.Period
	_, err = New(cfg, Deps{})
	assert.Error(t, err)
}
