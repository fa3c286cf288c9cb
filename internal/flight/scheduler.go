// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package flight runs the fixed-rate setpoint loop and the landing sequence
// that ends every flight.
package flight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/relabs-tech/mocap_pilot/internal/logging"
	"github.com/relabs-tech/mocap_pilot/internal/mode"
	"github.com/relabs-tech/mocap_pilot/internal/safety"
	"github.com/relabs-tech/mocap_pilot/internal/target"
	"github.com/relabs-tech/mocap_pilot/internal/telemetry"
	"github.com/relabs-tech/mocap_pilot/internal/tracking"
	"github.com/relabs-tech/mocap_pilot/internal/vehicle"
)

// ErrLanded is returned by Run on a scheduler that has already flown.
var ErrLanded = errors.New("scheduler has already landed")

// Reason says why the loop stopped.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonOutOfBounds
	ReasonTrackingLost
	ReasonOperatorStop
	ReasonCaptureStopped
	ReasonSendFailed
	ReasonPanic
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonOutOfBounds:
		return "out of bounds"
	case ReasonTrackingLost:
		return "tracking lost"
	case ReasonOperatorStop:
		return "operator stop"
	case ReasonCaptureStopped:
		return "capture stopped"
	case ReasonSendFailed:
		return "setpoint send failed"
	case ReasonPanic:
		return "panic"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

func reasonFor(v safety.Verdict) Reason {
	switch v {
	case safety.OutOfBounds:
		return ReasonOutOfBounds
	case safety.TrackingLost:
		return ReasonTrackingLost
	default:
		return ReasonNone
	}
}

// Outcome describes how a flight ended.
type Outcome struct {
	Reason  Reason
	Verdict safety.Verdict // verdict of the last safety check
	Ticks   uint64         // setpoints sent
	Landed  bool           // landing sequence ran to the final stop
}

// Config holds the loop and landing timing.
type Config struct {
	Period             time.Duration // setpoint cadence
	Watchdog           time.Duration // vehicle-side setpoint timeout
	LandingSteps       int
	LandingStartHeight float64 // metres
	LandingInterval    time.Duration
}

// DefaultConfig is 10 Hz against the vehicle's 500 ms watchdog and a
// five-step landing from half a metre.
func DefaultConfig() Config {
	return Config{
		Period:             100 * time.Millisecond,
		Watchdog:           500 * time.Millisecond,
		LandingSteps:       5,
		LandingStartHeight: 0.5,
		LandingInterval:    150 * time.Millisecond,
	}
}

// Validate checks that the cadence keeps the vehicle's watchdog fed.
func (c Config) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("control period must be positive, got %s", c.Period)
	}
	if c.Period >= c.Watchdog/2 {
		return fmt.Errorf("control period %s must be below half the vehicle watchdog %s", c.Period, c.Watchdog)
	}
	if c.LandingSteps < 1 {
		return fmt.Errorf("landing needs at least one step, got %d", c.LandingSteps)
	}
	if c.LandingStartHeight <= 0 {
		return fmt.Errorf("landing start height must be positive, got %g", c.LandingStartHeight)
	}
	if c.LandingInterval <= 0 || c.LandingInterval >= c.Watchdog {
		return fmt.Errorf("landing step interval %s must be positive and below the vehicle watchdog %s",
			c.LandingInterval, c.Watchdog)
	}
	return nil
}

// LandingHeights returns the hover heights of the landing sequence, evenly
// spaced from LandingStartHeight down to LandingStartHeight/LandingSteps.
func (c Config) LandingHeights() []float64 {
	out := make([]float64, c.LandingSteps)
	for i := range out {
		out[i] = c.LandingStartHeight * float64(c.LandingSteps-i) / float64(c.LandingSteps)
	}
	return out
}

// Recorder receives the flight's events and setpoints. Calls must not block.
type Recorder interface {
	Event(kind, detail string)
	Setpoint(target.Setpoint)
}

type nopRecorder struct{}

func (nopRecorder) Event(string, string)     {}
func (nopRecorder) Setpoint(target.Setpoint) {}

// Deps are the collaborators of a Scheduler. Clock, Sink and Recorder are
// optional.
type Deps struct {
	Link       vehicle.Link
	State      *tracking.State
	Controller *mode.Controller
	Monitor    *safety.Monitor
	Composer   *target.Composer
	Clock      clock.Clock
	Sink       telemetry.Sink
	Recorder   Recorder
	Session    string
}

// Scheduler owns the control goroutine. It reads the tracking state and mode,
// asks the safety monitor, and sends one position setpoint per period. Once
// the loop ends for any reason the landing sequence runs exactly once and the
// scheduler cannot fly again.
type Scheduler struct {
	cfg  Config
	deps Deps
	log  logging.Logger

	stop     chan Reason
	started  atomic.Bool
	landOnce sync.Once
	landErr  error
	landed   atomic.Bool
	ticks    atomic.Uint64
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Link == nil || deps.State == nil || deps.Controller == nil || deps.Monitor == nil || deps.Composer == nil {
		return nil, errors.New("scheduler needs a link, state, controller, monitor and composer")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Sink == nil {
		deps.Sink = telemetry.Discard
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Scheduler{
		cfg:  cfg,
		deps: deps,
		log:  logging.Named("flight"),
		stop: make(chan Reason, 1),
	}, nil
}

// RequestStop ends the loop at the next opportunity. Only the first request
// is kept. It is safe to call from any goroutine and never blocks.
func (s *Scheduler) RequestStop(r Reason) {
	select {
	case s.stop <- r:
	default:
	}
}

// Run flies until a safety trip, a stop request, ctx cancellation, a send
// failure or a panic, then lands. The landing runs on every one of those
// paths. A panic in the loop is turned into an error after landing.
func (s *Scheduler) Run(ctx context.Context) (out Outcome, err error) {
	if !s.started.CompareAndSwap(false, true) {
		return Outcome{}, ErrLanded
	}

	defer func() {
		if p := recover(); p != nil {
			out.Reason = ReasonPanic
			err = multierr.Append(err, fmt.Errorf("control loop panic: %v", p))
		}
		out.Ticks = s.ticks.Load()
		s.deps.Recorder.Event("stop", out.Reason.String())
		if landErr := s.Land(); landErr != nil {
			err = multierr.Append(err, landErr)
		}
		out.Landed = s.landed.Load()
	}()

	s.log.Infof("control loop started at %s period", s.cfg.Period)
	s.deps.Recorder.Event("start", s.deps.Controller.Snapshot().String())

	ticker := s.deps.Clock.Ticker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("stop requested, landing")
			out.Reason = ReasonOperatorStop
			return out, nil
		case r := <-s.stop:
			s.log.Warnf("stopping: %s", r)
			out.Reason = r
			return out, nil
		case <-ticker.C:
			verdict, tickErr := s.Tick()
			out.Verdict = verdict
			if verdict.Tripped() {
				out.Reason = reasonFor(verdict)
				return out, nil
			}
			if tickErr != nil {
				out.Reason = ReasonSendFailed
				return out, tickErr
			}
		}
	}
}

// Tick runs one control step: the safety check, then, if safe, compose and
// send a setpoint. It returns the verdict and any send error.
func (s *Scheduler) Tick() (safety.Verdict, error) {
	snap := s.deps.State.Snapshot()
	m := s.deps.Controller.Snapshot()

	verdict := s.deps.Monitor.Check(snap.Vehicle)
	if verdict.Tripped() {
		s.log.Warnf("safety trip: %s (vehicle %s, %d invalid frames)", verdict, snap.Vehicle.Pose, snap.Vehicle.Invalid)
		s.deps.Recorder.Event("trip", verdict.String())
		s.deps.Sink.Publish(s.status(telemetry.PhaseLanding, snap, m, nil, verdict))
		return verdict, nil
	}

	sp := s.deps.Composer.Compose(m, snap)
	if err := s.deps.Link.SendPositionSetpoint(sp.Position.X, sp.Position.Y, sp.Position.Z, sp.Yaw); err != nil {
		s.log.Errorf("setpoint send failed: %v", err)
		s.deps.Recorder.Event("send_failed", err.Error())
		return verdict, fmt.Errorf("send setpoint: %w", err)
	}
	s.ticks.Add(1)
	s.deps.Recorder.Setpoint(sp)
	s.deps.Sink.Publish(s.status(telemetry.PhaseFlying, snap, m, &sp, verdict))
	return verdict, nil
}

// Land runs the landing sequence: descending hover setpoints, then stop. It
// runs at most once; later calls return the first result. It deliberately
// ignores any context so that it completes after a cancellation.
func (s *Scheduler) Land() error {
	s.landOnce.Do(func() {
		s.log.Info("landing...")
		s.deps.Recorder.Event("landing", "")
		snap := s.deps.State.Snapshot()
		m := s.deps.Controller.Snapshot()
		verdict := s.deps.Monitor.Check(snap.Vehicle)
		s.deps.Sink.Publish(s.status(telemetry.PhaseLanding, snap, m, nil, verdict))

		var err error
		for _, z := range s.cfg.LandingHeights() {
			if sendErr := s.deps.Link.SendHoverSetpoint(0, 0, 0, z); sendErr != nil {
				err = multierr.Append(err, fmt.Errorf("landing hover at %.2f m: %w", z, sendErr))
			}
			s.deps.Clock.Sleep(s.cfg.LandingInterval)
		}
		if stopErr := s.deps.Link.SendStop(); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("landing stop: %w", stopErr))
		}
		s.landErr = err
		s.landed.Store(true)

		if err != nil {
			s.log.Errorf("landing finished with errors: %v", err)
		} else {
			s.log.Info("landed")
		}
		s.deps.Recorder.Event("landed", "")
		s.deps.Sink.Publish(s.status(telemetry.PhaseLanded, s.deps.State.Snapshot(), m, nil, verdict))
	})
	return s.landErr
}

// Landed reports whether the landing sequence has completed.
func (s *Scheduler) Landed() bool {
	return s.landed.Load()
}

func (s *Scheduler) status(phase telemetry.Phase, snap tracking.Snapshot, m mode.Snapshot, sp *target.Setpoint, v safety.Verdict) telemetry.Status {
	names := s.deps.State.Bodies()
	st := telemetry.Status{
		Time:    s.deps.Clock.Now(),
		Session: s.deps.Session,
		Phase:   phase,
		Mode:    m.Kind.String(),
		Offset:  [3]float64{m.Offset.X, m.Offset.Y, m.Offset.Z},
		Vehicle: bodyStatus(names[0], snap.Vehicle),
		Verdict: v.String(),
	}
	if m.Kind == mode.Follow && m.Target+1 < len(names) {
		st.Target = names[m.Target+1]
	}
	for i, e := range snap.Targets {
		st.Targets = append(st.Targets, bodyStatus(names[i+1], e))
	}
	if sp != nil {
		st.Setpoint = &telemetry.Setpoint{X: sp.Position.X, Y: sp.Position.Y, Z: sp.Position.Z, Yaw: sp.Yaw}
	}
	return st
}

func bodyStatus(name string, e tracking.Entry) telemetry.Body {
	return telemetry.Body{
		Name:     name,
		Position: [3]float64{e.Pose.Position.X, e.Pose.Position.Y, e.Pose.Position.Z},
		Seen:     e.Seen,
		Invalid:  e.Invalid,
	}
}
