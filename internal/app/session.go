// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/mocap_pilot/internal/config"
	"github.com/relabs-tech/mocap_pilot/internal/flight"
	"github.com/relabs-tech/mocap_pilot/internal/flightlog"
	"github.com/relabs-tech/mocap_pilot/internal/logging"
	"github.com/relabs-tech/mocap_pilot/internal/mocap"
	"github.com/relabs-tech/mocap_pilot/internal/mode"
	"github.com/relabs-tech/mocap_pilot/internal/operator"
	"github.com/relabs-tech/mocap_pilot/internal/safety"
	"github.com/relabs-tech/mocap_pilot/internal/target"
	"github.com/relabs-tech/mocap_pilot/internal/telemetry"
	"github.com/relabs-tech/mocap_pilot/internal/tracking"
	"github.com/relabs-tech/mocap_pilot/internal/vehicle"
)

// Session is one flight from feed handshake to landing. It owns the tracking
// state, the mode controller and the scheduler; nothing about a flight lives
// in package-level state.
type Session struct {
	Config *config.Config
	Feed   mocap.Feed
	// OpenLink connects to the vehicle. It is called only after every
	// configured body has been found in the feed.
	OpenLink func() (vehicle.Link, error)
	// Operator, when set, subscribes fn to operator commands.
	Operator  func(fn func(operator.Event)) error
	Sink      telemetry.Sink           // optional
	FlightLog *flightlog.DB            // optional
	Clock     clock.Clock              // optional
	Estimator *vehicle.EstimatorConfig // optional, derived from Config when nil

	estimatesDropped atomic.Uint64
}

// Run performs the startup sequence (feed bodies, body check, vehicle link,
// flight parameters, estimator gate), flies until a stop condition and lands.
// The feed and the vehicle link are closed before it returns.
func (s *Session) Run(ctx context.Context) (out flight.Outcome, err error) {
	log := logging.Named("session")
	cfg := s.Config
	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	defer func() {
		err = multierr.Append(err, s.Feed.Close())
	}()

	// 1. Body list and resolution, before anything touches the vehicle.
	bodiesCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.BodiesTimeoutMS)*time.Millisecond)
	names, err := s.Feed.Bodies(bodiesCtx)
	cancel()
	if err != nil {
		return out, fmt.Errorf("tracking feed body list: %w", err)
	}
	table := tracking.NewBodyTable(names)
	log.Infof("%d rigid bodies in tracking feed: %v", table.Len(), table.Names())
	tracked := append([]string{cfg.VehicleBody}, cfg.TargetBodies...)
	if err := table.Require(tracked...); err != nil {
		return out, err
	}
	for _, b := range tracked {
		i, _ := table.Index(b)
		log.Infof("body %s at stream index %d", b, i)
	}

	state := tracking.NewState(cfg.VehicleBody, cfg.TargetBodies)
	ctrl, monitor, composer, err := buildControl(cfg)
	if err != nil {
		return out, err
	}
	env := monitor.Envelope()
	log.Infof("envelope min %v max %v margin %.2f, tracking loss after %d invalid frames",
		env.Min, env.Max, env.Margin, monitor.Threshold())

	// 2. Vehicle link.
	link, err := s.OpenLink()
	if err != nil {
		return out, fmt.Errorf("connect vehicle: %w", err)
	}
	defer func() {
		err = multierr.Append(err, link.Close())
	}()

	// 3. Ingestion: every frame updates the tracking state and forwards the
	// vehicle's own pose to its estimator.
	var frames atomic.Uint64
	if err := s.Feed.Stream(func(f mocap.Frame) {
		frames.Add(1)
		vp, ok := state.ApplyFrame(f.Bodies)
		if !ok {
			return
		}
		if err := link.SendPoseEstimate(vp.Position, vp.Quaternion()); err != nil {
			if s.estimatesDropped.Add(1) == 1 {
				log.Warnf("pose estimate not sent: %v", err)
			}
		}
	}); err != nil {
		return out, err
	}

	// 4. Flight parameters and estimator gate.
	if err := vehicle.ApplyFlightParameters(link, cfg.MaxVelocity); err != nil {
		return out, fmt.Errorf("flight parameters: %w", err)
	}
	est := estimatorConfig(cfg)
	if s.Estimator != nil {
		est = *s.Estimator
	}
	if err := vehicle.SetupEstimator(ctx, link, clk, est); err != nil {
		return out, fmt.Errorf("estimator: %w", err)
	}

	// 5. Scheduler, flight log and event wiring.
	var rec flight.Recorder
	if s.FlightLog != nil {
		r, logErr := s.FlightLog.StartSession(ctx, flightlog.SessionInfo{
			Vehicle:     cfg.VehicleBody,
			Targets:     cfg.TargetBodies,
			InitialMode: cfg.InitialMode,
		}, clk)
		if logErr != nil {
			return out, logErr
		}
		defer func() {
			err = multierr.Append(err, r.End(out.Reason.String()))
		}()
		rec = r
	}

	statuses := make(chan telemetry.Status, 16)
	sink := telemetry.Tee{chanSink(statuses)}
	if s.Sink != nil {
		sink = append(sink, s.Sink)
	}
	var sessionID string
	if r, ok := rec.(*flightlog.Recorder); ok {
		sessionID = r.ID().String()
	}
	sched, err := flight.New(flightConfig(cfg), flight.Deps{
		Link:       link,
		State:      state,
		Controller: ctrl,
		Monitor:    monitor,
		Composer:   composer,
		Clock:      clk,
		Sink:       sink,
		Recorder:   rec,
		Session:    sessionID,
	})
	if err != nil {
		return out, err
	}

	recordEvent := func(kind, detail string) {
		if rec != nil {
			rec.Event(kind, detail)
		}
	}
	if err := s.Feed.Events(func(ev mocap.Event) {
		switch {
		case ev.Kind == mocap.EventTrigger:
			snap := ctrl.Toggle()
			log.Infof("capture trigger, mode: %s", snap)
			recordEvent("mode", snap.String())
		case ev.Kind.EndsSession():
			log.Warnf("capture event %s, landing", ev.Kind)
			recordEvent("capture", ev.Kind.String())
			sched.RequestStop(flight.ReasonCaptureStopped)
		}
	}); err != nil {
		return out, err
	}
	if s.Operator != nil {
		opLog := logging.Named("operator")
		if err := s.Operator(func(ev operator.Event) {
			recordEvent("operator", ev.String())
			if operator.Apply(ev, ctrl, opLog) {
				sched.RequestStop(flight.ReasonOperatorStop)
			}
		}); err != nil {
			return out, err
		}
	}

	// 6. Fly. The status logger prints the operator line whenever it changes,
	// and the feed watchdog turns a silent feed into invalid frames.
	g, gctx := errgroup.WithContext(ctx)
	watchCtx, stopWatch := context.WithCancel(gctx)
	defer stopWatch()
	g.Go(func() error {
		defer close(statuses)
		defer stopWatch()
		var runErr error
		out, runErr = sched.Run(gctx)
		return runErr
	})
	g.Go(func() error {
		watchFeed(watchCtx, clk, time.Duration(cfg.FeedFramePeriodMS)*time.Millisecond, &frames, state)
		return nil
	})
	g.Go(func() error {
		var filter telemetry.ChangeFilter
		for st := range statuses {
			if line := st.Line(); filter.Changed(line) {
				log.Info(line)
			}
		}
		return nil
	})
	err = g.Wait()

	if out.Reason == flight.ReasonOutOfBounds || out.Reason == flight.ReasonTrackingLost {
		log.Warnf("flight ended: %s", out.Reason)
	} else {
		log.Infof("flight ended: %s", out.Reason)
	}
	if n := s.estimatesDropped.Load(); n > 0 {
		log.Infof("%d pose estimates not sent", n)
	}
	return out, err
}

// watchFeed counts every frame period without a single frame as a missing
// frame for every tracked body, so a dead feed ends in tracking loss.
func watchFeed(ctx context.Context, clk clock.Clock, period time.Duration, frames *atomic.Uint64, state *tracking.State) {
	log := logging.Named("session")
	ticker := clk.Ticker(period)
	defer ticker.Stop()

	last := frames.Load()
	silent := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n := frames.Load()
		if n != last {
			if silent > 0 {
				log.Infof("tracking feed resumed after %d silent periods", silent)
			}
			last = n
			silent = 0
			continue
		}
		if silent++; silent == 1 {
			log.Warn("tracking feed silent")
		}
		for _, b := range state.Bodies() {
			state.MarkMissing(b)
		}
	}
}

// chanSink forwards statuses to a channel without blocking.
type chanSink chan<- telemetry.Status

func (c chanSink) Publish(s telemetry.Status) {
	select {
	case c <- s:
	default:
	}
}

func buildControl(cfg *config.Config) (*mode.Controller, *safety.Monitor, *target.Composer, error) {
	initial, err := mode.ParseKind(cfg.InitialMode)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("INITIAL_MODE: %w", err)
	}
	ctrl, err := mode.NewController(mode.Config{
		Initial:       initial,
		InitialTarget: cfg.InitialTarget,
		Targets:       len(cfg.TargetBodies),
		Offset:        r3.Vec{X: cfg.OffsetX, Y: cfg.OffsetY, Z: cfg.OffsetZ},
		Step:          cfg.OffsetStep,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	envelope := envelopeFor(cfg)
	monitor, err := safety.NewMonitor(envelope, cfg.TrackingLossThreshold)
	if err != nil {
		return nil, nil, nil, err
	}
	composer := target.NewComposer(target.Config{
		Home:      r3.Vec{X: cfg.HomeX, Y: cfg.HomeY, Z: cfg.HomeZ},
		HomeYaw:   cfg.HomeYaw,
		FollowYaw: cfg.FollowYaw,
		TrackYaw:  cfg.FollowTrackYaw,
	}, envelope)
	return ctrl, monitor, composer, nil
}

func envelopeFor(cfg *config.Config) safety.Envelope {
	return safety.Envelope{
		Min:    r3.Vec{X: cfg.EnvelopeXMin, Y: cfg.EnvelopeYMin, Z: cfg.EnvelopeZMin},
		Max:    r3.Vec{X: cfg.EnvelopeXMax, Y: cfg.EnvelopeYMax, Z: cfg.EnvelopeZMax},
		Margin: cfg.EnvelopeMargin,
	}
}

func flightConfig(cfg *config.Config) flight.Config {
	return flight.Config{
		Period:             time.Duration(cfg.ControlPeriodMS) * time.Millisecond,
		Watchdog:           time.Duration(cfg.VehicleWatchdogMS) * time.Millisecond,
		LandingSteps:       cfg.LandingSteps,
		LandingStartHeight: cfg.LandingStartHeight,
		LandingInterval:    time.Duration(cfg.LandingStepIntervalMS) * time.Millisecond,
	}
}

func estimatorConfig(cfg *config.Config) vehicle.EstimatorConfig {
	est := vehicle.DefaultEstimatorConfig()
	est.ExtQuatStdDev = cfg.ExtQuatStdDev
	est.Window = cfg.EstimatorWindow
	est.Threshold = cfg.EstimatorThreshold
	est.Timeout = time.Duration(cfg.EstimatorTimeoutMS) * time.Millisecond
	return est
}

// isStartupError reports whether err happened before the vehicle could have
// been commanded to move.
func isStartupError(err error) bool {
	return errors.Is(err, tracking.ErrUnresolvedBody) ||
		errors.Is(err, mocap.ErrNoBodies) ||
		errors.Is(err, vehicle.ErrNotConverged)
}
