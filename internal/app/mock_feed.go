// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/mocap_pilot/internal/config"
	"github.com/relabs-tech/mocap_pilot/internal/logging"
	"github.com/relabs-tech/mocap_pilot/internal/mocap"
	"github.com/relabs-tech/mocap_pilot/internal/pose"
	"github.com/relabs-tech/mocap_pilot/internal/telemetry"
)

// MockFeedOptions tune the synthetic tracking feed.
type MockFeedOptions struct {
	Rate         time.Duration // frame interval
	TriggerEvery time.Duration // zero disables capture triggers
	DropoutEvery int           // every n-th frame loses the vehicle; zero disables
}

// DefaultMockFeedOptions is a 100 Hz feed without triggers or dropouts.
func DefaultMockFeedOptions() MockFeedOptions {
	return MockFeedOptions{Rate: 10 * time.Millisecond}
}

// RunMockFeed publishes a synthetic capture of the configured bodies: the
// targets circle the volume and the vehicle flies toward the setpoints the
// pilot reports on its status topic. On SIGINT/SIGTERM it publishes
// capture-stopped before exiting.
func RunMockFeed(opts MockFeedOptions) error {
	cfg := config.Get()
	log := logging.Named("mock_feed")

	pub, err := mocap.NewPublisher(mocap.MQTTConfig{
		Broker:      cfg.MQTTBroker,
		ClientID:    cfg.MQTTClientIDFeed + "-mock",
		BodiesTopic: cfg.TopicBodies,
		FramesTopic: cfg.TopicFrames,
		EventsTopic: cfg.TopicEvents,
	})
	if err != nil {
		return err
	}
	defer pub.Close()
	log.Infof("connected to MQTT broker at %s", cfg.MQTTBroker)

	bodies := append([]string{cfg.VehicleBody}, cfg.TargetBodies...)
	if err := pub.PublishBodies(bodies); err != nil {
		return fmt.Errorf("publish body list: %w", err)
	}
	log.Infof("publishing bodies %v", bodies)

	scene := newMockScene(cfg.VehicleBody, cfg.TargetBodies)
	scene.dropoutEvery = opts.DropoutEvery

	// Follow the pilot's setpoints
	client := mqtt.NewClient(mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDFeed + "-mock-status"))
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	if err := telemetry.Subscribe(client, cfg.TopicStatus, scene.follow); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runScene(ctx, clock.New(), scene, pub, opts); err != nil {
		return err
	}
	log.Info("capture stopped")
	return pub.PublishEvent(mocap.EventCaptureStopped)
}

// framePublisher is the part of mocap.Publisher the scene loop needs.
type framePublisher interface {
	PublishFrame(mocap.Frame) error
	PublishEvent(mocap.EventKind) error
}

func runScene(ctx context.Context, clk clock.Clock, scene *mockScene, pub framePublisher, opts MockFeedOptions) error {
	log := logging.Named("mock_feed")
	ticker := clk.Ticker(opts.Rate)
	defer ticker.Stop()

	start := clk.Now()
	last := start
	lastTrigger := start
	var failures int
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			frame := scene.step(now.Sub(start).Seconds(), now.Sub(last).Seconds())
			last = now
			if err := pub.PublishFrame(frame); err != nil {
				if failures++; failures == 1 {
					log.Warnf("frame publish error: %v", err)
				}
			}
			if opts.TriggerEvery > 0 && now.Sub(lastTrigger) >= opts.TriggerEvery {
				lastTrigger = now
				log.Info("trigger")
				if err := pub.PublishEvent(mocap.EventTrigger); err != nil {
					log.Warnf("event publish error: %v", err)
				}
			}
		}
	}
}

const (
	mockCircleRadius = 0.5 // metres
	mockCirclePeriod = 8.0 // seconds
	mockTargetHeight = 1.0
	mockMaxSpeed     = 0.5 // m/s
)

// mockScene moves the synthetic bodies. The vehicle starts on the floor and
// flies toward the last setpoint at a bounded speed.
type mockScene struct {
	vehicle string
	targets []string

	mu       sync.Mutex
	position r3.Vec
	setpoint *r3.Vec

	frame        uint64
	dropoutEvery int
}

func newMockScene(vehicle string, targets []string) *mockScene {
	return &mockScene{
		vehicle:  vehicle,
		targets:  targets,
		position: r3.Vec{Z: 0.02},
	}
}

func (s *mockScene) follow(st telemetry.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Setpoint == nil || st.Phase != telemetry.PhaseFlying {
		s.setpoint = nil
		return
	}
	sp := r3.Vec{X: st.Setpoint.X, Y: st.Setpoint.Y, Z: st.Setpoint.Z}
	s.setpoint = &sp
}

// step advances the scene to time t (seconds since start) after dt seconds.
func (s *mockScene) step(t, dt float64) mocap.Frame {
	s.mu.Lock()
	if s.setpoint != nil {
		d := r3.Sub(*s.setpoint, s.position)
		if n := r3.Norm(d); n > 0 {
			move := math.Min(n, mockMaxSpeed*dt)
			s.position = r3.Add(s.position, r3.Scale(move/n, d))
		}
	}
	vp := s.position
	s.mu.Unlock()

	s.frame++
	f := mocap.Frame{Number: s.frame, Bodies: make(map[string]pose.Sample, len(s.targets)+1)}

	identity := [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	vs := pose.Sample{PositionMM: toMM(vp), Rotation: &identity}
	if s.dropoutEvery > 0 && s.frame%uint64(s.dropoutEvery) == 0 {
		vs.PositionMM = [3]float64{math.NaN(), math.NaN(), math.NaN()}
	}
	f.Bodies[s.vehicle] = vs

	for i, name := range s.targets {
		phase := 2*math.Pi*t/mockCirclePeriod + 2*math.Pi*float64(i)/float64(len(s.targets))
		p := r3.Vec{
			X: mockCircleRadius * math.Cos(phase),
			Y: mockCircleRadius * math.Sin(phase),
			Z: mockTargetHeight,
		}
		// facing along the direction of travel
		yaw := math.Mod(phase*180/math.Pi+90, 360)
		euler := [3]float64{yaw, 0, 0}
		f.Bodies[name] = pose.Sample{PositionMM: toMM(p), Euler: &euler}
	}
	return f
}

func toMM(p r3.Vec) [3]float64 {
	return [3]float64{p.X * 1000, p.Y * 1000, p.Z * 1000}
}
