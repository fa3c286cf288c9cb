// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"

	"github.com/relabs-tech/mocap_pilot/internal/config"
	"github.com/relabs-tech/mocap_pilot/internal/flightlog"
	"github.com/relabs-tech/mocap_pilot/internal/logging"
	"github.com/relabs-tech/mocap_pilot/internal/mocap"
	"github.com/relabs-tech/mocap_pilot/internal/operator"
	"github.com/relabs-tech/mocap_pilot/internal/telemetry"
	"github.com/relabs-tech/mocap_pilot/internal/vehicle"
)

// PilotOptions are the command-line switches of the pilot.
type PilotOptions struct {
	// DryRun replaces the serial link with a mock vehicle that accepts every
	// command, for rehearsing with the mock feed.
	DryRun bool
}

// RunPilot flies one session: it connects the tracking feed, the vehicle and
// the telemetry/operator topics, then hands over to Session.Run. SIGINT and
// SIGTERM land the vehicle.
func RunPilot(opts PilotOptions) (err error) {
	cfg := config.Get()
	log := logging.Named("pilot")
	if !opts.DryRun {
		if err := cfg.RequireVehicleLink(); err != nil {
			return err
		}
	}

	feed, err := mocap.NewMQTTFeed(mocap.MQTTConfig{
		Broker:      cfg.MQTTBroker,
		ClientID:    cfg.MQTTClientIDFeed,
		BodiesTopic: cfg.TopicBodies,
		FramesTopic: cfg.TopicFrames,
		EventsTopic: cfg.TopicEvents,
	})
	if err != nil {
		return err
	}

	listener := operator.NewListener(cfg.TopicOperator)
	client := mqtt.NewClient(mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDPilot).
		SetAutoReconnect(true).
		SetOnConnectHandler(listener.OnConnect))
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		feed.Close()
		return fmt.Errorf("connect MQTT broker %s: %w", cfg.MQTTBroker, token.Error())
	}
	defer client.Disconnect(250)

	pub := telemetry.NewPublisher(client, cfg.TopicStatus)
	defer pub.Close()

	var db *flightlog.DB
	if cfg.FlightLogPath != "" {
		if db, err = flightlog.Open(cfg.FlightLogPath); err != nil {
			feed.Close()
			return err
		}
		defer func() {
			err = multierr.Append(err, db.Close())
		}()
		log.Infof("flight log at %s", cfg.FlightLogPath)
	}

	openLink := func() (vehicle.Link, error) {
		return vehicle.OpenSerial(vehicle.SerialConfig{
			PortName: cfg.VehicleSerialPort,
			BaudRate: cfg.VehicleBaudRate,
		})
	}
	if opts.DryRun {
		log.Warn("dry run: no vehicle commands leave this process")
		openLink = func() (vehicle.Link, error) {
			link := vehicle.NewMockLink()
			link.Converge = true
			return link, nil
		}
	}

	session := &Session{
		Config:   cfg,
		Feed:     feed,
		OpenLink: openLink,
		Operator: func(fn func(operator.Event)) error {
			return listener.Subscribe(client, fn)
		},
		Sink:      pub,
		FlightLog: db,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := session.Run(ctx)
	if err != nil {
		if isStartupError(err) {
			log.Errorf("not flying: %v", err)
		}
		return err
	}
	log.Infof("session finished: %s after %d setpoints (landed: %t)", out.Reason, out.Ticks, out.Landed)
	return nil
}
