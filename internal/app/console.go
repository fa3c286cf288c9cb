// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/mocap_pilot/internal/config"
	"github.com/relabs-tech/mocap_pilot/internal/logging"
	"github.com/relabs-tech/mocap_pilot/internal/telemetry"
)

// RunConsole prints the pilot status from the broker: the status line
// whenever it changes, and the body positions with every message when
// verbose is set.
func RunConsole(verbose bool) error {
	cfg := config.Get()
	log := logging.Named("console")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDConsole)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Infof("connected to MQTT broker at %s", cfg.MQTTBroker)

	var filter telemetry.ChangeFilter
	if err := telemetry.Subscribe(client, cfg.TopicStatus, func(st telemetry.Status) {
		printStatus(os.Stdout, st, &filter, verbose)
	}); err != nil {
		return err
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	return nil
}

func printStatus(w io.Writer, st telemetry.Status, filter *telemetry.ChangeFilter, verbose bool) {
	if line := st.Line(); filter.Changed(line) {
		fmt.Fprintf(w, "[STATUS] %s\n", line)
	}
	if !verbose {
		return
	}
	bodies := append([]telemetry.Body{st.Vehicle}, st.Targets...)
	for _, b := range bodies {
		if !b.Seen {
			fmt.Fprintf(w, "[BODY]  %-10s not seen\n", b.Name)
			continue
		}
		fmt.Fprintf(w, "[BODY]  %-10s x=%6.3f y=%6.3f z=%6.3f invalid=%d\n",
			b.Name, b.Position[0], b.Position[1], b.Position[2], b.Invalid)
	}
	if sp := st.Setpoint; sp != nil {
		fmt.Fprintf(w, "[SETP]  x=%6.3f y=%6.3f z=%6.3f yaw=%6.1f\n", sp.X, sp.Y, sp.Z, sp.Yaw)
	}
}
