// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/mocap_pilot/internal/config"
	"github.com/relabs-tech/mocap_pilot/internal/logging"
	"github.com/relabs-tech/mocap_pilot/internal/operator"
)

const operatorHelp = `keys: a/d x-/x+  s/w y-/y+  z/x z-/z+  1-9 target  t toggle  q stop
commands: toggle | select N | offset x|y|z +|- | stop`

// RunOperator reads operator commands from stdin, one per line, and
// publishes them to the pilot. It returns after a stop command or at end of
// input.
func RunOperator() error {
	cfg := config.Get()
	log := logging.Named("operator")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDOperator)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Infof("connected to MQTT broker at %s", cfg.MQTTBroker)

	fmt.Println(operatorHelp)
	return readCommands(os.Stdin, os.Stdout, func(ev operator.Event) error {
		return operator.Publish(client, cfg.TopicOperator, ev)
	})
}

// readCommands parses each input line and hands the event to send. Unknown
// commands are reported on out and skipped.
func readCommands(in io.Reader, out io.Writer, send func(operator.Event) error) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, err := operator.ParseCommand(line)
		if err != nil {
			fmt.Fprintf(out, "%v\n", err)
			continue
		}
		if err := send(ev); err != nil {
			return fmt.Errorf("send %s: %w", ev, err)
		}
		fmt.Fprintf(out, "> %s\n", ev)
		if ev.Kind == operator.Stop {
			return nil
		}
	}
	return scanner.Err()
}
