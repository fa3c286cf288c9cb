// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/relabs-tech/mocap_pilot/internal/app"
	"github.com/relabs-tech/mocap_pilot/internal/config"
	"github.com/relabs-tech/mocap_pilot/internal/logging"
)

func main() {
	opts := app.DefaultMockFeedOptions()
	configPath := flag.String("config", "mocap_pilot_config.txt", "path to the config file")
	flag.DurationVar(&opts.Rate, "rate", opts.Rate, "frame interval")
	flag.DurationVar(&opts.TriggerEvery, "trigger", 0, "send a capture trigger at this interval (0 disables)")
	flag.IntVar(&opts.DropoutEvery, "dropout", 0, "lose the vehicle on every n-th frame (0 disables)")
	flag.Parse()

	if err := logging.Init(false); err != nil {
		panic(err)
	}
	log := logging.Named("main")
	log.Info("starting mock tracking feed (MQTT producer)")

	if err := run(*configPath, func() error { return app.RunMockFeed(opts) }); err != nil {
		log.Errorf("fatal: %v", err)
		logging.Sync()
		os.Exit(1)
	}
	logging.Sync()
}

// run loads the config and starts the command; deferred cleanup in the
// command runs before main exits.
func run(configPath string, start func() error) error {
	if err := config.InitGlobal(configPath); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return start()
}

