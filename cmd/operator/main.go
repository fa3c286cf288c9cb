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
	configPath := flag.String("config", "mocap_pilot_config.txt", "path to the config file")
	flag.Parse()

	if err := logging.Init(false); err != nil {
		panic(err)
	}
	log := logging.Named("main")
	log.Info("starting operator console")

	if err := run(*configPath, func() error { return app.RunOperator() }); err != nil {
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

