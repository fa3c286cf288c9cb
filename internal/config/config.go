// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker           string
	MQTTClientIDPilot    string
	MQTTClientIDFeed     string
	MQTTClientIDConsole  string
	MQTTClientIDWeb      string
	MQTTClientIDDisplay  string
	MQTTClientIDOperator string

	// Topics
	TopicBodies   string // retained rigid-body list
	TopicFrames   string
	TopicEvents   string
	TopicOperator string
	TopicStatus   string

	// Vehicle link
	VehicleSerialPort string
	VehicleBaudRate   int

	// Rigid bodies
	VehicleBody  string
	TargetBodies []string // selection order: key 1 selects the first

	// Safety envelope, metres
	EnvelopeXMin, EnvelopeXMax float64
	EnvelopeYMin, EnvelopeYMax float64
	EnvelopeZMin, EnvelopeZMax float64
	EnvelopeMargin             float64

	// Home setpoint
	HomeX, HomeY, HomeZ float64
	HomeYaw             float64 // degrees

	// Mode controller
	InitialMode    string // "home" or "follow"; required
	InitialTarget  int    // zero-based
	OffsetX        float64
	OffsetY        float64
	OffsetZ        float64
	OffsetStep     float64
	FollowYaw      float64 // degrees
	FollowTrackYaw bool

	// Safety monitor
	TrackingLossThreshold uint32 // consecutive invalid feed frames
	FeedFramePeriodMS     int    // native feed frame period; a silent period counts as an invalid frame

	// Timing, milliseconds
	ControlPeriodMS         int
	VehicleWatchdogMS       int
	LandingSteps            int
	LandingStartHeight      float64 // metres
	LandingStepIntervalMS   int
	BodiesTimeoutMS         int
	EstimatorTimeoutMS      int
	DisplayUpdateIntervalMS int

	// Vehicle parameters
	MaxVelocity        float64 // m/s
	ExtQuatStdDev      float64
	EstimatorWindow    int
	EstimatorThreshold float64

	// Flight log
	FlightLogPath string // empty disables the flight log

	// Web Server
	WebServerPort int

	// Display
	DisplayEnabled bool
}

// ErrMissing marks a required key that was not set.
var ErrMissing = errors.New("required config key missing")

// Package-level singleton: InitGlobal sets it once, Get reads it.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the values used for keys the config file does not set.
func Default() Config {
	return Config{
		MQTTBroker:           "tcp://localhost:1883",
		MQTTClientIDPilot:    "mocap-pilot",
		MQTTClientIDFeed:     "mocap-feed",
		MQTTClientIDConsole:  "mocap-console",
		MQTTClientIDWeb:      "mocap-web",
		MQTTClientIDDisplay:  "mocap-display",
		MQTTClientIDOperator: "mocap-operator",

		TopicBodies:   "mocap/bodies",
		TopicFrames:   "mocap/frames",
		TopicEvents:   "mocap/events",
		TopicOperator: "pilot/operator",
		TopicStatus:   "pilot/status",

		VehicleBaudRate: 115200,

		EnvelopeXMin: -1, EnvelopeXMax: 1,
		EnvelopeYMin: -1, EnvelopeYMax: 1,
		EnvelopeZMin: 0, EnvelopeZMax: 2,
		EnvelopeMargin: 0.2,

		HomeZ:      1,
		OffsetStep: 0.1,

		TrackingLossThreshold: 200,
		FeedFramePeriodMS:     10,

		ControlPeriodMS:         100,
		VehicleWatchdogMS:       500,
		LandingSteps:            5,
		LandingStartHeight:      0.5,
		LandingStepIntervalMS:   150,
		BodiesTimeoutMS:         5000,
		EstimatorTimeoutMS:      30000,
		DisplayUpdateIntervalMS: 200,

		MaxVelocity:        0.5,
		ExtQuatStdDev:      0.6,
		EstimatorWindow:    10,
		EstimatorThreshold: 0.001,

		WebServerPort: 8080,
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

// Parse reads KEY=VALUE lines over the defaults. Blank lines and lines
// starting with # are skipped.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_PILOT":
		c.MQTTClientIDPilot = value
	case "MQTT_CLIENT_ID_FEED":
		c.MQTTClientIDFeed = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value
	case "MQTT_CLIENT_ID_DISPLAY":
		c.MQTTClientIDDisplay = value
	case "MQTT_CLIENT_ID_OPERATOR":
		c.MQTTClientIDOperator = value

	// Topics
	case "TOPIC_BODIES":
		c.TopicBodies = value
	case "TOPIC_FRAMES":
		c.TopicFrames = value
	case "TOPIC_EVENTS":
		c.TopicEvents = value
	case "TOPIC_OPERATOR":
		c.TopicOperator = value
	case "TOPIC_STATUS":
		c.TopicStatus = value

	// Vehicle link
	case "VEHICLE_SERIAL_PORT":
		c.VehicleSerialPort = value
	case "VEHICLE_BAUD_RATE":
		c.VehicleBaudRate, err = parsePositiveInt(key, value)

	// Rigid bodies
	case "VEHICLE_BODY":
		c.VehicleBody = value
	case "TARGET_BODIES":
		c.TargetBodies = nil
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.TargetBodies = append(c.TargetBodies, name)
			}
		}

	// Safety envelope
	case "ENVELOPE_X_MIN":
		c.EnvelopeXMin, err = parseFloat(key, value)
	case "ENVELOPE_X_MAX":
		c.EnvelopeXMax, err = parseFloat(key, value)
	case "ENVELOPE_Y_MIN":
		c.EnvelopeYMin, err = parseFloat(key, value)
	case "ENVELOPE_Y_MAX":
		c.EnvelopeYMax, err = parseFloat(key, value)
	case "ENVELOPE_Z_MIN":
		c.EnvelopeZMin, err = parseFloat(key, value)
	case "ENVELOPE_Z_MAX":
		c.EnvelopeZMax, err = parseFloat(key, value)
	case "ENVELOPE_MARGIN":
		c.EnvelopeMargin, err = parseFloat(key, value)
		if err == nil && c.EnvelopeMargin < 0 {
			err = fmt.Errorf("ENVELOPE_MARGIN must be >= 0, got %g", c.EnvelopeMargin)
		}

	// Home setpoint
	case "HOME_X":
		c.HomeX, err = parseFloat(key, value)
	case "HOME_Y":
		c.HomeY, err = parseFloat(key, value)
	case "HOME_Z":
		c.HomeZ, err = parseFloat(key, value)
	case "HOME_YAW":
		c.HomeYaw, err = parseFloat(key, value)

	// Mode controller
	case "INITIAL_MODE":
		v := strings.ToLower(value)
		if v != "home" && v != "follow" {
			return fmt.Errorf("INITIAL_MODE must be home or follow, got %q", value)
		}
		c.InitialMode = v
	case "INITIAL_TARGET":
		c.InitialTarget, err = strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid INITIAL_TARGET %q: %w", value, err)
		}
		if c.InitialTarget < 0 {
			return fmt.Errorf("INITIAL_TARGET must be >= 0, got %d", c.InitialTarget)
		}
	case "OFFSET_X":
		c.OffsetX, err = parseFloat(key, value)
	case "OFFSET_Y":
		c.OffsetY, err = parseFloat(key, value)
	case "OFFSET_Z":
		c.OffsetZ, err = parseFloat(key, value)
	case "OFFSET_STEP":
		c.OffsetStep, err = parseFloat(key, value)
		if err == nil && c.OffsetStep <= 0 {
			err = fmt.Errorf("OFFSET_STEP must be > 0, got %g", c.OffsetStep)
		}
	case "FOLLOW_YAW":
		c.FollowYaw, err = parseFloat(key, value)
	case "FOLLOW_TRACK_YAW":
		c.FollowTrackYaw, err = parseBool(key, value)

	// Safety monitor
	case "TRACKING_LOSS_THRESHOLD":
		n, perr := strconv.ParseUint(value, 10, 32)
		if perr != nil {
			return fmt.Errorf("invalid TRACKING_LOSS_THRESHOLD %q: %w", value, perr)
		}
		c.TrackingLossThreshold = uint32(n)
	case "FEED_FRAME_PERIOD_MS":
		c.FeedFramePeriodMS, err = parsePositiveInt(key, value)

	// Timing
	case "CONTROL_PERIOD_MS":
		c.ControlPeriodMS, err = parsePositiveInt(key, value)
	case "VEHICLE_WATCHDOG_MS":
		c.VehicleWatchdogMS, err = parsePositiveInt(key, value)
	case "LANDING_STEPS":
		c.LandingSteps, err = parsePositiveInt(key, value)
	case "LANDING_START_HEIGHT":
		c.LandingStartHeight, err = parseFloat(key, value)
		if err == nil && c.LandingStartHeight <= 0 {
			err = fmt.Errorf("LANDING_START_HEIGHT must be > 0, got %g", c.LandingStartHeight)
		}
	case "LANDING_STEP_INTERVAL_MS":
		c.LandingStepIntervalMS, err = parsePositiveInt(key, value)
	case "BODIES_TIMEOUT_MS":
		c.BodiesTimeoutMS, err = parsePositiveInt(key, value)
	case "ESTIMATOR_TIMEOUT_MS":
		c.EstimatorTimeoutMS, err = parsePositiveInt(key, value)
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateIntervalMS, err = parsePositiveInt(key, value)

	// Vehicle parameters
	case "MAX_VELOCITY":
		c.MaxVelocity, err = parseFloat(key, value)
		if err == nil && c.MaxVelocity <= 0 {
			err = fmt.Errorf("MAX_VELOCITY must be > 0, got %g", c.MaxVelocity)
		}
	case "EXT_QUAT_STD_DEV":
		c.ExtQuatStdDev, err = parseFloat(key, value)
	case "ESTIMATOR_WINDOW":
		c.EstimatorWindow, err = parsePositiveInt(key, value)
	case "ESTIMATOR_THRESHOLD":
		c.EstimatorThreshold, err = parseFloat(key, value)

	// Flight log
	case "FLIGHT_LOG_PATH":
		c.FlightLogPath = value

	// Web Server
	case "WEB_SERVER_PORT":
		port, perr := strconv.Atoi(value)
		if perr != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, perr)
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("WEB_SERVER_PORT must be 1-65535, got %d", port)
		}
		c.WebServerPort = port

	// Display
	case "DISPLAY_ENABLED":
		c.DisplayEnabled, err = parseBool(key, value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parsePositiveInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be > 0, got %d", key, v)
	}
	return v, nil
}

func parseBool(key, value string) (bool, error) {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// validate checks that all required fields are set and that the values agree
// with each other.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("%w: MQTT_BROKER", ErrMissing)
	}
	if c.VehicleBody == "" {
		return fmt.Errorf("%w: VEHICLE_BODY", ErrMissing)
	}
	if len(c.TargetBodies) == 0 {
		return fmt.Errorf("%w: TARGET_BODIES", ErrMissing)
	}
	if c.InitialMode == "" {
		return fmt.Errorf("%w: INITIAL_MODE (home or follow)", ErrMissing)
	}
	seen := map[string]bool{c.VehicleBody: true}
	for _, name := range c.TargetBodies {
		if name == c.VehicleBody {
			return fmt.Errorf("TARGET_BODIES must not include VEHICLE_BODY %q", name)
		}
		if seen[name] {
			return fmt.Errorf("TARGET_BODIES lists %q more than once", name)
		}
		seen[name] = true
	}
	if c.InitialTarget >= len(c.TargetBodies) {
		return fmt.Errorf("INITIAL_TARGET %d out of range for %d target bodies", c.InitialTarget, len(c.TargetBodies))
	}
	for _, axis := range []struct {
		name     string
		min, max float64
	}{
		{"X", c.EnvelopeXMin, c.EnvelopeXMax},
		{"Y", c.EnvelopeYMin, c.EnvelopeYMax},
		{"Z", c.EnvelopeZMin, c.EnvelopeZMax},
	} {
		if axis.min >= axis.max {
			return fmt.Errorf("ENVELOPE_%s_MIN (%g) must be below ENVELOPE_%s_MAX (%g)", axis.name, axis.min, axis.name, axis.max)
		}
	}
	if 2*c.ControlPeriodMS >= c.VehicleWatchdogMS {
		return fmt.Errorf("CONTROL_PERIOD_MS (%d) must be below half of VEHICLE_WATCHDOG_MS (%d)", c.ControlPeriodMS, c.VehicleWatchdogMS)
	}
	if c.LandingStepIntervalMS >= c.VehicleWatchdogMS {
		return fmt.Errorf("LANDING_STEP_INTERVAL_MS (%d) must be below VEHICLE_WATCHDOG_MS (%d)", c.LandingStepIntervalMS, c.VehicleWatchdogMS)
	}
	return nil
}

// RequireVehicleLink checks the keys only the pilot needs.
func (c *Config) RequireVehicleLink() error {
	if c.VehicleSerialPort == "" {
		return fmt.Errorf("%w: VEHICLE_SERIAL_PORT", ErrMissing)
	}
	return nil
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
