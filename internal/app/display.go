// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"image"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/mocap_pilot/internal/config"
	"github.com/relabs-tech/mocap_pilot/internal/logging"
	"github.com/relabs-tech/mocap_pilot/internal/telemetry"
)

const (
	displayWidth  = 128
	displayHeight = 64
	lineHeight    = 13
)

// displayData holds the latest status for the display.
type displayData struct {
	mu   sync.RWMutex
	last telemetry.Status
	have bool
}

func (d *displayData) set(st telemetry.Status) {
	d.mu.Lock()
	d.last = st
	d.have = true
	d.mu.Unlock()
}

func (d *displayData) get() (telemetry.Status, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last, d.have
}

// RunDisplay shows the pilot status on an SSD1306 OLED on the default I2C
// bus. It does nothing unless DISPLAY_ENABLED is set.
func RunDisplay() error {
	cfg := config.Get()
	log := logging.Named("display")
	if !cfg.DisplayEnabled {
		log.Info("display disabled in config")
		return nil
	}

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	bus, err := i2creg.Open("")
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	defer dev.Halt()
	log.Info("display initialized")

	if err := dev.Draw(dev.Bounds(), renderLines(splashLines()), image.Point{}); err != nil {
		log.Warnf("error showing splash: %v", err)
	}

	data := &displayData{}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDDisplay)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Infof("connected to MQTT broker at %s", cfg.MQTTBroker)

	if err := telemetry.Subscribe(client, cfg.TopicStatus, data.set); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Duration(cfg.DisplayUpdateIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	log.Info("starting update loop")
	for range ticker.C {
		st, ok := data.get()
		if err := dev.Draw(dev.Bounds(), renderLines(statusLines(st, ok)), image.Point{}); err != nil {
			log.Warnf("error updating display: %v", err)
		}
	}
	return nil
}

func splashLines() []string {
	return []string{"", "  mocap pilot", "", "  waiting..."}
}

// statusLines lays out a status on four 7x13 text lines, 18 characters wide.
func statusLines(st telemetry.Status, have bool) []string {
	if !have {
		return []string{"Pilot status", "Waiting..."}
	}
	lines := []string{
		fmt.Sprintf("%s %s", st.Phase, st.Mode),
		st.Verdict,
	}
	if st.Target != "" {
		lines[0] += " " + st.Target
	}
	v := st.Vehicle
	if v.Seen {
		lines = append(lines, fmt.Sprintf("%5.2f %5.2f %5.2f", v.Position[0], v.Position[1], v.Position[2]))
	} else {
		lines = append(lines, v.Name+" not seen")
	}
	if sp := st.Setpoint; sp != nil {
		lines = append(lines, fmt.Sprintf("%5.2f %5.2f %5.2f", sp.X, sp.Y, sp.Z))
	}
	return lines
}

func renderLines(lines []string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, displayWidth, displayHeight))

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	for i, line := range lines {
		if (i+1)*lineHeight > displayHeight {
			break
		}
		drawer.Dot = fixed.P(0, (i+1)*lineHeight)
		drawer.DrawString(line)
	}
	return img
}
