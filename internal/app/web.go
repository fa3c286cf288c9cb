// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"fmt"
	"net/http"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/mocap_pilot/internal/config"
	"github.com/relabs-tech/mocap_pilot/internal/logging"
	"github.com/relabs-tech/mocap_pilot/internal/telemetry"
)

// RunWeb serves the pilot status: the latest status as JSON on /api/status,
// a live stream on /ws and the dashboard from ./web.
func RunWeb() error {
	cfg := config.Get()
	log := logging.Named("web")

	// 1) Connect to MQTT broker
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDWeb)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Infof("connected to MQTT broker at %s", cfg.MQTTBroker)

	// 2) Every status message goes through the hub
	hub := telemetry.NewHub()
	if err := telemetry.Subscribe(client, cfg.TopicStatus, hub.Publish); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Infof("web server listening on %s", addr)
	return http.ListenAndServe(addr, newWebMux(hub, "web"))
}

func newWebMux(hub *telemetry.Hub, staticDir string) *http.ServeMux {
	log := logging.Named("web")
	mux := http.NewServeMux()

	// JSON API endpoint: latest status
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		st, ok := hub.Latest()
		if !ok {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			log.Warnf("json encode error: %v", err)
		}
	})

	mux.HandleFunc("/ws", hub.ServeWS)

	// Static files as the root
	mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	return mux
}
