// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/mocap_pilot/internal/logging"
)

const writeWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // status page is served on the flight LAN only
	},
}

// Hub keeps the latest status and streams every update to connected
// websocket clients. A client that cannot keep up loses updates, not the
// connection.
type Hub struct {
	log logging.Logger

	mu      sync.RWMutex
	last    Status
	have    bool
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Status
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		log:     logging.Named("web"),
		clients: make(map[*client]struct{}),
	}
}

// Publish stores s as the latest status and fans it out.
func (h *Hub) Publish(s Status) {
	h.mu.Lock()
	h.last = s
	h.have = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- s:
		default:
		}
	}
}

// Latest returns the last published status.
func (h *Hub) Latest() (Status, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last, h.have
}

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams statuses until the client goes
// away. The latest status, if any, is sent first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade error: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan Status, 16)}

	h.mu.Lock()
	if h.have {
		c.send <- h.last
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	closed := make(chan struct{})
	go func() {
		// drain control frames; any read error means the client is gone
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-closed:
			return
		case s := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(s); err != nil {
				h.log.Debugf("websocket write error: %v", err)
				return
			}
		}
	}
}
