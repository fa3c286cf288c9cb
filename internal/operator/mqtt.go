// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package operator

import (
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/mocap_pilot/internal/logging"
)

// Subscribe delivers every valid command published on topic to fn.
// Unparseable commands are logged and dropped.
func Subscribe(client mqtt.Client, topic string, fn func(Event)) error {
	return NewListener(topic).Subscribe(client, fn)
}

// Listener keeps the operator subscription alive across broker reconnects.
// Register OnConnect as the client's connect handler.
type Listener struct {
	topic string
	log   logging.Logger

	mu      sync.Mutex
	handler mqtt.MessageHandler
}

// NewListener creates a listener for topic.
func NewListener(topic string) *Listener {
	return &Listener{topic: topic, log: logging.Named("operator")}
}

// Subscribe delivers every valid command to fn.
func (l *Listener) Subscribe(client mqtt.Client, fn func(Event)) error {
	h := commandHandler(fn, l.log)
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()

	token := client.Subscribe(l.topic, 1, h)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", l.topic, token.Error())
	}
	l.log.Infof("listening for operator commands on %s", l.topic)
	return nil
}

// OnConnect restores the subscription after a reconnect. Before Subscribe it
// does nothing.
func (l *Listener) OnConnect(client mqtt.Client) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h == nil {
		return
	}
	token := client.Subscribe(l.topic, 1, h)
	go func() {
		token.Wait()
		if token.Error() != nil {
			l.log.Errorf("resubscribe %s: %v", l.topic, token.Error())
			return
		}
		l.log.Infof("resubscribed to %s", l.topic)
	}()
}

func commandHandler(fn func(Event), log logging.Logger) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		ev, err := ParseCommand(string(msg.Payload()))
		if err != nil {
			log.Warnf("bad operator command: %v", err)
			return
		}
		fn(ev)
	}
}

// Publish sends one command.
func Publish(client mqtt.Client, topic string, ev Event) error {
	token := client.Publish(topic, 1, false, ev.String())
	token.Wait()
	return token.Error()
}
