// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/mocap_pilot/internal/logging"
)

// Sink receives status updates from the control loop. Publish must never
// block.
type Sink interface {
	Publish(Status)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Status) {}

// Tee publishes to every sink in order.
type Tee []Sink

func (t Tee) Publish(s Status) {
	for _, sink := range t {
		sink.Publish(s)
	}
}

// Publisher sends statuses to an MQTT topic from its own goroutine. When the
// broker is slow, statuses are dropped rather than queued.
type Publisher struct {
	client mqtt.Client
	topic  string
	log    logging.Logger

	queue   chan Status
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

// NewPublisher starts a publisher on an already connected client.
func NewPublisher(client mqtt.Client, topic string) *Publisher {
	p := &Publisher{
		client: client,
		topic:  topic,
		log:    logging.Named("telemetry"),
		queue:  make(chan Status, 8),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Publish enqueues s, dropping it if the queue is full or the publisher is
// closed.
func (p *Publisher) Publish(s Status) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- s:
	default:
		p.dropped.Add(1)
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case s := <-p.queue:
			p.send(s)
		case <-p.done:
			// the final landed status is usually still queued
			for {
				select {
				case s := <-p.queue:
					p.send(s)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(s Status) {
	payload, err := json.Marshal(s)
	if err != nil {
		p.log.Errorf("status marshal error: %v", err)
		return
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	token.Wait()
	if token.Error() != nil {
		p.log.Warnf("status publish error: %v", token.Error())
	}
}

// Close flushes queued statuses and stops the publisher. The MQTT client is
// left connected.
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
		if n := p.dropped.Load(); n > 0 {
			p.log.Infof("%d status messages dropped", n)
		}
	})
}

// Subscribe delivers every decodable status on topic to fn.
func Subscribe(client mqtt.Client, topic string, fn func(Status)) error {
	log := logging.Named("telemetry")
	token := client.Subscribe(topic, 0, statusHandler(fn, log))
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	log.Infof("subscribed to %s", topic)
	return nil
}

func statusHandler(fn func(Status), log logging.Logger) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var s Status
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			log.Warnf("status unmarshal error: %v", err)
			return
		}
		fn(s)
	}
}
