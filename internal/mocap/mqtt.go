// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package mocap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/mocap_pilot/internal/logging"
)

// MQTTConfig names the broker and topics of the tracking feed.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	BodiesTopic string
	FramesTopic string
	EventsTopic string
}

// MQTTFeed receives the tracking feed from an MQTT broker. The client
// reconnects on its own and restores the frame and event subscriptions.
type MQTTFeed struct {
	client mqtt.Client
	cfg    MQTTConfig
	log    logging.Logger

	mu   sync.Mutex
	subs map[string]mqtt.MessageHandler

	malformed atomic.Uint64
}

// NewMQTTFeed connects to the broker.
func NewMQTTFeed(cfg MQTTConfig) (*MQTTFeed, error) {
	f := &MQTTFeed{
		cfg:  cfg,
		log:  logging.Named("mocap"),
		subs: make(map[string]mqtt.MessageHandler),
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOnConnectHandler(f.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			f.log.Warnf("tracking feed connection lost: %v", err)
		})

	f.client = mqtt.NewClient(opts)
	if token := f.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect tracking feed broker %s: %w", cfg.Broker, token.Error())
	}
	f.log.Infof("connected to MQTT broker at %s", cfg.Broker)
	return f, nil
}

// onConnect restores the subscriptions made so far. A clean-session
// reconnect starts with none.
func (f *MQTTFeed) onConnect(c mqtt.Client) {
	f.mu.Lock()
	subs := make(map[string]mqtt.MessageHandler, len(f.subs))
	for topic, h := range f.subs {
		subs[topic] = h
	}
	f.mu.Unlock()

	for topic, h := range subs {
		token := c.Subscribe(topic, 0, h)
		go func(topic string) {
			token.Wait()
			if token.Error() != nil {
				f.log.Errorf("resubscribe %s: %v", topic, token.Error())
				return
			}
			f.log.Infof("resubscribed to %s", topic)
		}(topic)
	}
}

// Bodies waits for the retained body list.
func (f *MQTTFeed) Bodies(ctx context.Context) ([]string, error) {
	got := make(chan []byte, 1)
	token := f.client.Subscribe(f.cfg.BodiesTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case got <- msg.Payload():
		default:
		}
	})
	token.Wait()
	if token.Error() != nil {
		return nil, fmt.Errorf("subscribe %s: %w", f.cfg.BodiesTopic, token.Error())
	}
	defer f.client.Unsubscribe(f.cfg.BodiesTopic)

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for body list on %s: %w", f.cfg.BodiesTopic, ctx.Err())
	case payload := <-got:
		names, err := DecodeBodies(payload)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, ErrNoBodies
		}
		return names, nil
	}
}

// Stream delivers every decodable frame to fn. Malformed messages are dropped.
func (f *MQTTFeed) Stream(fn func(Frame)) error {
	return f.subscribe(f.cfg.FramesTopic, frameHandler(fn, f.log, &f.malformed))
}

// Events delivers every known capture event to fn.
func (f *MQTTFeed) Events(fn func(Event)) error {
	return f.subscribe(f.cfg.EventsTopic, eventHandler(fn, f.log))
}

func (f *MQTTFeed) subscribe(topic string, h mqtt.MessageHandler) error {
	f.mu.Lock()
	f.subs[topic] = h
	f.mu.Unlock()

	token := f.client.Subscribe(topic, 0, h)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	f.log.Infof("subscribed to %s", topic)
	return nil
}

// Close disconnects from the broker.
func (f *MQTTFeed) Close() error {
	if n := f.malformed.Load(); n > 0 {
		f.log.Infof("%d malformed frames dropped", n)
	}
	f.client.Disconnect(250)
	return nil
}

func frameHandler(fn func(Frame), log logging.Logger, malformed *atomic.Uint64) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		frame, err := DecodeFrame(msg.Payload())
		if err != nil {
			if malformed.Add(1) == 1 {
				log.Warnf("dropping malformed frame: %v", err)
			}
			return
		}
		fn(frame)
	}
}

func eventHandler(fn func(Event), log logging.Logger) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		ev, ok := ParseEvent(string(msg.Payload()))
		if !ok {
			log.Debugf("ignoring unknown capture event %q", strings.TrimSpace(string(msg.Payload())))
			return
		}
		fn(ev)
	}
}

// Publisher sends tracking data to the broker. It is the producer side used
// by the mock feed.
type Publisher struct {
	client mqtt.Client
	cfg    MQTTConfig
}

// NewPublisher connects a producer client.
func NewPublisher(cfg MQTTConfig) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect tracking feed broker %s: %w", cfg.Broker, token.Error())
	}
	return &Publisher{client: client, cfg: cfg}, nil
}

// PublishBodies publishes the retained body list.
func (p *Publisher) PublishBodies(names []string) error {
	payload, err := EncodeBodies(names)
	if err != nil {
		return err
	}
	return p.publish(p.cfg.BodiesTopic, true, payload)
}

// PublishFrame publishes one frame.
func (p *Publisher) PublishFrame(f Frame) error {
	payload, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return p.publish(p.cfg.FramesTopic, false, payload)
}

// PublishEvent publishes one capture event.
func (p *Publisher) PublishEvent(k EventKind) error {
	return p.publish(p.cfg.EventsTopic, false, []byte(k.String()))
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 0, retained, payload)
	token.Wait()
	return token.Error()
}

// Close disconnects the producer.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
