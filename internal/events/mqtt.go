package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"locker-coordinator/config"
	"locker-coordinator/internal/log"
	"locker-coordinator/internal/model"
)

const publishTimeout = 5 * time.Second

// mqttPublisher is the subset of mqtt.Client used for events.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes audit events as JSON to <prefix>/<kiosk>/events/<kind>.
type MQTTPublisher struct {
	client mqttPublisher
	prefix string
	qos    byte
	logger log.Logger
	close  func()
}

// NewMQTTPublisher connects to the configured broker.
func NewMQTTPublisher(cfg config.MQTTConfig, logger log.Logger) (*MQTTPublisher, error) {
	logger = logger.WithName("mqtt")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(fmt.Sprintf("%s-%d", cfg.ClientID, time.Now().UnixNano())).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error(err, "mqtt connection lost", "broker", cfg.Broker)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to mqtt broker", "broker", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		logger.Warn("mqtt broker not reachable yet, retrying in background", "broker", cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", cfg.Broker, err)
	}

	p := newMQTTPublisher(client, cfg.TopicPrefix, byte(cfg.QoS), logger)
	p.close = func() { client.Disconnect(250) }
	return p, nil
}

func newMQTTPublisher(client mqttPublisher, prefix string, qos byte, logger log.Logger) *MQTTPublisher {
	if qos > 2 {
		qos = 1
	}
	return &MQTTPublisher{client: client, prefix: prefix, qos: qos, logger: logger}
}

// Topic returns the topic an event is published on.
func (p *MQTTPublisher) Topic(ev model.AuditEvent) string {
	kiosk := ev.KioskID
	if kiosk == "" {
		kiosk = "_"
	}
	return fmt.Sprintf("%s/%s/events/%s", p.prefix, kiosk, ev.Kind)
}

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(ctx context.Context, ev model.AuditEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	token := p.client.Publish(p.Topic(ev), p.qos, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("publish to %s timed out", p.Topic(ev))
	}
	return token.Error()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}
