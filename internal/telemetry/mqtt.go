package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Retained bool
	// Timeout bounds each publish acknowledgement.
	Timeout time.Duration
}

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes each frame as JSON to one topic.
type MQTTSink struct {
	client   mqttClient
	topic    string
	qos      byte
	retained bool
	timeout  time.Duration
}

func DialMQTT(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("telemetry: mqtt broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "insd"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	return newMQTTSink(client, cfg), nil
}

func newMQTTSink(c mqttClient, cfg MQTTConfig) *MQTTSink {
	if cfg.Topic == "" {
		cfg.Topic = "ins/state"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &MQTTSink{client: c, topic: cfg.Topic, qos: cfg.QoS, retained: cfg.Retained, timeout: cfg.Timeout}
}

func (s *MQTTSink) Name() string { return "mqtt:" + s.topic }

func (s *MQTTSink) Send(r Readings) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	token := s.client.Publish(s.topic, s.qos, s.retained, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("publish %s: timed out after %v", s.topic, s.timeout)
	}
	return token.Error()
}

func (s *MQTTSink) Close() error {
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
	return nil
}
