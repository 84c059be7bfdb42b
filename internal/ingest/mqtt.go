package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	mqttQoS         = 1
	mqttWaitTimeout = 10 * time.Second
)

type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// NewMQTTClient connects to the broker with automatic reconnects.
func NewMQTTClient(o MQTTOptions) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttWaitTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return client, nil
}

// TelemetryTopic is the topic gateways publish telemetry batches on.
func TelemetryTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/telemetry"
}

// Subscriber feeds telemetry batches received over MQTT into the Service.
type Subscriber struct {
	client mqtt.Client
	topic  string
	svc    *Service
	logger *zap.Logger
}

func NewSubscriber(client mqtt.Client, topicPrefix string, svc *Service, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		client: client,
		topic:  TelemetryTopic(topicPrefix),
		svc:    svc,
		logger: logger.With(zap.String("component", "mqtt_ingest")),
	}
}

func (s *Subscriber) Start() error {
	token := s.client.Subscribe(s.topic, mqttQoS, s.handle)
	if !token.WaitTimeout(mqttWaitTimeout) {
		return fmt.Errorf("timed out subscribing to %s", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", s.topic, err)
	}
	s.logger.Info("MQTT telemetry subscriber started", zap.String("topic", s.topic))
	return nil
}

func (s *Subscriber) Stop() {
	token := s.client.Unsubscribe(s.topic)
	if token.WaitTimeout(mqttWaitTimeout) && token.Error() != nil {
		s.logger.Error("failed to unsubscribe", zap.String("topic", s.topic), zap.Error(token.Error()))
	}
	s.client.Disconnect(250)
	s.logger.Info("MQTT telemetry subscriber stopped")
}

func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := s.HandlePayload(ctx, msg.Payload())
	if err != nil {
		s.logger.Error("failed to ingest MQTT telemetry",
			zap.String("topic", msg.Topic()),
			zap.Int("payload_size", len(msg.Payload())),
			zap.Error(err))
		return
	}
	s.logger.Debug("ingested MQTT telemetry",
		zap.String("topic", msg.Topic()),
		zap.Int("accepted", res.Accepted),
		zap.Int("rejected", len(res.Rejected)))
}

// HandlePayload ingests a batch object, a bare array of readings or a
// single reading.
func (s *Subscriber) HandlePayload(ctx context.Context, payload []byte) (Result, error) {
	readings, err := DecodeReadings(payload)
	if err != nil {
		return Result{}, err
	}
	return s.svc.IngestReadings(ctx, "mqtt", readings)
}

// DecodeReadings accepts the three telemetry payload shapes gateways send.
func DecodeReadings(payload []byte) ([]ReadingInput, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidReading)
	}
	if trimmed[0] == '[' {
		var readings []ReadingInput
		if err := json.Unmarshal(trimmed, &readings); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidReading, err)
		}
		return readings, nil
	}
	var envelope struct {
		Readings json.RawMessage `json:"readings"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}
	if envelope.Readings != nil {
		var b Batch
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidReading, err)
		}
		return b.Readings, nil
	}
	var single ReadingInput
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}
	return []ReadingInput{single}, nil
}
