package sink

import (
	"context"
	"fmt"
	"live-hub/domain/event"
	"live-hub/internal/jsoncodec"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const DefaultMqttTopicPrefix = "livehub"

// Publisher is the part of mqtt.Client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MqttSink republishes topic events on a broker, one MQTT topic per entity:
// {prefix}/{entityType}/{entityId}.
type MqttSink struct {
	client Publisher
	prefix string
	log    *slog.Logger
}

func NewMqttSink(client Publisher, prefix string, log *slog.Logger) MqttSink {
	if prefix == "" {
		prefix = DefaultMqttTopicPrefix
	}
	return MqttSink{client: client, prefix: strings.TrimSuffix(prefix, "/"), log: log}
}

// NewMqttClient connects to the broker and keeps reconnecting on its own.
func NewMqttClient(brokerURL string, log *slog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(brokerURL)
	opts.SetClientID("live-hub-" + uuid.New().String())
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost", "broker", brokerURL, "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("Connected to MQTT broker", "broker", brokerURL)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connecting to mqtt broker %s: timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to mqtt broker %s: %w", brokerURL, err)
	}
	return client, nil
}

// Topic maps a hub topic to its MQTT topic.
func (s MqttSink) Topic(e event.TopicEvent) (string, error) {
	entityType, entityID, ok := e.Topic.Split()
	if !ok {
		return "", fmt.Errorf("malformed topic %q", e.Topic)
	}
	return fmt.Sprintf("%s/%s/%s", s.prefix, entityType, entityID), nil
}

func (s MqttSink) Consume(ctx context.Context, e event.TopicEvent) error {
	topic, err := s.Topic(e)
	if err != nil {
		return err
	}
	payload, err := jsoncodec.Marshal(e)
	if err != nil {
		return err
	}
	token := s.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		if err = token.Error(); err != nil {
			return fmt.Errorf("publishing on %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		s.log.Debug("MQTT publish still pending", "topic", topic)
		return ctx.Err()
	}
}
