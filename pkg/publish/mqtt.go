package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/types"
)

// MQTT publishes sensor states as retained JSON messages for consumers
// outside the platform, like dashboards or automations on another host.
type MQTT struct {
	broker      string
	clientID    string
	username    string
	password    string
	topicPrefix string

	client mqtt.Client
}

// configuredMQTT sets up flags for the MQTT publisher and returns the
// instance.
func configuredMQTT() *MQTT {
	m := new(MQTT)
	broker := lflag.String("mqtt-broker", "", "host:port of the MQTT broker")
	clientID := lflag.String("mqtt-client-id", "soccast", "Client ID presented to the broker")
	username := lflag.String("mqtt-username", "", "Broker username (optional)")
	password := lflag.String("mqtt-password", "", "Broker password (optional)")
	prefix := lflag.String("mqtt-topic-prefix", "soccast", "Topic prefix for published sensors")

	lflag.Do(func() {
		m.broker = *broker
		m.clientID = *clientID
		m.username = *username
		m.password = *password
		m.topicPrefix = *prefix
	})

	return m
}

// Validate ensures the configuration is valid.
func (m *MQTT) Validate() error {
	if m.broker == "" {
		return fmt.Errorf("mqtt-broker is required")
	}
	if m.topicPrefix == "" {
		return fmt.Errorf("mqtt-topic-prefix is required")
	}
	return nil
}

// Init connects to the broker. Connection failures surface here rather than
// on the first publish.
func (m *MQTT) Init(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.broker))
	opts.SetClientID(m.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}
	m.client = client
	log.Ctx(ctx).DebugContext(ctx, "connected to mqtt broker", slog.String("broker", m.broker))
	return nil
}

// Publish implements Publisher. Each state goes to <prefix>/<name>, where
// name is the entity ID with its platform domain stripped. Messages are
// retained so late subscribers see the latest value.
func (m *MQTT) Publish(ctx context.Context, states []types.SensorState) error {
	for _, state := range states {
		payload, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", state.EntityID, err)
		}
		topic := m.topicPrefix + "/" + topicName(state.EntityID)
		if token := m.client.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
			return fmt.Errorf("failed to publish %s: %w", state.EntityID, token.Error())
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "published sensor states",
		slog.Int("count", len(states)),
		slog.String("prefix", m.topicPrefix),
	)
	return nil
}

// Close implements Publisher.
func (m *MQTT) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}

// topicName strips the platform domain from an entity ID, so
// "sensor.average_load" publishes under "average_load".
func topicName(entityID string) string {
	if i := strings.LastIndex(entityID, "."); i >= 0 {
		return entityID[i+1:]
	}
	return entityID
}
