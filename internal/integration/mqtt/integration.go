// Package mqtt publishes received telemetry as JSON events to an MQTT
// broker, so dashboards and automation can subscribe without touching
// the radio path.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"text/template"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlink/fieldlink/internal/protocol"
)

// Config holds the MQTT integration configuration.
type Config struct {
	Server               string
	Username             string
	Password             string
	QOS                  uint8
	CleanSession         bool
	ClientID             string
	EventTopicTemplate   string
	MaxReconnectInterval time.Duration
}

// event is the JSON document published per telemetry batch.
type event struct {
	GatewayID  string             `json:"gateway_id"`
	NodeID     string             `json:"node_id"`
	ReceivedAt time.Time          `json:"received_at"`
	ReportedAt float64            `json:"reported_at"`
	RSSI       int                `json:"rssi"`
	Readings   []protocol.Reading `json:"readings"`
}

// Integration implements an MQTT telemetry publisher.
type Integration struct {
	config    Config
	gatewayID string

	conn          paho.Client
	eventTemplate *template.Template
}

// New creates the integration and connects to the broker, retrying
// until it succeeds.
func New(gatewayID string, c Config) (*Integration, error) {
	var err error
	i := Integration{
		config:    c,
		gatewayID: gatewayID,
	}

	i.eventTemplate, err = template.New("event").Parse(c.EventTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "integration/mqtt: parse event-topic template error")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.Server)
	opts.SetUsername(c.Username)
	opts.SetPassword(c.Password)
	opts.SetCleanSession(c.CleanSession)
	opts.SetClientID(c.ClientID)
	opts.SetAutoReconnect(true)
	if c.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(c.MaxReconnectInterval)
	}
	opts.SetOnConnectHandler(i.onConnected)
	opts.SetConnectionLostHandler(i.onConnectionLost)

	log.WithField("server", c.Server).Info("integration/mqtt: connecting to mqtt broker")
	i.conn = paho.NewClient(opts)
	for {
		if token := i.conn.Connect(); token.Wait() && token.Error() != nil {
			log.Errorf("integration/mqtt: connecting to mqtt broker failed, will retry in 2s: %s", token.Error())
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	return &i, nil
}

// Close disconnects from the broker.
func (i *Integration) Close() error {
	log.Info("integration/mqtt: closing connection to mqtt broker")
	i.conn.Disconnect(250)
	return nil
}

// Ingest implements telemetry.Sink by publishing the batch as an event.
func (i *Integration) Ingest(ctx context.Context, t protocol.Telemetry) error {
	topic := bytes.NewBuffer(nil)
	if err := i.eventTemplate.Execute(topic, struct {
		GatewayID string
		NodeID    string
	}{i.gatewayID, t.NodeID}); err != nil {
		return errors.Wrap(err, "integration/mqtt: execute event-topic template error")
	}

	b, err := json.Marshal(event{
		GatewayID:  i.gatewayID,
		NodeID:     t.NodeID,
		ReceivedAt: time.Now(),
		ReportedAt: t.Timestamp,
		RSSI:       t.RSSI,
		Readings:   t.Readings,
	})
	if err != nil {
		return errors.Wrap(err, "integration/mqtt: marshal event error")
	}

	log.WithFields(log.Fields{
		"topic":   topic.String(),
		"node_id": t.NodeID,
	}).Debug("integration/mqtt: publishing telemetry event")

	if token := i.conn.Publish(topic.String(), i.config.QOS, false, b); token.Wait() && token.Error() != nil {
		mqttPublishErrorCounter().Inc()
		return errors.Wrap(token.Error(), "integration/mqtt: publish telemetry event error")
	}
	mqttPublishCounter().Inc()
	return nil
}

func (i *Integration) onConnected(c paho.Client) {
	mqttConnectCounter().Inc()
	log.Info("integration/mqtt: connected to mqtt broker")
}

func (i *Integration) onConnectionLost(c paho.Client, err error) {
	mqttDisconnectCounter().Inc()
	log.WithError(err).Error("integration/mqtt: mqtt connection error")
}
