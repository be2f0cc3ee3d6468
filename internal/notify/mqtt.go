package notify

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

const publishTimeout = 5 * time.Second

// Notifier delivers anomaly alerts. Delivery is best effort.
type Notifier interface {
	NotifyAnomaly(ctx context.Context, alert models.Alert) error
	Close()
}

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTNotifier publishes alerts to <prefix>/<user>/<session>/anomaly.
type MQTTNotifier struct {
	client publisher
	prefix string
	qos    byte
	logger *zap.Logger
}

func NewMQTTNotifier(cfg Config, logger *zap.Logger) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return newMQTTNotifier(client, cfg.TopicPrefix, cfg.QoS, logger), nil
}

func newMQTTNotifier(client publisher, prefix string, qos byte, logger *zap.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		client: client,
		prefix: prefix,
		qos:    qos,
		logger: logger,
	}
}

func (n *MQTTNotifier) Topic(alert models.Alert) string {
	return fmt.Sprintf("%s/%s/%s/anomaly", n.prefix, alert.UserID, alert.SessionID)
}

func (n *MQTTNotifier) NotifyAnomaly(ctx context.Context, alert models.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	topic := n.Topic(alert)
	token := n.client.Publish(topic, n.qos, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("publish to %s timed out", topic)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	n.logger.Debug("alert published", zap.String("topic", topic), zap.String("log_id", alert.LogID))
	return nil
}

func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}

// Nop drops every alert.
type Nop struct{}

func (Nop) NotifyAnomaly(context.Context, models.Alert) error { return nil }
func (Nop) Close()                                              {}
