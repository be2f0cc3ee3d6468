package kafka

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewProducer создаёт продюсер с настройками
func NewProducer(brokers []string, topic string, logger *zap.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return NewProducerFromSync(producer, topic, logger), nil
}

func NewProducerFromSync(producer sarama.SyncProducer, topic string, logger *zap.Logger) *Producer {
	return &Producer{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

// SendCommand publishes a session command keyed by session id so that all
// commands for one session land on the same partition in order.
func (p *Producer) SendCommand(cmd models.SessionCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(cmd.SessionID),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}

	p.logger.Debug("session command sent",
		zap.String("topic", p.topic),
		zap.String("session_id", cmd.SessionID),
		zap.String("action", string(cmd.Action)),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}
