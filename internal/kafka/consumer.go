package kafka

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const retryDelay = 5 * time.Second

// Consumer оборачивает Sarama ConsumerGroup
type Consumer struct {
	group    sarama.ConsumerGroup
	topic    string
	messages chan Message
	closed   chan struct{}
	logger   *zap.Logger
}

// Message carries the payload plus what is needed to acknowledge it later.
type Message struct {
	Value   []byte
	session sarama.ConsumerGroupSession
	message *sarama.ConsumerMessage
}

// Ack marks the message consumed. Call it only after the message was processed.
func (m Message) Ack() {
	if m.session != nil && m.message != nil {
		m.session.MarkMessage(m.message, "")
	}
}

// NewConsumer создаёт и возвращает новый Consumer
func NewConsumer(brokers []string, groupID, topic string, logger *zap.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		group:    group,
		topic:    topic,
		messages: make(chan Message),
		closed:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// StartListening запускает асинхронное потребление сообщений
func (c *Consumer) StartListening(ctx context.Context) {
	handler := &consumerGroupHandler{
		messages: c.messages,
		closed:   c.closed,
	}

	go func() {
		defer close(c.messages)

		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer: context cancelled, stopping")
				return
			case <-c.closed:
				return
			default:
			}

			c.logger.Info("consumer: starting consumption cycle", zap.String("topic", c.topic))
			if err := c.group.Consume(ctx, []string{c.topic}, handler); err != nil {
				c.logger.Error("consume error", zap.Error(err), zap.Duration("retry_in", retryDelay))
				select {
				case <-ctx.Done():
					return
				case <-c.closed:
					return
				case <-time.After(retryDelay):
				}
				continue
			}

			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// Close останавливает потребитель и освобождает ресурсы
func (c *Consumer) Close() error {
	close(c.closed)
	return c.group.Close()
}

// Messages возвращает канал для чтения сообщений
func (c *Consumer) Messages() <-chan Message {
	return c.messages
}

// consumerGroupHandler реализует интерфейс sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	messages chan<- Message
	closed   <-chan struct{}
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.messages <- Message{Value: msg.Value, session: sess, message: msg}:
				// подтверждение будет после обработки
			case <-sess.Context().Done():
				return nil
			case <-h.closed:
				return nil
			}
		case <-sess.Context().Done():
			return nil
		case <-h.closed:
			return nil
		}
	}
}
