package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

type commandPublisher interface {
	SendCommand(cmd models.SessionCommand) error
}

// KafkaSpawner hands sessions to the runner fleet through the command topic.
type KafkaSpawner struct {
	producer commandPublisher
	logger   *zap.Logger
}

func NewKafkaSpawner(producer commandPublisher, logger *zap.Logger) *KafkaSpawner {
	return &KafkaSpawner{producer: producer, logger: logger}
}

func (k *KafkaSpawner) Spawn(_ context.Context, wc models.WorkerContext) error {
	worker := wc
	if err := k.producer.SendCommand(models.SessionCommand{
		SessionID: wc.SessionID,
		Action:    models.CommandStart,
		Worker:    &worker,
		SentAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("publish start command: %w", err)
	}
	return nil
}

func (k *KafkaSpawner) Stop(_ context.Context, sessionID string) error {
	if err := k.producer.SendCommand(models.SessionCommand{
		SessionID: sessionID,
		Action:    models.CommandStop,
		SentAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("publish stop command: %w", err)
	}
	return nil
}
