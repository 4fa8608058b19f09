package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/legacyvault/vault-processor/config/kafka"
	"github.com/legacyvault/vault-processor/utils"
	"github.com/legacyvault/vault-processor/vault"
)

// EventPublisherService pushes every ledger event to the vault events topic.
// Events that cannot be produced land on the dead letter topic with the
// failure attached, so the stream stays replayable.
type EventPublisherService struct {
	eventsProducer     kafka.MessageProducer
	deadLetterProducer kafka.MessageProducer
	logger             *slog.Logger
}

func NewEventPublisherService(eventsProducer, deadLetterProducer kafka.MessageProducer, logger *slog.Logger) *EventPublisherService {
	return &EventPublisherService{
		eventsProducer:     eventsProducer,
		deadLetterProducer: deadLetterProducer,
		logger:             logger,
	}
}

// Publish implements vault.EventSink.
func (eps *EventPublisherService) Publish(ctx context.Context, event vault.Event) {
	eventJson, err := json.Marshal(event)
	if err != nil {
		eps.logger.Error("error while marshaling vault event")
		utils.CaptureError(err)
		return
	}

	msgKey := fmt.Sprintf("%d-%s", event.SubscriptionID, event.Kind)
	pushed := eps.eventsProducer.Produce(ctx, &kafka.ProducerMessage{
		Key:   []byte(msgKey),
		Value: eventJson,
	})

	if !pushed {
		eps.produceToDeadLetterQueue(ctx, event, eventJson)
	}
}

type failedEvent struct {
	Event    vault.Event `json:"event"`
	Error    string      `json:"error"`
	FailedAt time.Time   `json:"failed_at"`
}

func (eps *EventPublisherService) produceToDeadLetterQueue(ctx context.Context, event vault.Event, eventJson []byte) {
	produceErr := fmt.Errorf("failed to push to %s topic", eps.eventsProducer.GetTopic())

	payload, err := json.Marshal(failedEvent{
		Event:    event,
		Error:    produceErr.Error(),
		FailedAt: time.Now(),
	})
	if err != nil {
		eps.logger.Error("error while marshaling failed vault event")
		utils.CaptureError(err)
		payload = eventJson
	}

	pushed := eps.deadLetterProducer.Produce(ctx, &kafka.ProducerMessage{
		Value: payload,
	})
	if !pushed {
		eps.logger.Error("error while pushing to dead letter topic",
			slog.String("topic", eps.deadLetterProducer.GetTopic()))
		utils.CaptureError(produceErr)
	}
}
