package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legacyvault/vault-processor/tests"
	"github.com/legacyvault/vault-processor/vault"
)

var (
	publisherService   *EventPublisherService
	eventsProducer     *tests.MockMessageProducer
	deadLetterProducer *tests.MockMessageProducer
)

func setupPublisherServiceEnv() {
	eventsProducer = &tests.MockMessageProducer{}
	deadLetterProducer = &tests.MockMessageProducer{}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	publisherService = NewEventPublisherService(eventsProducer, deadLetterProducer, logger)
}

func TestPublishEvent(t *testing.T) {
	setupPublisherServiceEnv()

	event := vault.Event{
		Kind:           vault.EventSubscriptionActivated,
		SubscriptionID: 7,
		Owner:          "alice",
		Heir:           "carol",
		Timestamp:      time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC),
	}

	publisherService.Publish(context.Background(), event)

	assert.Equal(t, 1, eventsProducer.ExecutionCount)
	assert.Equal(t, []byte("7-subscription_activated"), eventsProducer.Key)

	eventJson, _ := json.Marshal(event)
	assert.Equal(t, eventJson, eventsProducer.Value)

	assert.Equal(t, 0, deadLetterProducer.ExecutionCount)
}

func TestPublishEventDeadLetter(t *testing.T) {
	setupPublisherServiceEnv()
	eventsProducer.Failing = true

	event := vault.Event{
		Kind:           vault.EventFundsDeposited,
		SubscriptionID: 3,
		Owner:          "alice",
		Asset:          "USDT",
		Amount:         "10000000000000000000",
		Timestamp:      time.Now(),
	}

	publisherService.Publish(context.Background(), event)

	assert.Equal(t, 1, eventsProducer.ExecutionCount)
	require.Equal(t, 1, deadLetterProducer.ExecutionCount)

	var failed failedEvent
	require.NoError(t, json.Unmarshal(deadLetterProducer.Value, &failed))
	assert.Equal(t, event.Kind, failed.Event.Kind)
	assert.Equal(t, event.SubscriptionID, failed.Event.SubscriptionID)
	assert.Contains(t, failed.Error, "mocked_topic")
	assert.False(t, failed.FailedAt.IsZero())
}
