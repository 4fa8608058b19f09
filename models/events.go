package models

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/legacyvault/vault-processor/utils"
	"github.com/legacyvault/vault-processor/vault"
)

// EventRecord is one row of the append-only event journal.
type EventRecord struct {
	ID             uint64 `gorm:"primaryKey"`
	Kind           string `gorm:"index"`
	SubscriptionID uint64 `gorm:"index"`
	Payload        string
	CreatedAt      time.Time
}

func (EventRecord) TableName() string {
	return "vault_events"
}

// Publish appends the event to the journal. Implements vault.EventSink;
// journal failures are captured but never propagate into the operation that
// produced the event.
func (store *VaultStore) Publish(ctx context.Context, event vault.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		store.logger.Error("error while marshaling vault event", slog.String("error", err.Error()))
		utils.CaptureError(err)
		return
	}

	record := EventRecord{
		Kind:           string(event.Kind),
		SubscriptionID: event.SubscriptionID,
		Payload:        string(payload),
	}
	result := store.db.Connection.WithContext(ctx).Create(&record)
	if result.Error != nil {
		store.logger.Error("error while journaling vault event",
			slog.String("kind", string(event.Kind)),
			slog.String("error", result.Error.Error()))
		utils.CaptureError(result.Error)
	}
}
