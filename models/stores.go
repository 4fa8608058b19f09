package models

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/legacyvault/vault-processor/config/database"
	"github.com/legacyvault/vault-processor/config/redis"
)

// VaultStore is the durable mirror of the in-memory ledger: subscription
// snapshots, token balances and the append-only event journal live in
// Postgres. The ledger stays authoritative; the store never fails an
// operation that already succeeded in memory.
type VaultStore struct {
	db     *database.DB
	logger *slog.Logger
}

func NewVaultStore(db *database.DB) *VaultStore {
	return &VaultStore{
		db:     db,
		logger: slog.Default().With("component", "vault-store"),
	}
}

// FlagStore marks swept subscriptions in a redis set so the heir
// notification pipeline can pick them up.
type FlagStore struct {
	name    string
	context context.Context
	db      *redis.RedisDB
}

func NewFlagStore(ctx context.Context, redis *redis.RedisDB, name string) *FlagStore {
	return &FlagStore{
		name:    name,
		context: ctx,
		db:      redis,
	}
}

func (store *FlagStore) Flag(value string) error {
	result := store.db.Client.SAdd(store.context, store.name, fmt.Sprintf("%s", value))
	if err := result.Err(); err != nil {
		return err
	}

	return nil
}

func (store *FlagStore) Close() error {
	return store.db.Client.Close()
}
