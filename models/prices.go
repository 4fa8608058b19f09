package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/legacyvault/vault-processor/config/redis"
	"github.com/legacyvault/vault-processor/vault"
)

// PriceStore reads the latest oracle round from a redis key maintained by the
// price publisher. It is the fallback vault.PriceFeed used when the round
// topic is not configured.
type PriceStore struct {
	context context.Context
	db      *redis.RedisDB
	key     string
}

func NewPriceStore(ctx context.Context, redis *redis.RedisDB, key string) *PriceStore {
	return &PriceStore{
		context: ctx,
		db:      redis,
		key:     key,
	}
}

func (store *PriceStore) LatestRound() (vault.Round, error) {
	value, err := store.db.Client.Get(store.context, store.key).Result()
	if errors.Is(err, goredis.Nil) {
		return vault.Round{}, fmt.Errorf("no oracle round at key %s", store.key)
	}
	if err != nil {
		return vault.Round{}, err
	}

	var round vault.Round
	if err := json.Unmarshal([]byte(value), &round); err != nil {
		return vault.Round{}, fmt.Errorf("invalid oracle round payload: %w", err)
	}
	return round, nil
}

func (store *PriceStore) Close() error {
	return store.db.Client.Close()
}
