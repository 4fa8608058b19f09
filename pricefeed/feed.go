package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/legacyvault/vault-processor/config/kafka"
	"github.com/legacyvault/vault-processor/utils"
	"github.com/legacyvault/vault-processor/vault"
)

var ErrNoRound = errors.New("no oracle round received yet")

// KafkaFeed consumes oracle rounds from the round topic and serves the most
// recent one to the fee engine. Rounds are published by the external oracle
// network; this side only ever reads.
type KafkaFeed struct {
	client *kgo.Client
	logger *slog.Logger

	mu     sync.RWMutex
	latest vault.Round
	seeded bool
}

func NewKafkaFeed(serverConfig kafka.ServerConfig, topic string) (*KafkaFeed, error) {
	opts := []kgo.Opt{
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd().Relative(-1)),
	}
	client, err := kafka.NewKafkaClient(serverConfig, opts)
	if err != nil {
		return nil, err
	}

	return &KafkaFeed{
		client: client,
		logger: slog.Default().With("component", "price-feed"),
	}, nil
}

// Run polls the round topic until the context is canceled.
func (f *KafkaFeed) Run(ctx context.Context) error {
	defer f.client.Close()

	for {
		fetches := f.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}

		fetches.EachError(func(_ string, _ int32, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			f.logger.Error("oracle round fetch error", slog.String("error", err.Error()))
			utils.CaptureError(err)
		})

		fetches.EachRecord(f.consumeRound)
	}
}

func (f *KafkaFeed) consumeRound(record *kgo.Record) {
	var round vault.Round
	if err := json.Unmarshal(record.Value, &round); err != nil {
		f.logger.Error("undecodable oracle round", slog.String("error", err.Error()))
		utils.CaptureError(err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seeded && round.UpdatedAt.Before(f.latest.UpdatedAt) {
		return
	}
	f.latest = round
	f.seeded = true
}

// LatestRound implements vault.PriceFeed.
func (f *KafkaFeed) LatestRound() (vault.Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.seeded {
		return vault.Round{}, ErrNoRound
	}
	return f.latest, nil
}
