package pricefeed

import (
	"github.com/legacyvault/vault-processor/vault"
)

// LayeredFeed serves rounds from the primary feed and falls back to the
// secondary one while the primary has nothing yet, typically a fresh Kafka
// feed backed by the redis round snapshot.
type LayeredFeed struct {
	primary   vault.PriceFeed
	secondary vault.PriceFeed
}

func NewLayeredFeed(primary, secondary vault.PriceFeed) *LayeredFeed {
	return &LayeredFeed{
		primary:   primary,
		secondary: secondary,
	}
}

func (f *LayeredFeed) LatestRound() (vault.Round, error) {
	round, err := f.primary.LatestRound()
	if err == nil {
		return round, nil
	}
	if f.secondary == nil {
		return vault.Round{}, err
	}

	return f.secondary.LatestRound()
}
