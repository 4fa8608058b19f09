package vault

import "time"

// Round is one observation from the external price oracle: the latest
// base-currency/USD price with its decimal precision. UpdatedAt is recorded
// but staleness is deliberately not enforced by the fee math.
type Round struct {
	Price     int64     `json:"price"`
	Decimals  uint8     `json:"decimals"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PriceFeed is the consumed oracle interface. Implementations live outside
// the core (kafka round consumer, redis store); the engine only reads the
// latest round.
type PriceFeed interface {
	LatestRound() (Round, error)
}
