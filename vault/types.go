package vault

import (
	"math/big"
	"time"
)

// Address identifies an account in the settlement domain. The zero value is
// the zero-address and is never a valid owner or heir.
type Address string

const ZeroAddress Address = ""

// Asset identifies a transferable asset. The zero value is the base
// settlement currency sentinel; anything else must be an allow-listed token.
type Asset string

const BaseAsset Asset = ""

func (a Asset) IsBase() bool {
	return a == BaseAsset
}

// FeeConfig is fixed at construction and shared by every operation.
// BaseFeeUSD is an 18-decimal fixed-point USD amount.
type FeeConfig struct {
	BaseFeeUSD         *big.Int
	GasFeePercent      uint8
	SubscriptionPeriod time.Duration
	GracePeriod        time.Duration
}

// DefaultFeeConfig mirrors the production deployment parameters: 369 USD
// yearly fee, 10% gas fee share, 369 day period with a 36 day 9 hour grace.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		BaseFeeUSD:         new(big.Int).Mul(big.NewInt(369), wad),
		GasFeePercent:      10,
		SubscriptionPeriod: 369 * 24 * time.Hour,
		GracePeriod:        36*24*time.Hour + 9*time.Hour,
	}
}

// Deadline returns the instant after which a subscription activated at the
// given time can no longer be renewed or mutated.
func (c FeeConfig) Deadline(activatedAt time.Time) time.Time {
	return activatedAt.Add(c.SubscriptionPeriod).Add(c.GracePeriod)
}

// Expired reports whether a subscription activated at activatedAt is past its
// period plus grace at the given instant. The predicate is shared by the
// read-only upkeep scan and the effecting sweep so the two phases can never
// disagree.
func (c FeeConfig) Expired(activatedAt, now time.Time) bool {
	return now.After(c.Deadline(activatedAt))
}

// wad is the 18-decimal fixed-point unit used for all amounts.
var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Subscription is a single inheritance instruction with its escrowed
// balances. Instances handed out by read accessors are deep copies.
type Subscription struct {
	ID            uint64
	Owner         Address
	Heir          Address
	ActivatedAt   time.Time
	BaseBalance   *big.Int
	TokenBalances map[Asset]*big.Int
	Active        bool
}

func (s *Subscription) Copy() *Subscription {
	cp := *s
	cp.BaseBalance = new(big.Int).Set(s.BaseBalance)
	cp.TokenBalances = make(map[Asset]*big.Int, len(s.TokenBalances))
	for token, balance := range s.TokenBalances {
		cp.TokenBalances[token] = new(big.Int).Set(balance)
	}
	return &cp
}

func amountOrZero(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return amount
}
