package vault

import (
	"fmt"
	"math/big"

	"github.com/legacyvault/vault-processor/utils"
)

// FeeEngine converts the fixed USD subscription fee into base-currency units
// via the price oracle and splits every fee into its gas-fee and
// subscription-fee shares.
type FeeEngine struct {
	feed PriceFeed
	cfg  FeeConfig
}

func NewFeeEngine(feed PriceFeed, cfg FeeConfig) *FeeEngine {
	return &FeeEngine{feed: feed, cfg: cfg}
}

// RequiredBaseFee reads the oracle's latest round and converts BaseFeeUSD
// into 18-decimal base-currency units. A missing round or a price at or below
// zero fails with ErrOracle.
func (e *FeeEngine) RequiredBaseFee() utils.Result[*big.Int] {
	round, err := e.feed.LatestRound()
	if err != nil {
		failure := utils.FailedResult[*big.Int](fmt.Errorf("%w: %v", ErrOracle, err))
		return failure.AddErrorDetails(ErrorCode(ErrOracle), "oracle round unavailable")
	}
	if round.Price <= 0 {
		failure := utils.FailedResult[*big.Int](ErrOracle)
		return failure.AddErrorDetails(ErrorCode(ErrOracle), "oracle price is not positive").NonRetryable()
	}

	price := normalizePrice(round.Price, round.Decimals)
	fee := new(big.Int).Mul(e.cfg.BaseFeeUSD, wad)
	fee.Quo(fee, price)
	return utils.SuccessResult(fee)
}

// RequiredTokenFee is the fee when paying with an allow-listed stable-value
// token: the USD amount one to one, no oracle involved.
func (e *FeeEngine) RequiredTokenFee() *big.Int {
	return new(big.Int).Set(e.cfg.BaseFeeUSD)
}

// SplitFee divides the total into the gas-fee share (integer percentage,
// rounded down) and the remainder. The rounding residue always lands in the
// remainder, so gasFee + remainder == total exactly.
func (e *FeeEngine) SplitFee(total *big.Int) (gasFee, remainder *big.Int) {
	gasFee = new(big.Int).Mul(total, big.NewInt(int64(e.cfg.GasFeePercent)))
	gasFee.Quo(gasFee, big.NewInt(100))
	remainder = new(big.Int).Sub(total, gasFee)
	return gasFee, remainder
}

// normalizePrice scales an oracle price to 18 decimals.
func normalizePrice(price int64, decimals uint8) *big.Int {
	normalized := big.NewInt(price)
	switch {
	case decimals < 18:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
		normalized.Mul(normalized, scale)
	case decimals > 18:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil)
		normalized.Quo(normalized, scale)
	}
	return normalized
}
