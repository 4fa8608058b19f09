package vault

import (
	"math/big"
	"time"
)

type EventKind string

const (
	EventSubscriptionActivated   EventKind = "subscription_activated"
	EventSubscriptionRenewed     EventKind = "subscription_renewed"
	EventHeirChanged             EventKind = "heir_changed"
	EventGasFeeTransferred       EventKind = "gas_fee_transferred"
	EventSubscriptionFeePaid     EventKind = "subscription_fee_transferred"
	EventFundsDeposited          EventKind = "funds_deposited"
	EventDepositConsolidated     EventKind = "deposit_consolidated"
	EventFundsWithdrawn          EventKind = "funds_withdrawn"
	EventWithdrawalConsolidated  EventKind = "withdrawal_consolidated"
	EventSubscriptionDeactivated EventKind = "subscription_deactivated"
)

// Event is one append-only ledger notification. Per-asset records carry Asset
// and Amount; consolidated deposit/withdrawal records carry the Assets and
// Amounts slices instead. Amounts travel as decimal strings so the JSON form
// is exact at any magnitude.
type Event struct {
	Kind           EventKind `json:"kind"`
	SubscriptionID uint64    `json:"subscription_id"`
	Owner          Address   `json:"owner,omitempty"`
	Heir           Address   `json:"heir,omitempty"`
	Asset          Asset     `json:"asset,omitempty"`
	Amount         string    `json:"amount,omitempty"`
	Receiver       Address   `json:"receiver,omitempty"`
	Assets         []Asset   `json:"assets,omitempty"`
	Amounts        []string  `json:"amounts,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func amountString(amount *big.Int) string {
	return amountOrZero(amount).String()
}

func amountStrings(amounts []*big.Int) []string {
	out := make([]string, len(amounts))
	for i, amount := range amounts {
		out[i] = amountString(amount)
	}
	return out
}
