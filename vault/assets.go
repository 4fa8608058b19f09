package vault

import (
	"context"
	"math/big"
)

// AssetBank is the consumed transfer interface for both the base currency and
// allow-listed tokens. The vault is an implicit party: Transfer moves assets
// out of the vault's custody account, TransferFrom pulls pre-approved assets
// from an owner's account, Allowance reads what the owner has approved the
// vault to pull.
//
// Implementations may run untrusted callback code during a transfer; the
// services guard every entry point against reentry for exactly that reason.
type AssetBank interface {
	Transfer(ctx context.Context, asset Asset, to Address, amount *big.Int) error
	TransferFrom(ctx context.Context, asset Asset, from, to Address, amount *big.Int) error
	Allowance(ctx context.Context, asset Asset, owner Address) (*big.Int, error)
	BalanceOf(ctx context.Context, asset Asset, owner Address) (*big.Int, error)
}
