package models

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/legacyvault/vault-processor/config/database"
	"github.com/legacyvault/vault-processor/vault"
)

// AccountRecord holds one custody account balance per (holder, asset) pair.
// The funding pipeline credits these rows when assets arrive; the vault only
// moves them around.
type AccountRecord struct {
	Holder    string `gorm:"primaryKey"`
	Asset     string `gorm:"primaryKey"`
	Balance   string
	UpdatedAt time.Time
}

func (AccountRecord) TableName() string {
	return "asset_accounts"
}

// AllowanceRecord is what a holder has approved the vault to pull on their
// behalf. Decremented on every TransferFrom.
type AllowanceRecord struct {
	Owner     string `gorm:"primaryKey"`
	Asset     string `gorm:"primaryKey"`
	Amount    string
	UpdatedAt time.Time
}

func (AllowanceRecord) TableName() string {
	return "asset_allowances"
}

// LedgerBank implements vault.AssetBank on top of the custody account tables.
// Every movement runs in one database transaction with the touched rows
// locked, so concurrent transfers cannot double-spend a balance.
type LedgerBank struct {
	db      *database.DB
	custody vault.Address
}

func NewLedgerBank(db *database.DB, custody vault.Address) *LedgerBank {
	return &LedgerBank{
		db:      db,
		custody: custody,
	}
}

func (bank *LedgerBank) Transfer(ctx context.Context, asset vault.Asset, to vault.Address, amount *big.Int) error {
	return bank.db.Connection.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return move(tx, asset, bank.custody, to, amount)
	})
}

func (bank *LedgerBank) TransferFrom(ctx context.Context, asset vault.Asset, from, to vault.Address, amount *big.Int) error {
	return bank.db.Connection.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := spendAllowance(tx, asset, from, amount); err != nil {
			return err
		}
		return move(tx, asset, from, to, amount)
	})
}

func (bank *LedgerBank) Allowance(ctx context.Context, asset vault.Asset, owner vault.Address) (*big.Int, error) {
	var record AllowanceRecord
	result := bank.db.Connection.WithContext(ctx).
		Where("owner = ? AND asset = ?", string(owner), string(asset)).
		First(&record)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return new(big.Int), nil
		}
		return nil, result.Error
	}

	return parseAmount(record.Amount)
}

func (bank *LedgerBank) BalanceOf(ctx context.Context, asset vault.Asset, addr vault.Address) (*big.Int, error) {
	var record AccountRecord
	result := bank.db.Connection.WithContext(ctx).
		Where("holder = ? AND asset = ?", string(addr), string(asset)).
		First(&record)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return new(big.Int), nil
		}
		return nil, result.Error
	}

	return parseAmount(record.Balance)
}

func move(tx *gorm.DB, asset vault.Asset, from, to vault.Address, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("cannot move non-positive amount %s", amount)
	}

	var source AccountRecord
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("holder = ? AND asset = ?", string(from), string(asset)).
		First(&source)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return fmt.Errorf("account %s has no %s balance", from, assetLabel(asset))
		}
		return result.Error
	}

	balance, err := parseAmount(source.Balance)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("account %s holds %s %s, cannot move %s", from, balance, assetLabel(asset), amount)
	}

	source.Balance = new(big.Int).Sub(balance, amount).String()
	if err := tx.Save(&source).Error; err != nil {
		return err
	}

	var destination AccountRecord
	result = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("holder = ? AND asset = ?", string(to), string(asset)).
		First(&destination)
	if result.Error != nil {
		if result.Error != gorm.ErrRecordNotFound {
			return result.Error
		}
		destination = AccountRecord{
			Holder:  string(to),
			Asset:   string(asset),
			Balance: "0",
		}
	}

	current, err := parseAmount(destination.Balance)
	if err != nil {
		return err
	}
	destination.Balance = new(big.Int).Add(current, amount).String()

	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Save(&destination).Error
}

func spendAllowance(tx *gorm.DB, asset vault.Asset, owner vault.Address, amount *big.Int) error {
	var record AllowanceRecord
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner = ? AND asset = ?", string(owner), string(asset)).
		First(&record)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return fmt.Errorf("account %s has not approved %s", owner, assetLabel(asset))
		}
		return result.Error
	}

	approved, err := parseAmount(record.Amount)
	if err != nil {
		return err
	}
	if approved.Cmp(amount) < 0 {
		return fmt.Errorf("account %s approved %s %s, cannot pull %s", owner, approved, assetLabel(asset), amount)
	}

	record.Amount = new(big.Int).Sub(approved, amount).String()
	return tx.Save(&record).Error
}

func assetLabel(asset vault.Asset) string {
	if asset == vault.BaseAsset {
		return "base currency"
	}
	return string(asset)
}
