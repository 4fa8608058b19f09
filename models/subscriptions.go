package models

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm/clause"

	"github.com/legacyvault/vault-processor/utils"
	"github.com/legacyvault/vault-processor/vault"
)

// SubscriptionRecord mirrors one subscription row. Balances are stored as
// decimal strings so 18-decimal amounts survive the round trip exactly.
type SubscriptionRecord struct {
	ID          uint64 `gorm:"primaryKey"`
	Owner       string `gorm:"index"`
	Heir        string
	ActivatedAt time.Time
	BaseBalance string
	Active      bool `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (SubscriptionRecord) TableName() string {
	return "subscriptions"
}

type TokenBalanceRecord struct {
	SubscriptionID uint64 `gorm:"primaryKey;autoIncrement:false"`
	Token          string `gorm:"primaryKey"`
	Balance        string
	UpdatedAt      time.Time
}

func (TokenBalanceRecord) TableName() string {
	return "token_balances"
}

// SaveSubscription upserts the snapshot and its token balances. Implements
// vault.Mirror.
func (store *VaultStore) SaveSubscription(ctx context.Context, sub *vault.Subscription) error {
	record := SubscriptionRecord{
		ID:          sub.ID,
		Owner:       string(sub.Owner),
		Heir:        string(sub.Heir),
		ActivatedAt: sub.ActivatedAt,
		BaseBalance: sub.BaseBalance.String(),
		Active:      sub.Active,
	}

	result := store.db.Connection.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record)
	if result.Error != nil {
		return result.Error
	}

	for token, balance := range sub.TokenBalances {
		balanceRecord := TokenBalanceRecord{
			SubscriptionID: sub.ID,
			Token:          string(token),
			Balance:        balance.String(),
		}
		result = store.db.Connection.WithContext(ctx).
			Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&balanceRecord)
		if result.Error != nil {
			return result.Error
		}
	}

	return nil
}

// LoadActiveSubscriptions rebuilds the working set on boot from the mirror.
func (store *VaultStore) LoadActiveSubscriptions(ctx context.Context) utils.Result[[]*vault.Subscription] {
	var records []SubscriptionRecord
	result := store.db.Connection.WithContext(ctx).
		Where("active = ?", true).
		Order("id").
		Find(&records)
	if result.Error != nil {
		return utils.FailedResult[[]*vault.Subscription](result.Error)
	}

	subscriptions := make([]*vault.Subscription, 0, len(records))
	for _, record := range records {
		sub, err := store.assembleSubscription(ctx, record)
		if err != nil {
			return utils.FailedResult[[]*vault.Subscription](err)
		}
		subscriptions = append(subscriptions, sub)
	}

	return utils.SuccessResult(subscriptions)
}

func (store *VaultStore) assembleSubscription(ctx context.Context, record SubscriptionRecord) (*vault.Subscription, error) {
	baseBalance, err := parseAmount(record.BaseBalance)
	if err != nil {
		return nil, fmt.Errorf("subscription %d: %w", record.ID, err)
	}

	var balanceRecords []TokenBalanceRecord
	result := store.db.Connection.WithContext(ctx).
		Where("subscription_id = ?", record.ID).
		Find(&balanceRecords)
	if result.Error != nil {
		return nil, result.Error
	}

	tokenBalances := make(map[vault.Asset]*big.Int, len(balanceRecords))
	for _, balanceRecord := range balanceRecords {
		balance, err := parseAmount(balanceRecord.Balance)
		if err != nil {
			return nil, fmt.Errorf("subscription %d token %s: %w", record.ID, balanceRecord.Token, err)
		}
		tokenBalances[vault.Asset(balanceRecord.Token)] = balance
	}

	return &vault.Subscription{
		ID:            record.ID,
		Owner:         vault.Address(record.Owner),
		Heir:          vault.Address(record.Heir),
		ActivatedAt:   record.ActivatedAt,
		BaseBalance:   baseBalance,
		TokenBalances: tokenBalances,
		Active:        record.Active,
	}, nil
}

func parseAmount(value string) (*big.Int, error) {
	if value == "" {
		return new(big.Int), nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored amount %q", value)
	}
	return amount, nil
}
