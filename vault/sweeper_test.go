package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expireAll(h *vaultHarness) {
	h.clock.Advance(h.cfg.SubscriptionPeriod + h.cfg.GracePeriod + time.Second)
}

func decodeUpkeepIDs(t *testing.T, payload []byte) []uint64 {
	t.Helper()
	var decoded struct {
		SubscriptionIDs []uint64 `json:"subscription_ids"`
	}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	return decoded.SubscriptionIDs
}

func TestCheckUpkeep(t *testing.T) {
	t.Run("Nothing expired", func(t *testing.T) {
		h := newVaultHarness()
		h.activate(ownerAlice, heirCarol)

		result := h.sweeper.CheckUpkeep(context.Background(), nil)
		require.True(t, result.Success())
		assert.False(t, result.Value().Needed)
		assert.Empty(t, result.Value().Payload)
	})

	t.Run("Reports exactly the expired ids", func(t *testing.T) {
		h := newVaultHarness()
		old := h.activate(ownerAlice, heirCarol)
		expireAll(h)
		fresh := h.activate(ownerBob, heirDave)

		result := h.sweeper.CheckUpkeep(context.Background(), nil)
		require.True(t, result.Success())
		require.True(t, result.Value().Needed)

		ids := decodeUpkeepIDs(t, result.Value().Payload)
		assert.Equal(t, []uint64{old.ID}, ids)
		assert.NotContains(t, ids, fresh.ID)
	})

	t.Run("At the deadline nothing is expired yet", func(t *testing.T) {
		h := newVaultHarness()
		sub := h.activate(ownerAlice, heirCarol)
		h.clock.Advance(h.cfg.SubscriptionPeriod + h.cfg.GracePeriod)

		result := h.sweeper.CheckUpkeep(context.Background(), nil)
		require.True(t, result.Success())
		assert.False(t, result.Value().Needed)

		// one step past the deadline flips the verdict
		h.clock.Advance(time.Nanosecond)
		result = h.sweeper.CheckUpkeep(context.Background(), nil)
		require.True(t, result.Success())
		require.True(t, result.Value().Needed)
		assert.Equal(t, []uint64{sub.ID}, decodeUpkeepIDs(t, result.Value().Payload))
	})

	t.Run("Repeated checks yield the same verdict", func(t *testing.T) {
		h := newVaultHarness()
		h.activate(ownerAlice, heirCarol)
		expireAll(h)

		first := h.sweeper.CheckUpkeep(context.Background(), nil)
		second := h.sweeper.CheckUpkeep(context.Background(), nil)
		require.True(t, first.Success())
		require.True(t, second.Success())
		assert.Equal(t, first.Value().Needed, second.Value().Needed)
		assert.Equal(t,
			decodeUpkeepIDs(t, first.Value().Payload),
			decodeUpkeepIDs(t, second.Value().Payload))
	})
}

func TestPerformUpkeep(t *testing.T) {
	payloadFor := func(ids ...uint64) []byte {
		payload, _ := json.Marshal(map[string][]uint64{"subscription_ids": ids})
		return payload
	}

	t.Run("Sweeps the escrow to the heir", func(t *testing.T) {
		h := newVaultHarness()
		sub := h.activate(ownerAlice, heirCarol)
		depositResult := h.lifecycle.Deposit(context.Background(), ownerAlice, sub.ID,
			wadAmount(40), []Asset{tokenUSDT}, []*big.Int{wadAmount(15)})
		require.True(t, depositResult.Success())
		expireAll(h)

		result := h.sweeper.PerformUpkeep(context.Background(), payloadFor(sub.ID))
		require.True(t, result.Success())
		assert.Equal(t, []uint64{sub.ID}, result.Value())

		baseOut := h.bank.transfersTo(BaseAsset, heirCarol)
		require.Len(t, baseOut, 1)
		assert.Equal(t, wadAmount(40), baseOut[0])
		tokenOut := h.bank.transfersTo(tokenUSDT, heirCarol)
		require.Len(t, tokenOut, 1)
		assert.Equal(t, wadAmount(15), tokenOut[0])

		stored, _ := h.state.Get(sub.ID)
		assert.False(t, stored.Active)
		assert.Equal(t, int64(0), stored.BaseBalance.Int64())
		assert.False(t, h.state.IsActive(sub.ID))

		deactivated := h.sink.ofKind(EventSubscriptionDeactivated)
		require.Len(t, deactivated, 1)
		assert.Equal(t, heirCarol, deactivated[0].Heir)

		assert.Equal(t, []string{fmt.Sprintf("%s:%d", ownerAlice, sub.ID)}, h.flagger.flags)
	})

	t.Run("Check then perform as one protocol round", func(t *testing.T) {
		h := newVaultHarness()
		first := h.activate(ownerAlice, heirCarol)
		second := h.activate(ownerBob, heirDave)
		expireAll(h)

		check := h.sweeper.CheckUpkeep(context.Background(), nil)
		require.True(t, check.Success())
		require.True(t, check.Value().Needed)

		result := h.sweeper.PerformUpkeep(context.Background(), check.Value().Payload)
		require.True(t, result.Success())
		assert.ElementsMatch(t, []uint64{first.ID, second.ID}, result.Value())
		assert.Empty(t, h.state.ActiveIDs())

		// the next check finds nothing left
		recheck := h.sweeper.CheckUpkeep(context.Background(), nil)
		require.True(t, recheck.Success())
		assert.False(t, recheck.Value().Needed)
	})

	t.Run("One stale id fails the whole batch untouched", func(t *testing.T) {
		h := newVaultHarness()
		expired := h.activate(ownerAlice, heirCarol)
		expireAll(h)
		fresh := h.activate(ownerBob, heirDave)

		feeTransfers := len(h.bank.transfers)

		result := h.sweeper.PerformUpkeep(context.Background(), payloadFor(expired.ID, fresh.ID))
		require.True(t, result.Failure())
		assert.ErrorIs(t, result.Error(), ErrInvalidID)

		assert.True(t, h.state.IsActive(expired.ID))
		assert.True(t, h.state.IsActive(fresh.ID))
		assert.Len(t, h.bank.transfers, feeTransfers)
		assert.Empty(t, h.bank.transfersTo(BaseAsset, heirCarol))
		assert.Empty(t, h.bank.transfersTo(BaseAsset, heirDave))
	})

	t.Run("Unknown id fails", func(t *testing.T) {
		h := newVaultHarness()

		result := h.sweeper.PerformUpkeep(context.Background(), payloadFor(99))
		require.True(t, result.Failure())
		assert.ErrorIs(t, result.Error(), ErrInvalidID)
	})

	t.Run("Duplicate ids fail", func(t *testing.T) {
		h := newVaultHarness()
		sub := h.activate(ownerAlice, heirCarol)
		expireAll(h)

		result := h.sweeper.PerformUpkeep(context.Background(), payloadFor(sub.ID, sub.ID))
		require.True(t, result.Failure())
		assert.ErrorIs(t, result.Error(), ErrInvalidID)
		assert.True(t, h.state.IsActive(sub.ID))
	})

	t.Run("Empty and undecodable payloads fail", func(t *testing.T) {
		h := newVaultHarness()

		result := h.sweeper.PerformUpkeep(context.Background(), payloadFor())
		require.True(t, result.Failure())
		assert.ErrorIs(t, result.Error(), ErrInvalidID)

		result = h.sweeper.PerformUpkeep(context.Background(), []byte("not json"))
		require.True(t, result.Failure())
		assert.ErrorIs(t, result.Error(), ErrInvalidID)
	})

	t.Run("A swept id cannot be swept twice", func(t *testing.T) {
		h := newVaultHarness()
		sub := h.activate(ownerAlice, heirCarol)
		expireAll(h)

		first := h.sweeper.PerformUpkeep(context.Background(), payloadFor(sub.ID))
		require.True(t, first.Success())

		second := h.sweeper.PerformUpkeep(context.Background(), payloadFor(sub.ID))
		require.True(t, second.Failure())
		assert.ErrorIs(t, second.Error(), ErrInvalidID)
	})

	t.Run("Failed escrow transfer restores the remainder", func(t *testing.T) {
		h := newVaultHarness()
		sub := h.activate(ownerAlice, heirCarol)
		depositResult := h.lifecycle.Deposit(context.Background(), ownerAlice, sub.ID,
			wadAmount(40), []Asset{tokenUSDT}, []*big.Int{wadAmount(15)})
		require.True(t, depositResult.Success())
		expireAll(h)

		h.bank.transferErr = func(asset Asset, to Address) error {
			if asset == tokenUSDT {
				return errors.New("settlement refused")
			}
			return nil
		}

		result := h.sweeper.PerformUpkeep(context.Background(), payloadFor(sub.ID))
		require.True(t, result.Failure())
		assert.Equal(t, "transfer_failed", result.ErrorCode())

		// the base escrow reached the heir before the failure; the token
		// remainder is back on the active record
		stored, _ := h.state.Get(sub.ID)
		assert.True(t, stored.Active)
		assert.Equal(t, int64(0), stored.BaseBalance.Int64())
		assert.Equal(t, wadAmount(15), stored.TokenBalances[tokenUSDT])
		assert.True(t, h.state.IsActive(sub.ID))
		assert.Empty(t, h.flagger.flags)
	})

	t.Run("Expired subscriptions refuse owner mutations but still sweep", func(t *testing.T) {
		h := newVaultHarness()
		sub := h.activate(ownerAlice, heirCarol)
		depositResult := h.lifecycle.Deposit(context.Background(), ownerAlice, sub.ID, wadAmount(5), nil, nil)
		require.True(t, depositResult.Success())
		expireAll(h)

		withdrawal := h.lifecycle.Withdraw(context.Background(), ownerAlice, sub.ID, wadAmount(5), nil, nil)
		require.True(t, withdrawal.Failure())
		assert.ErrorIs(t, withdrawal.Error(), ErrExpired)

		result := h.sweeper.PerformUpkeep(context.Background(), payloadFor(sub.ID))
		require.True(t, result.Success())
		assert.Equal(t, wadAmount(5), h.bank.transfersTo(BaseAsset, heirCarol)[0])
	})
}
