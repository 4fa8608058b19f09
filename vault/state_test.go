package vault

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateActivate(t *testing.T) {
	t.Run("Assigns strictly increasing ids starting at one", func(t *testing.T) {
		state := NewState(nil)
		now := time.Now()

		first := state.Activate(ownerAlice, heirCarol, now)
		second := state.Activate(ownerAlice, heirCarol, now)
		third := state.Activate(ownerBob, heirDave, now)

		assert.Equal(t, uint64(1), first.ID)
		assert.Equal(t, uint64(2), second.ID)
		assert.Equal(t, uint64(3), third.ID)
		assert.Equal(t, uint64(3), state.Counter())
	})

	t.Run("Registers the owner and the active id", func(t *testing.T) {
		state := NewState(nil)

		sub := state.Activate(ownerAlice, heirCarol, time.Now())

		assert.True(t, state.IsActive(sub.ID))
		assert.True(t, state.IsUser(ownerAlice))
		assert.Equal(t, []uint64{sub.ID}, state.IDsOfOwner(ownerAlice))
		assert.Empty(t, state.IDsOfOwner(ownerBob))
	})

	t.Run("Returned subscription is a copy", func(t *testing.T) {
		state := NewState(nil)

		sub := state.Activate(ownerAlice, heirCarol, time.Now())
		sub.BaseBalance.SetInt64(1000)
		sub.Heir = heirDave

		stored, ok := state.Get(sub.ID)
		require.True(t, ok)
		assert.Equal(t, int64(0), stored.BaseBalance.Int64())
		assert.Equal(t, heirCarol, stored.Heir)
	})
}

func TestStateDiscard(t *testing.T) {
	state := NewState(nil)
	sub := state.Activate(ownerAlice, heirCarol, time.Now())

	state.Discard(sub.ID)

	_, ok := state.Get(sub.ID)
	assert.False(t, ok)
	assert.False(t, state.IsActive(sub.ID))
	assert.Empty(t, state.IDsOfOwner(ownerAlice))

	// the burned id is never handed out again
	next := state.Activate(ownerAlice, heirCarol, time.Now())
	assert.Equal(t, sub.ID+1, next.ID)
}

func TestStateCreditDebit(t *testing.T) {
	state := NewState([]Asset{tokenUSDT})
	sub := state.Activate(ownerAlice, heirCarol, time.Now())

	state.Credit(sub.ID, wadAmount(5), []Asset{tokenUSDT}, []*big.Int{wadAmount(10)})
	state.Credit(sub.ID, nil, []Asset{tokenUSDT}, []*big.Int{wadAmount(2)})

	balance, ok := state.TokenBalance(ownerAlice, sub.ID, tokenUSDT)
	require.True(t, ok)
	assert.Equal(t, wadAmount(12), balance)

	baseBalance, ok := state.TokenBalance(ownerAlice, sub.ID, BaseAsset)
	require.True(t, ok)
	assert.Equal(t, wadAmount(5), baseBalance)

	state.Debit(sub.ID, wadAmount(5), []Asset{tokenUSDT}, []*big.Int{wadAmount(12)})

	balance, ok = state.TokenBalance(ownerAlice, sub.ID, tokenUSDT)
	require.True(t, ok)
	assert.Equal(t, int64(0), balance.Int64())

	// the zeroed entry survives so a later lookup still resolves the token
	stored, _ := state.Get(sub.ID)
	_, present := stored.TokenBalances[tokenUSDT]
	assert.True(t, present)
}

func TestStateDeactivate(t *testing.T) {
	t.Run("Returns the escrow and zeroes the record", func(t *testing.T) {
		state := NewState([]Asset{tokenUSDT})
		sub := state.Activate(ownerAlice, heirCarol, time.Now())
		state.Credit(sub.ID, wadAmount(7), []Asset{tokenUSDT}, []*big.Int{wadAmount(3)})

		escrow, ok := state.Deactivate(sub.ID)
		require.True(t, ok)
		assert.Equal(t, wadAmount(7), escrow.BaseBalance)
		assert.Equal(t, wadAmount(3), escrow.TokenBalances[tokenUSDT])

		stored, _ := state.Get(sub.ID)
		assert.False(t, stored.Active)
		assert.Equal(t, int64(0), stored.BaseBalance.Int64())
		assert.Empty(t, stored.TokenBalances)
		assert.False(t, state.IsActive(sub.ID))
	})

	t.Run("Fails on an inactive subscription", func(t *testing.T) {
		state := NewState(nil)
		sub := state.Activate(ownerAlice, heirCarol, time.Now())
		_, ok := state.Deactivate(sub.ID)
		require.True(t, ok)

		_, ok = state.Deactivate(sub.ID)
		assert.False(t, ok)
	})

	t.Run("Reactivate restores the escrow", func(t *testing.T) {
		state := NewState([]Asset{tokenUSDT})
		sub := state.Activate(ownerAlice, heirCarol, time.Now())
		state.Credit(sub.ID, wadAmount(7), []Asset{tokenUSDT}, []*big.Int{wadAmount(3)})

		escrow, ok := state.Deactivate(sub.ID)
		require.True(t, ok)

		state.Reactivate(escrow)

		stored, _ := state.Get(sub.ID)
		assert.True(t, stored.Active)
		assert.Equal(t, wadAmount(7), stored.BaseBalance)
		assert.Equal(t, wadAmount(3), stored.TokenBalances[tokenUSDT])
		assert.True(t, state.IsActive(sub.ID))
	})
}

func TestStateRestore(t *testing.T) {
	state := NewState(nil)

	state.Restore(&Subscription{
		ID:            8,
		Owner:         ownerAlice,
		Heir:          heirCarol,
		ActivatedAt:   time.Now(),
		BaseBalance:   wadAmount(4),
		TokenBalances: map[Asset]*big.Int{tokenUSDT: wadAmount(1)},
		Active:        true,
	})

	assert.True(t, state.IsActive(8))
	assert.True(t, state.IsUser(ownerAlice))
	assert.Equal(t, uint64(8), state.Counter())

	// a post-restore activation continues above the restored id
	next := state.Activate(ownerBob, heirDave, time.Now())
	assert.Equal(t, uint64(9), next.ID)
}

func TestStateReadAccessors(t *testing.T) {
	state := NewState([]Asset{tokenUSDT})
	sub := state.Activate(ownerAlice, heirCarol, time.Now())

	t.Run("Subscription scoped by owner", func(t *testing.T) {
		_, ok := state.Subscription(ownerBob, sub.ID)
		assert.False(t, ok)

		found, ok := state.Subscription(ownerAlice, sub.ID)
		require.True(t, ok)
		assert.Equal(t, sub.ID, found.ID)
	})

	t.Run("TokenBalance misses", func(t *testing.T) {
		_, ok := state.TokenBalance(ownerAlice, sub.ID, tokenUSDT)
		assert.False(t, ok)

		_, ok = state.TokenBalance(ownerBob, sub.ID, BaseAsset)
		assert.False(t, ok)
	})

	t.Run("Allow list", func(t *testing.T) {
		assert.True(t, state.IsAllowedToken(tokenUSDT))
		assert.False(t, state.IsAllowedToken(tokenLINK))

		state.AddAllowedToken(tokenLINK)
		assert.True(t, state.IsAllowedToken(tokenLINK))
		assert.Equal(t, 2, state.AllowedTokenCount())
	})
}
