package vault

import (
	"math/big"
	"sync"
	"time"
)

// State owns every piece of process-wide vault data: the subscription
// counter, per-owner records, the active-id working set, the token allow-list
// and the set of known users. It is passed explicitly to the services instead
// of living as package globals so the core stays testable in isolation.
//
// The internal lock only protects individual reads and writes; cross-step
// atomicity of an operation is provided by the CallGuard serializing the
// mutating entry points.
type State struct {
	mu        sync.RWMutex
	counter   uint64
	subs      map[uint64]*Subscription
	ownerIDs  map[Address][]uint64
	users     map[Address]struct{}
	registry  *ActiveIDRegistry
	allowList *AllowList
}

func NewState(allowedTokens []Asset) *State {
	return &State{
		subs:      make(map[uint64]*Subscription),
		ownerIDs:  make(map[Address][]uint64),
		users:     make(map[Address]struct{}),
		registry:  NewActiveIDRegistry(),
		allowList: NewAllowList(allowedTokens),
	}
}

// Activate assigns a fresh id, records the subscription and inserts it into
// the active set. Ids are strictly increasing and never reused, even after
// a rollback of the activation that consumed them.
func (s *State) Activate(owner, heir Address, now time.Time) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	sub := &Subscription{
		ID:            s.counter,
		Owner:         owner,
		Heir:          heir,
		ActivatedAt:   now,
		BaseBalance:   new(big.Int),
		TokenBalances: make(map[Asset]*big.Int),
		Active:        true,
	}
	s.subs[sub.ID] = sub
	s.ownerIDs[owner] = append(s.ownerIDs[owner], sub.ID)
	s.users[owner] = struct{}{}
	s.registry.Insert(sub.ID)
	return sub.Copy()
}

// Discard undoes a failed activation. The consumed id stays burned.
func (s *State) Discard(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	s.registry.Remove(id)

	ids := s.ownerIDs[sub.Owner]
	for i, ownerID := range ids {
		if ownerID == id {
			s.ownerIDs[sub.Owner] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Get returns a deep copy of the subscription, or false if the id was never
// assigned.
func (s *State) Get(id uint64) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, false
	}
	return sub.Copy(), true
}

// Subscription returns a deep copy of the subscription owned by the given
// address.
func (s *State) Subscription(owner Address, id uint64) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok || sub.Owner != owner {
		return nil, false
	}
	return sub.Copy(), true
}

func (s *State) SetActivatedAt(id uint64, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subs[id]; ok {
		sub.ActivatedAt = t
	}
}

func (s *State) SetHeir(id uint64, heir Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subs[id]; ok {
		sub.Heir = heir
	}
}

// Credit adds the base amount and each token amount to the subscription's
// escrow. A token deposited for the first time gets a balance entry that
// survives at zero after full withdrawal.
func (s *State) Credit(id uint64, base *big.Int, tokens []Asset, amounts []*big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return
	}
	sub.BaseBalance.Add(sub.BaseBalance, amountOrZero(base))
	for i, token := range tokens {
		balance, ok := sub.TokenBalances[token]
		if !ok {
			balance = new(big.Int)
			sub.TokenBalances[token] = balance
		}
		balance.Add(balance, amounts[i])
	}
}

// Debit subtracts the base amount and each token amount. Callers validate
// sufficiency first; balances never go negative under the call guard.
func (s *State) Debit(id uint64, base *big.Int, tokens []Asset, amounts []*big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return
	}
	sub.BaseBalance.Sub(sub.BaseBalance, amountOrZero(base))
	for i, token := range tokens {
		if balance, ok := sub.TokenBalances[token]; ok {
			balance.Sub(balance, amounts[i])
		}
	}
}

// Deactivate zeroes all balances, removes the id from the active set and
// marks the subscription inactive. It returns a copy holding the escrow as it
// was immediately before deactivation, for the outbound transfers and for a
// potential rollback.
func (s *State) Deactivate(id uint64) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok || !sub.Active {
		return nil, false
	}

	escrow := sub.Copy()
	sub.BaseBalance = new(big.Int)
	sub.TokenBalances = make(map[Asset]*big.Int)
	sub.Active = false
	s.registry.Remove(id)
	return escrow, true
}

// Reactivate restores a subscription deactivated earlier in the same call.
func (s *State) Reactivate(escrow *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[escrow.ID]
	if !ok {
		return
	}
	sub.BaseBalance = new(big.Int).Set(escrow.BaseBalance)
	sub.TokenBalances = make(map[Asset]*big.Int, len(escrow.TokenBalances))
	for token, balance := range escrow.TokenBalances {
		sub.TokenBalances[token] = new(big.Int).Set(balance)
	}
	sub.Active = true
	s.registry.Insert(escrow.ID)
}

// Restore loads a subscription snapshot during boot, bypassing fee payment.
// The counter is advanced so ids stay unique across restarts.
func (s *State) Restore(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := sub.Copy()
	s.subs[cp.ID] = cp
	s.ownerIDs[cp.Owner] = append(s.ownerIDs[cp.Owner], cp.ID)
	s.users[cp.Owner] = struct{}{}
	if cp.Active {
		s.registry.Insert(cp.ID)
	}
	if cp.ID > s.counter {
		s.counter = cp.ID
	}
}

func (s *State) ActiveIDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.IDs()
}

func (s *State) IsActive(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Contains(id)
}

func (s *State) TokenBalance(owner Address, id uint64, token Asset) (*big.Int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok || sub.Owner != owner {
		return nil, false
	}
	if token.IsBase() {
		return new(big.Int).Set(sub.BaseBalance), true
	}
	balance, ok := sub.TokenBalances[token]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(balance), true
}

func (s *State) IDsOfOwner(owner Address) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, len(s.ownerIDs[owner]))
	copy(ids, s.ownerIDs[owner])
	return ids
}

func (s *State) IsUser(addr Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[addr]
	return ok
}

func (s *State) IsAllowedToken(token Asset) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowList.Contains(token)
}

func (s *State) AddAllowedToken(token Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowList.Add(token)
}

func (s *State) AllowedTokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowList.Len()
}

func (s *State) Counter() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counter
}
