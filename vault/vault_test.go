package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const (
	ownerAlice   = Address("alice")
	ownerBob     = Address("bob")
	heirCarol    = Address("carol")
	heirDave     = Address("dave")
	custodyAddr  = Address("custody")
	gasCollector = Address("gas-collector")
	feeCollector = Address("fee-collector")

	tokenUSDT = Asset("USDT")
	tokenLINK = Asset("LINK")
)

func wadAmount(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), wad)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type transferCall struct {
	asset  Asset
	from   Address
	to     Address
	amount *big.Int
}

// testBank is an in-memory AssetBank recording every movement. Failures and
// reentrant callbacks are injected through the hook fields.
type testBank struct {
	mu         sync.Mutex
	transfers  []transferCall
	pulls      []transferCall
	allowances map[Asset]map[Address]*big.Int

	transferErr func(asset Asset, to Address) error
	pullErr     func(asset Asset, from Address) error
	onTransfer  func(ctx context.Context)
}

func newTestBank() *testBank {
	return &testBank{allowances: make(map[Asset]map[Address]*big.Int)}
}

func (b *testBank) approve(asset Asset, owner Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allowances[asset] == nil {
		b.allowances[asset] = make(map[Address]*big.Int)
	}
	b.allowances[asset][owner] = new(big.Int).Set(amount)
}

func (b *testBank) Transfer(ctx context.Context, asset Asset, to Address, amount *big.Int) error {
	if b.onTransfer != nil {
		b.onTransfer(ctx)
	}
	if b.transferErr != nil {
		if err := b.transferErr(asset, to); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transfers = append(b.transfers, transferCall{asset: asset, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func (b *testBank) TransferFrom(ctx context.Context, asset Asset, from, to Address, amount *big.Int) error {
	if b.onTransfer != nil {
		b.onTransfer(ctx)
	}
	if b.pullErr != nil {
		if err := b.pullErr(asset, from); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pulls = append(b.pulls, transferCall{asset: asset, from: from, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func (b *testBank) Allowance(_ context.Context, asset Asset, owner Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if approved, ok := b.allowances[asset][owner]; ok {
		return new(big.Int).Set(approved), nil
	}
	return new(big.Int), nil
}

func (b *testBank) BalanceOf(context.Context, Asset, Address) (*big.Int, error) {
	return new(big.Int), nil
}

// transfersTo returns every recorded outbound amount for the given receiver
// and asset.
func (b *testBank) transfersTo(asset Asset, to Address) []*big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var amounts []*big.Int
	for _, call := range b.transfers {
		if call.asset == asset && call.to == to {
			amounts = append(amounts, call.amount)
		}
	}
	return amounts
}

type stubFeed struct {
	round Round
	err   error
}

func (f *stubFeed) LatestRound() (Round, error) {
	if f.err != nil {
		return Round{}, f.err
	}
	return f.round, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]EventKind, len(s.events))
	for i, event := range s.events {
		kinds[i] = event.Kind
	}
	return kinds
}

func (s *recordingSink) ofKind(kind EventKind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []Event
	for _, event := range s.events {
		if event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

type testFlagger struct {
	mu    sync.Mutex
	flags []string
	err   error
}

func (f *testFlagger) Flag(value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.flags = append(f.flags, value)
	return nil
}

// vaultHarness wires a full service pair against in-memory fakes. The feed
// defaults to a 3 USD round with 8 oracle decimals, making the base fee an
// exact 123 units.
type vaultHarness struct {
	state     *State
	guard     *CallGuard
	bank      *testBank
	feed      *stubFeed
	sink      *recordingSink
	flagger   *testFlagger
	clock     *testClock
	cfg       FeeConfig
	lifecycle *LifecycleService
	sweeper   *SweepService
}

func newVaultHarness() *vaultHarness {
	clock := newTestClock()
	h := &vaultHarness{
		state:   NewState([]Asset{tokenUSDT, tokenLINK}),
		guard:   NewCallGuard(),
		bank:    newTestBank(),
		feed:    &stubFeed{round: Round{Price: 3_0000_0000, Decimals: 8, UpdatedAt: clock.Now()}},
		sink:    &recordingSink{},
		flagger: &testFlagger{},
		clock:   clock,
		cfg:     DefaultFeeConfig(),
	}

	fees := NewFeeEngine(h.feed, h.cfg)
	h.lifecycle = NewLifecycleService(LifecycleConfig{
		State:          h.state,
		Guard:          h.guard,
		Fees:           fees,
		Bank:           h.bank,
		Events:         h.sink,
		FeeConfig:      h.cfg,
		Custody:        custodyAddr,
		GasFeeReceiver: gasCollector,
		SubFeeReceiver: feeCollector,
		Now:            clock.Now,
	})
	h.sweeper = NewSweepService(SweepConfig{
		State:     h.state,
		Guard:     h.guard,
		Bank:      h.bank,
		Events:    h.sink,
		Flagger:   h.flagger,
		FeeConfig: h.cfg,
		Now:       clock.Now,
	})
	return h
}

// setGasFeePercent rewires the lifecycle service with an adjusted fee split.
func (h *vaultHarness) setGasFeePercent(percent uint8) {
	h.cfg.GasFeePercent = percent
	h.lifecycle = NewLifecycleService(LifecycleConfig{
		State:          h.state,
		Guard:          h.guard,
		Fees:           NewFeeEngine(h.feed, h.cfg),
		Bank:           h.bank,
		Events:         h.sink,
		FeeConfig:      h.cfg,
		Custody:        custodyAddr,
		GasFeeReceiver: gasCollector,
		SubFeeReceiver: feeCollector,
		Now:            h.clock.Now,
	})
}

// baseFee is the exact base-currency fee under the default harness feed:
// 369 USD at 3 USD per unit.
func (h *vaultHarness) baseFee() *big.Int {
	return wadAmount(123)
}

// activate creates a subscription paying the exact base fee, failing the test
// on any error.
func (h *vaultHarness) activate(owner, heir Address) *Subscription {
	result := h.lifecycle.Activate(context.Background(), owner, heir, BaseAsset, h.baseFee())
	if result.Failure() {
		panic(fmt.Sprintf("activation failed: %v", result.Error()))
	}
	return result.Value()
}
