package keeper

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/legacyvault/vault-processor/vault"
)

// stubBank accepts every movement and records outbound transfers per
// receiver.
type stubBank struct {
	mu         sync.Mutex
	transfers  map[vault.Address]int
	allowances map[vault.Asset]map[vault.Address]*big.Int
}

func newStubBank() *stubBank {
	return &stubBank{
		transfers:  make(map[vault.Address]int),
		allowances: make(map[vault.Asset]map[vault.Address]*big.Int),
	}
}

func (b *stubBank) Transfer(_ context.Context, _ vault.Asset, to vault.Address, _ *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transfers[to]++
	return nil
}

func (b *stubBank) TransferFrom(_ context.Context, _ vault.Asset, _, to vault.Address, _ *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transfers[to]++
	return nil
}

func (b *stubBank) Allowance(_ context.Context, asset vault.Asset, owner vault.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if approved, ok := b.allowances[asset][owner]; ok {
		return new(big.Int).Set(approved), nil
	}
	return new(big.Int), nil
}

func (b *stubBank) BalanceOf(context.Context, vault.Asset, vault.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (b *stubBank) transferCount(to vault.Address) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transfers[to]
}

type stubFeed struct {
	mu    sync.Mutex
	round vault.Round
	err   error
}

func (f *stubFeed) LatestRound() (vault.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return vault.Round{}, f.err
	}
	return f.round, nil
}

func (f *stubFeed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// keeperHarness wires real services against the stubs, with a controllable
// clock. The feed serves a 3 USD round, so the exact base fee is 123 units.
type keeperHarness struct {
	state     *vault.State
	bank      *stubBank
	feed      *stubFeed
	fees      *vault.FeeEngine
	lifecycle *vault.LifecycleService
	sweeper   *vault.SweepService
	now       time.Time
	mu        sync.Mutex
}

func newKeeperHarness() *keeperHarness {
	h := &keeperHarness{
		state: vault.NewState([]vault.Asset{"USDT"}),
		bank:  newStubBank(),
		feed:  &stubFeed{round: vault.Round{Price: 3_0000_0000, Decimals: 8}},
		now:   time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC),
	}

	cfg := vault.DefaultFeeConfig()
	guard := vault.NewCallGuard()
	h.fees = vault.NewFeeEngine(h.feed, cfg)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	h.lifecycle = vault.NewLifecycleService(vault.LifecycleConfig{
		State:          h.state,
		Guard:          guard,
		Fees:           h.fees,
		Bank:           h.bank,
		FeeConfig:      cfg,
		Custody:        "custody",
		GasFeeReceiver: "gas-collector",
		SubFeeReceiver: "fee-collector",
		Logger:         logger,
		Now:            h.clock,
	})
	h.sweeper = vault.NewSweepService(vault.SweepConfig{
		State:     h.state,
		Guard:     guard,
		Bank:      h.bank,
		FeeConfig: cfg,
		Logger:    logger,
		Now:       h.clock,
	})
	return h
}

func (h *keeperHarness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *keeperHarness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *keeperHarness) expireAll() {
	cfg := vault.DefaultFeeConfig()
	h.advance(cfg.SubscriptionPeriod + cfg.GracePeriod + time.Second)
}

func (h *keeperHarness) server() *Server {
	return NewServer(h.lifecycle, h.sweeper, h.state, h.fees, slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

const exactBaseFee = "123000000000000000000"
