package vault

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/legacyvault/vault-processor/utils"
)

// LifecycleService owns the mutating subscription operations: activate,
// renew, change-heir, deposit and withdraw. Every operation is atomic from
// the ledger's point of view: state effects are applied only after all
// validation passed, and are rolled back when an outbound transfer fails.
type LifecycleService struct {
	state          *State
	guard          *CallGuard
	fees           *FeeEngine
	bank           AssetBank
	events         EventSink
	mirror         Mirror
	cfg            FeeConfig
	custody        Address
	gasFeeReceiver Address
	subFeeReceiver Address
	logger         *slog.Logger
	now            func() time.Time
}

type LifecycleConfig struct {
	State          *State
	Guard          *CallGuard
	Fees           *FeeEngine
	Bank           AssetBank
	Events         EventSink
	Mirror         Mirror
	FeeConfig      FeeConfig
	Custody        Address
	GasFeeReceiver Address
	SubFeeReceiver Address
	Logger         *slog.Logger
	Now            func() time.Time
}

func NewLifecycleService(cfg LifecycleConfig) *LifecycleService {
	svc := &LifecycleService{
		state:          cfg.State,
		guard:          cfg.Guard,
		fees:           cfg.Fees,
		bank:           cfg.Bank,
		events:         cfg.Events,
		mirror:         cfg.Mirror,
		cfg:            cfg.FeeConfig,
		custody:        cfg.Custody,
		gasFeeReceiver: cfg.GasFeeReceiver,
		subFeeReceiver: cfg.SubFeeReceiver,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
	if svc.events == nil {
		svc.events = discardSink{}
	}
	if svc.logger == nil {
		svc.logger = slog.Default().With("component", "lifecycle")
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc
}

// failedOp wraps a vault error into a Result carrying its taxonomy code.
// Validation failures are the caller's fault: not retryable, not captured.
func failedOp[T any](err error) utils.Result[T] {
	result := utils.FailedResult[T](err).AddErrorDetails(ErrorCode(err), err.Error())
	if IsValidationError(err) {
		result = result.NonRetryable().NonCapturable()
	}
	return result
}

// Activate creates a fresh subscription for owner with the given heir,
// charging the fee in the requested asset. Overpaid base currency is refunded
// within the same call.
func (s *LifecycleService) Activate(ctx context.Context, owner, heir Address, asset Asset, payment *big.Int) utils.Result[*Subscription] {
	ctx, release, err := s.guard.Enter(ctx)
	if err != nil {
		return failedOp[*Subscription](err)
	}
	defer release()

	if heir == ZeroAddress {
		return failedOp[*Subscription](ErrInvalidHeir)
	}
	if !asset.IsBase() && !s.state.IsAllowedToken(asset) {
		return failedOp[*Subscription](ErrInvalidAsset)
	}

	plan, planErr := s.planFee(ctx, owner, asset, payment)
	if planErr != nil {
		return failedOp[*Subscription](planErr)
	}

	now := s.now()
	sub := s.state.Activate(owner, heir, now)

	if payErr := s.payFee(ctx, plan, owner, asset, sub.ID, now); payErr != nil {
		s.state.Discard(sub.ID)
		return failedOp[*Subscription](payErr)
	}

	s.events.Publish(ctx, Event{
		Kind:           EventSubscriptionActivated,
		SubscriptionID: sub.ID,
		Owner:          owner,
		Heir:           heir,
		Asset:          asset,
		Timestamp:      now,
	})
	s.mirrorSave(ctx, sub.ID)
	return utils.SuccessResult(sub)
}

// Renew restarts the subscription period, charging the same fee as
// activation. Only the owner can renew, and only before expiry.
func (s *LifecycleService) Renew(ctx context.Context, owner Address, asset Asset, id uint64, payment *big.Int) utils.Result[*Subscription] {
	ctx, release, err := s.guard.Enter(ctx)
	if err != nil {
		return failedOp[*Subscription](err)
	}
	defer release()

	sub, authErr := s.authorize(owner, id)
	if authErr != nil {
		return failedOp[*Subscription](authErr)
	}
	if !asset.IsBase() && !s.state.IsAllowedToken(asset) {
		return failedOp[*Subscription](ErrInvalidAsset)
	}

	plan, planErr := s.planFee(ctx, owner, asset, payment)
	if planErr != nil {
		return failedOp[*Subscription](planErr)
	}

	now := s.now()
	previous := sub.ActivatedAt
	s.state.SetActivatedAt(id, now)

	if payErr := s.payFee(ctx, plan, owner, asset, id, now); payErr != nil {
		s.state.SetActivatedAt(id, previous)
		return failedOp[*Subscription](payErr)
	}

	s.events.Publish(ctx, Event{
		Kind:           EventSubscriptionRenewed,
		SubscriptionID: id,
		Owner:          owner,
		Heir:           sub.Heir,
		Asset:          asset,
		Timestamp:      now,
	})
	s.mirrorSave(ctx, id)

	renewed, _ := s.state.Get(id)
	return utils.SuccessResult(renewed)
}

// ChangeHeir replaces the beneficiary of a live subscription.
func (s *LifecycleService) ChangeHeir(ctx context.Context, owner Address, id uint64, newHeir Address) utils.Result[*Subscription] {
	ctx, release, err := s.guard.Enter(ctx)
	if err != nil {
		return failedOp[*Subscription](err)
	}
	defer release()

	if newHeir == ZeroAddress {
		return failedOp[*Subscription](ErrInvalidHeir)
	}
	if _, authErr := s.authorize(owner, id); authErr != nil {
		return failedOp[*Subscription](authErr)
	}

	now := s.now()
	s.state.SetHeir(id, newHeir)

	s.events.Publish(ctx, Event{
		Kind:           EventHeirChanged,
		SubscriptionID: id,
		Owner:          owner,
		Heir:           newHeir,
		Timestamp:      now,
	})
	s.mirrorSave(ctx, id)

	changed, _ := s.state.Get(id)
	return utils.SuccessResult(changed)
}

// Deposit escrows base currency and/or allow-listed tokens into the
// subscription. Balances are credited before the token pulls; a failed pull
// rolls the whole deposit back and returns already-pulled tokens.
func (s *LifecycleService) Deposit(ctx context.Context, owner Address, id uint64, baseAmount *big.Int, tokens []Asset, amounts []*big.Int) utils.Result[*Subscription] {
	ctx, release, err := s.guard.Enter(ctx)
	if err != nil {
		return failedOp[*Subscription](err)
	}
	defer release()

	if len(tokens) != len(amounts) {
		return failedOp[*Subscription](ErrLengthMismatch)
	}
	if _, authErr := s.authorize(owner, id); authErr != nil {
		return failedOp[*Subscription](authErr)
	}

	base := amountOrZero(baseAmount)
	if base.Sign() < 0 {
		return failedOp[*Subscription](ErrInvalidAmount)
	}
	for i, token := range tokens {
		if !s.state.IsAllowedToken(token) {
			return failedOp[*Subscription](ErrInvalidAsset)
		}
		if amounts[i] == nil || amounts[i].Sign() <= 0 {
			return failedOp[*Subscription](ErrInvalidAmount)
		}
	}
	if base.Sign() == 0 && len(tokens) == 0 {
		return failedOp[*Subscription](ErrNoFunds)
	}

	now := s.now()
	s.state.Credit(id, base, tokens, amounts)

	for i, token := range tokens {
		if pullErr := s.bank.TransferFrom(ctx, token, owner, s.custody, amounts[i]); pullErr != nil {
			s.state.Debit(id, base, tokens, amounts)
			s.compensate(ctx, owner, tokens[:i], amounts[:i])
			return utils.FailedResult[*Subscription](pullErr).
				AddErrorDetails("transfer_failed", "token deposit transfer failed")
		}
	}

	if base.Sign() > 0 {
		s.events.Publish(ctx, Event{
			Kind:           EventFundsDeposited,
			SubscriptionID: id,
			Owner:          owner,
			Asset:          BaseAsset,
			Amount:         amountString(base),
			Timestamp:      now,
		})
	}
	for i, token := range tokens {
		s.events.Publish(ctx, Event{
			Kind:           EventFundsDeposited,
			SubscriptionID: id,
			Owner:          owner,
			Asset:          token,
			Amount:         amountString(amounts[i]),
			Timestamp:      now,
		})
	}
	s.events.Publish(ctx, Event{
		Kind:           EventDepositConsolidated,
		SubscriptionID: id,
		Owner:          owner,
		Amount:         amountString(base),
		Assets:         tokens,
		Amounts:        amountStrings(amounts),
		Timestamp:      now,
	})
	s.mirrorSave(ctx, id)

	deposited, _ := s.state.Get(id)
	return utils.SuccessResult(deposited)
}

// Withdraw returns escrowed assets to the owner. Balances are decremented
// before the outgoing transfers so a reentrant callback can never read stale
// balances; the untransferred remainder is re-credited if a transfer fails.
func (s *LifecycleService) Withdraw(ctx context.Context, owner Address, id uint64, baseAmount *big.Int, tokens []Asset, amounts []*big.Int) utils.Result[*Subscription] {
	ctx, release, err := s.guard.Enter(ctx)
	if err != nil {
		return failedOp[*Subscription](err)
	}
	defer release()

	if len(tokens) != len(amounts) {
		return failedOp[*Subscription](ErrLengthMismatch)
	}
	sub, authErr := s.authorize(owner, id)
	if authErr != nil {
		return failedOp[*Subscription](authErr)
	}

	base := amountOrZero(baseAmount)
	if base.Sign() < 0 {
		return failedOp[*Subscription](ErrInvalidAmount)
	}
	if base.Cmp(sub.BaseBalance) > 0 {
		return failedOp[*Subscription](ErrInsufficientBalance)
	}
	// Validate cumulatively against a scratch copy so a token repeated in the
	// request cannot overdraw its balance.
	for i, token := range tokens {
		balance, ok := sub.TokenBalances[token]
		if !ok {
			return failedOp[*Subscription](ErrTokenNotDeposited)
		}
		if amounts[i] == nil || amounts[i].Sign() <= 0 {
			return failedOp[*Subscription](ErrInvalidAmount)
		}
		if amounts[i].Cmp(balance) > 0 {
			return failedOp[*Subscription](ErrInsufficientBalance)
		}
		balance.Sub(balance, amounts[i])
	}

	now := s.now()
	s.state.Debit(id, base, tokens, amounts)

	if base.Sign() > 0 {
		if sendErr := s.bank.Transfer(ctx, BaseAsset, owner, base); sendErr != nil {
			s.state.Credit(id, base, tokens, amounts)
			return utils.FailedResult[*Subscription](sendErr).
				AddErrorDetails("transfer_failed", "base currency withdrawal transfer failed")
		}
	}
	for i, token := range tokens {
		if sendErr := s.bank.Transfer(ctx, token, owner, amounts[i]); sendErr != nil {
			s.state.Credit(id, nil, tokens[i:], amounts[i:])
			return utils.FailedResult[*Subscription](sendErr).
				AddErrorDetails("transfer_failed", "token withdrawal transfer failed")
		}
	}

	if base.Sign() > 0 {
		s.events.Publish(ctx, Event{
			Kind:           EventFundsWithdrawn,
			SubscriptionID: id,
			Owner:          owner,
			Asset:          BaseAsset,
			Amount:         amountString(base),
			Timestamp:      now,
		})
	}
	for i, token := range tokens {
		s.events.Publish(ctx, Event{
			Kind:           EventFundsWithdrawn,
			SubscriptionID: id,
			Owner:          owner,
			Asset:          token,
			Amount:         amountString(amounts[i]),
			Timestamp:      now,
		})
	}
	s.events.Publish(ctx, Event{
		Kind:           EventWithdrawalConsolidated,
		SubscriptionID: id,
		Owner:          owner,
		Amount:         amountString(base),
		Assets:         tokens,
		Amounts:        amountStrings(amounts),
		Timestamp:      now,
	})
	s.mirrorSave(ctx, id)

	withdrawn, _ := s.state.Get(id)
	return utils.SuccessResult(withdrawn)
}

// authorize resolves a mutating call against the lifecycle state machine:
// the id must exist and be active, belong to the caller, and sit within its
// period plus grace.
func (s *LifecycleService) authorize(owner Address, id uint64) (*Subscription, error) {
	sub, ok := s.state.Get(id)
	if !ok || !sub.Active {
		return nil, ErrInvalidID
	}
	if sub.Owner != owner {
		return nil, ErrUnauthorized
	}
	if s.cfg.Expired(sub.ActivatedAt, s.now()) {
		return nil, ErrExpired
	}
	return sub, nil
}

type feePlan struct {
	required  *big.Int
	gasFee    *big.Int
	remainder *big.Int
	refund    *big.Int
}

// planFee validates the payment and computes the transfer amounts without
// touching any state.
func (s *LifecycleService) planFee(ctx context.Context, owner Address, asset Asset, payment *big.Int) (*feePlan, error) {
	plan := &feePlan{}

	if asset.IsBase() {
		feeResult := s.fees.RequiredBaseFee()
		if feeResult.Failure() {
			return nil, feeResult.Error()
		}
		plan.required = feeResult.Value()

		paid := amountOrZero(payment)
		if paid.Cmp(plan.required) < 0 {
			return nil, ErrIncorrectFee
		}
		plan.refund = new(big.Int).Sub(paid, plan.required)
	} else {
		plan.required = s.fees.RequiredTokenFee()

		allowance, err := s.bank.Allowance(ctx, asset, owner)
		if err != nil {
			return nil, err
		}
		if allowance == nil || allowance.Cmp(plan.required) < 0 {
			return nil, ErrIncorrectFee
		}
	}

	plan.gasFee, plan.remainder = s.fees.SplitFee(plan.required)
	return plan, nil
}

// payFee forwards the split fee to the gas-fee and subscription-fee receivers
// and refunds any base currency excess, emitting one event per transfer.
func (s *LifecycleService) payFee(ctx context.Context, plan *feePlan, owner Address, asset Asset, id uint64, now time.Time) error {
	// a 0% or 100% gas fee leaves one side of the split empty; skip the
	// empty transfer rather than asking the bank to move nothing
	if asset.IsBase() {
		if plan.gasFee.Sign() > 0 {
			if err := s.bank.Transfer(ctx, BaseAsset, s.gasFeeReceiver, plan.gasFee); err != nil {
				return err
			}
		}
		if plan.remainder.Sign() > 0 {
			if err := s.bank.Transfer(ctx, BaseAsset, s.subFeeReceiver, plan.remainder); err != nil {
				return err
			}
		}
		if plan.refund.Sign() > 0 {
			if err := s.bank.Transfer(ctx, BaseAsset, owner, plan.refund); err != nil {
				return err
			}
		}
	} else {
		if plan.gasFee.Sign() > 0 {
			if err := s.bank.TransferFrom(ctx, asset, owner, s.gasFeeReceiver, plan.gasFee); err != nil {
				return err
			}
		}
		if plan.remainder.Sign() > 0 {
			if err := s.bank.TransferFrom(ctx, asset, owner, s.subFeeReceiver, plan.remainder); err != nil {
				return err
			}
		}
	}

	s.events.Publish(ctx, Event{
		Kind:           EventGasFeeTransferred,
		SubscriptionID: id,
		Owner:          owner,
		Receiver:       s.gasFeeReceiver,
		Asset:          asset,
		Amount:         amountString(plan.gasFee),
		Timestamp:      now,
	})
	s.events.Publish(ctx, Event{
		Kind:           EventSubscriptionFeePaid,
		SubscriptionID: id,
		Owner:          owner,
		Receiver:       s.subFeeReceiver,
		Asset:          asset,
		Amount:         amountString(plan.remainder),
		Timestamp:      now,
	})
	return nil
}

// compensate returns already-pulled deposit tokens after a later pull failed.
// Compensation is best effort: a failure here leaves custody holding assets
// the ledger no longer accounts for, which is captured for operators.
func (s *LifecycleService) compensate(ctx context.Context, owner Address, tokens []Asset, amounts []*big.Int) {
	for i, token := range tokens {
		if err := s.bank.Transfer(ctx, token, owner, amounts[i]); err != nil {
			s.logger.Error("failed to return pulled deposit",
				slog.String("token", string(token)),
				slog.String("owner", string(owner)),
				slog.String("error", err.Error()))
			utils.CaptureError(err)
		}
	}
}

func (s *LifecycleService) mirrorSave(ctx context.Context, id uint64) {
	if s.mirror == nil {
		return
	}
	sub, ok := s.state.Get(id)
	if !ok {
		return
	}
	if err := s.mirror.SaveSubscription(ctx, sub); err != nil {
		s.logger.Error("failed to mirror subscription",
			slog.Uint64("subscription_id", id),
			slog.String("error", err.Error()))
		utils.CaptureError(err)
	}
}
