package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/legacyvault/vault-processor/utils"
)

// SweepService implements the two-phase expiry automation protocol.
// CheckUpkeep is the pure detection scan, PerformUpkeep the effecting sweep.
// Both entry points are permissionless, matching the public keeper model.
type SweepService struct {
	state   *State
	guard   *CallGuard
	bank    AssetBank
	events  EventSink
	mirror  Mirror
	flagger Flagger
	cfg     FeeConfig
	logger  *slog.Logger
	now     func() time.Time
}

type SweepConfig struct {
	State     *State
	Guard     *CallGuard
	Bank      AssetBank
	Events    EventSink
	Mirror    Mirror
	Flagger   Flagger
	FeeConfig FeeConfig
	Logger    *slog.Logger
	Now       func() time.Time
}

func NewSweepService(cfg SweepConfig) *SweepService {
	svc := &SweepService{
		state:   cfg.State,
		guard:   cfg.Guard,
		bank:    cfg.Bank,
		events:  cfg.Events,
		mirror:  cfg.Mirror,
		flagger: cfg.Flagger,
		cfg:     cfg.FeeConfig,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if svc.events == nil {
		svc.events = discardSink{}
	}
	if svc.logger == nil {
		svc.logger = slog.Default().With("component", "sweeper")
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc
}

// UpkeepCheck is the detection phase verdict. Payload is the encoded expired
// id list handed back verbatim to PerformUpkeep, empty when nothing expired.
type UpkeepCheck struct {
	Needed  bool
	Payload []byte
}

type upkeepPayload struct {
	SubscriptionIDs []uint64 `json:"subscription_ids"`
}

// CheckUpkeep scans the active set for expired subscriptions. It mutates
// nothing and can be called arbitrarily often: identical state yields an
// identical verdict.
func (s *SweepService) CheckUpkeep(ctx context.Context, _ []byte) utils.Result[UpkeepCheck] {
	now := s.now()

	var expired []uint64
	for _, id := range s.state.ActiveIDs() {
		sub, ok := s.state.Get(id)
		if !ok || !sub.Active {
			continue
		}
		if s.cfg.Expired(sub.ActivatedAt, now) {
			expired = append(expired, id)
		}
	}

	if len(expired) == 0 {
		return utils.SuccessResult(UpkeepCheck{})
	}

	payload, err := json.Marshal(upkeepPayload{SubscriptionIDs: expired})
	if err != nil {
		return utils.FailedResult[UpkeepCheck](err)
	}
	return utils.SuccessResult(UpkeepCheck{Needed: true, Payload: payload})
}

// PerformUpkeep sweeps the subscriptions named in the payload: transfers each
// escrow to its heir, zeroes the balances, removes the id from the active set
// and deactivates the record. The payload is never trusted: every id is
// re-validated against the shared expiry predicate, and one stale id fails
// the whole batch with ErrInvalidID before anything is touched.
func (s *SweepService) PerformUpkeep(ctx context.Context, payload []byte) utils.Result[[]uint64] {
	ctx, release, err := s.guard.Enter(ctx)
	if err != nil {
		return failedOp[[]uint64](err)
	}
	defer release()

	var decoded upkeepPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return failedOp[[]uint64](fmt.Errorf("%w: undecodable payload", ErrInvalidID))
	}
	if len(decoded.SubscriptionIDs) == 0 {
		return failedOp[[]uint64](ErrInvalidID)
	}

	now := s.now()
	seen := make(map[uint64]struct{}, len(decoded.SubscriptionIDs))
	for _, id := range decoded.SubscriptionIDs {
		if _, dup := seen[id]; dup {
			return failedOp[[]uint64](ErrInvalidID)
		}
		seen[id] = struct{}{}

		sub, ok := s.state.Get(id)
		if !ok || !sub.Active || !s.cfg.Expired(sub.ActivatedAt, now) {
			return failedOp[[]uint64](ErrInvalidID)
		}
	}

	swept := make([]uint64, 0, len(decoded.SubscriptionIDs))
	for _, id := range decoded.SubscriptionIDs {
		if err := s.sweep(ctx, id, now); err != nil {
			return utils.FailedResult[[]uint64](err).
				AddErrorDetails("transfer_failed", "escrow transfer to heir failed")
		}
		swept = append(swept, id)
	}
	return utils.SuccessResult(swept)
}

// sweep deactivates one subscription and sends its full escrow to the heir.
// Balances are zeroed before the transfers; an untransferred remainder is
// restored if the bank fails mid-escrow.
func (s *SweepService) sweep(ctx context.Context, id uint64, now time.Time) error {
	escrow, ok := s.state.Deactivate(id)
	if !ok {
		return ErrInvalidID
	}

	if escrow.BaseBalance.Sign() > 0 {
		if err := s.bank.Transfer(ctx, BaseAsset, escrow.Heir, escrow.BaseBalance); err != nil {
			s.state.Reactivate(escrow)
			return err
		}
	}
	sent := make(map[Asset]struct{}, len(escrow.TokenBalances))
	for token, balance := range escrow.TokenBalances {
		if balance.Sign() == 0 {
			continue
		}
		if err := s.bank.Transfer(ctx, token, escrow.Heir, balance); err != nil {
			remaining := escrow.Copy()
			remaining.BaseBalance.SetInt64(0)
			for done := range sent {
				remaining.TokenBalances[done].SetInt64(0)
			}
			s.state.Reactivate(remaining)
			return err
		}
		sent[token] = struct{}{}
	}

	s.events.Publish(ctx, Event{
		Kind:           EventSubscriptionDeactivated,
		SubscriptionID: id,
		Owner:          escrow.Owner,
		Heir:           escrow.Heir,
		Timestamp:      now,
	})
	s.flag(escrow)
	s.mirrorSave(ctx, id)
	return nil
}

func (s *SweepService) flag(escrow *Subscription) {
	if s.flagger == nil {
		return
	}
	if err := s.flagger.Flag(fmt.Sprintf("%s:%d", escrow.Owner, escrow.ID)); err != nil {
		s.logger.Error("failed to flag swept subscription",
			slog.Uint64("subscription_id", escrow.ID),
			slog.String("error", err.Error()))
		utils.CaptureError(err)
	}
}

func (s *SweepService) mirrorSave(ctx context.Context, id uint64) {
	if s.mirror == nil {
		return
	}
	sub, ok := s.state.Get(id)
	if !ok {
		return
	}
	if err := s.mirror.SaveSubscription(ctx, sub); err != nil {
		s.logger.Error("failed to mirror swept subscription",
			slog.Uint64("subscription_id", id),
			slog.String("error", err.Error()))
		utils.CaptureError(err)
	}
}
