package keeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/legacyvault/vault-processor/utils"
	"github.com/legacyvault/vault-processor/vault"
)

// Worker is the in-process rendering of the external automation network: it
// runs the check-then-perform protocol on a fixed interval. The HTTP keeper
// endpoints stay open alongside it, so an external keeper can drive the same
// entry points.
type Worker struct {
	sweeper  *vault.SweepService
	interval time.Duration
	logger   *slog.Logger
}

func NewWorker(sweeper *vault.SweepService, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With("component", "keeper"),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("keeper worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	checkResult := w.sweeper.CheckUpkeep(ctx, nil)
	if checkResult.Failure() {
		w.logger.Error("upkeep check failed", slog.String("error", checkResult.ErrorMsg()))
		utils.CaptureErrorResult(checkResult)
		return
	}

	check := checkResult.Value()
	if !check.Needed {
		return
	}

	performResult := w.sweeper.PerformUpkeep(ctx, check.Payload)
	if performResult.Failure() {
		w.logger.Error("upkeep perform failed", slog.String("error", performResult.ErrorMsg()))
		if performResult.IsCapturable() {
			utils.CaptureErrorResult(performResult)
		}
		return
	}

	w.logger.Info("swept expired subscriptions",
		slog.Int("count", len(performResult.Value())))
}
