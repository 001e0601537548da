// Package settlement finalizes verified payments and records the outcome.
// Verification and settlement are deliberately distinct steps: verification
// confirms intent without moving funds, so a mint simulation can run between
// them and a doomed mint never charges the user.
package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/geoplet/geoplet-mint/internal/payment"
)

// RecordWriter is the slice of status.Store the coordinator needs.
type RecordWriter interface {
	UpsertSettled(ctx context.Context, fid int64, txHash, attemptID string) error
}

// Coordinator drives the settle-then-record sequence. A PaymentRecord is
// written only after the settler confirms fund movement, so the status store
// never claims a settlement that did not happen.
type Coordinator struct {
	settler payment.Settler
	store   RecordWriter
	log     *zap.Logger
}

func NewCoordinator(settler payment.Settler, store RecordWriter, log *zap.Logger) *Coordinator {
	return &Coordinator{settler: settler, store: store, log: log}
}

// Settle makes exactly one settlement attempt for the payload. A definitive
// failure is terminal for this mint attempt (the user has not been charged
// and may retry from verification); it is never silently retried here.
func (c *Coordinator) Settle(ctx context.Context, fid int64, p *payment.Payload, reqs payment.Requirements) (*payment.SettlementResult, error) {
	attemptID := uuid.NewString()

	res, err := c.settler.Settle(ctx, p, reqs)
	if err != nil {
		return nil, fmt.Errorf("settle payment: %w", err)
	}
	if !res.Settled {
		c.log.Warn("settlement refused",
			zap.Int64("fid", fid),
			zap.String("reason", res.Reason),
		)
		return res, nil
	}

	if err := c.store.UpsertSettled(ctx, fid, res.TxHash, attemptID); err != nil {
		// Funds moved but the record write failed. Surface loudly: the
		// recovery path depends on this row existing.
		c.log.Error("settled but record write failed",
			zap.Int64("fid", fid),
			zap.String("tx", res.TxHash),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record settlement for fid %d: %w", fid, err)
	}

	c.log.Info("payment settled",
		zap.Int64("fid", fid),
		zap.String("tx", res.TxHash),
		zap.String("attempt", attemptID),
	)
	return res, nil
}
