package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/chmdznr/oss-study-sync/pkg/errors"
	"github.com/chmdznr/oss-study-sync/pkg/models"
)

// TransferFunc uploads f to the sink named sinkID and returns the
// destination metadata to record with the push.
type TransferFunc func(ctx context.Context, f models.File, sinkID string) (models.Metadata, error)

// Gate makes delivery to a sink idempotent through the ledger.
type Gate struct {
	ledger Ledger
}

// NewGate returns a gate over ledger.
func NewGate(ledger Ledger) *Gate {
	return &Gate{ledger: ledger}
}

// Deliver pushes f to sinkID unless the ledger already records that push, in
// which case it returns the recorded push and false without calling
// transfer. Otherwise transfer is called exactly once; on success the push
// is recorded and returned with true. A failed transfer records nothing.
func (g *Gate) Deliver(ctx context.Context, f models.File, sinkID string, transfer TransferFunc) (*models.Push, bool, error) {
	if f.IsTombstone() {
		return nil, false, fmt.Errorf("deliver %s: file is a tombstone: %w", f.Path, errors.ErrInvalidArgument)
	}

	exists, err := g.ledger.PushExists(ctx, sinkID, f.Path, f.Hash)
	if err != nil {
		return nil, false, err
	}
	if exists {
		push, err := g.ledger.FindPush(ctx, sinkID, f.Path, f.Hash)
		if err != nil {
			return nil, false, err
		}
		return push, false, nil
	}

	start := time.Now()
	meta, err := transfer(ctx, f, sinkID)
	if err != nil {
		return nil, false, fmt.Errorf("deliver %s to %s: %w", f.Path, sinkID, errors.Mark(err, errors.ErrDeliveryFailure))
	}
	push := &models.Push{
		SinkID:   sinkID,
		FilePath: f.Path,
		FileHash: f.Hash,
		Duration: time.Since(start),
		Metadata: meta,
	}
	if _, err := g.ledger.RecordPush(ctx, *push); err != nil {
		return nil, true, err
	}
	return push, true, nil
}
