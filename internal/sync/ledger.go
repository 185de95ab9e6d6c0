// Package sync is the incremental synchronization core: it decides what a
// source holds that the local tree lacks, materializes it with provenance in
// the ledger and relays it to sinks exactly once.
package sync

import (
	"context"

	"github.com/chmdznr/oss-study-sync/pkg/models"
)

// Ledger is the subset of the sync ledger the core reads and writes.
// *db.DB implements it.
type Ledger interface {
	RecordFile(ctx context.Context, f models.File) error
	RecordFetch(ctx context.Context, pull models.Pull, files ...models.File) (bool, error)
	RecordPush(ctx context.Context, p models.Push) (bool, error)
	PushExists(ctx context.Context, sinkID, path, hash string) (bool, error)
	FindPush(ctx context.Context, sinkID, path, hash string) (*models.Push, error)
	LatestFile(ctx context.Context, path string) (*models.File, error)
	PullsFor(ctx context.Context, scope models.Scope) ([]models.Pull, error)
	CountPulls(ctx context.Context, scope models.Scope) (int64, error)
}
