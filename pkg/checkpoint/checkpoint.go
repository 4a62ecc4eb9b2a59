// Package checkpoint persists per-iteration snapshots of an estimation run so
// a process restart can resume from the last completed iteration.
//
// A Snapshot pairs a few indexable columns (run ID, iteration, theta) with an
// opaque State payload encoded by the solver. Two stores are provided:
// FileStore keeps the newest snapshot per run in a single file, SQLiteStore
// keeps one row per iteration and so retains the full trajectory.
package checkpoint

import (
	"context"
	"time"
)

// Snapshot is one persisted view of a run, written after a completed solver
// iteration. State carries the encoded solver state (history, scores, RNG);
// the remaining fields exist so stores and inspection tools can index and
// display snapshots without decoding State.
type Snapshot struct {
	RunID     string
	Iteration int
	Theta     []float64
	Elapsed   time.Duration
	CreatedAt time.Time
	State     []byte
}

// Store persists and retrieves snapshots.
type Store interface {
	// Save persists snap, replacing any snapshot with the same run ID and
	// iteration.
	Save(ctx context.Context, snap *Snapshot) error

	// Load returns the newest snapshot for the given run ID.
	Load(ctx context.Context, runID string) (*Snapshot, error)

	// Latest returns the most recently saved snapshot across all runs.
	Latest(ctx context.Context) (*Snapshot, error)

	Close() error
}
