package checkpoint

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marius311/muse-go/pkg/errors"
)

// SQLiteStore keeps one row per (run, iteration), so the whole trajectory of
// a run stays inspectable after the fact.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and prepares the
// schema. WAL mode keeps saves cheap while a reader inspects the file.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New(errors.InvalidInput, "checkpoint database path is empty")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "open checkpoint database")
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(err, errors.CheckpointFailed, "set pragma")
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id     TEXT NOT NULL,
		iteration  INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		snapshot   BLOB NOT NULL,
		PRIMARY KEY (run_id, iteration)
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CheckpointFailed, "initialize schema")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.RunID == "" {
		return errors.New(errors.InvalidInput, "snapshot has no run ID")
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return errors.Wrap(err, errors.CheckpointFailed, "encode snapshot")
	}

	query := `
	INSERT OR REPLACE INTO checkpoints (run_id, iteration, created_at, snapshot)
	VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, snap.RunID, snap.Iteration, time.Now().UnixNano(), buf.Bytes()); err != nil {
		return errors.Wrap(err, errors.CheckpointFailed, "save checkpoint")
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, runID string) (*Snapshot, error) {
	query := `
	SELECT snapshot FROM checkpoints
	WHERE run_id = ?
	ORDER BY iteration DESC
	LIMIT 1
	`
	return s.queryOne(ctx, query, runID)
}

// LoadIteration returns the snapshot a specific iteration of a run was saved
// with, enabling a rewind to an earlier point of the trajectory.
func (s *SQLiteStore) LoadIteration(ctx context.Context, runID string, iteration int) (*Snapshot, error) {
	query := `
	SELECT snapshot FROM checkpoints
	WHERE run_id = ? AND iteration = ?
	`
	return s.queryOne(ctx, query, runID, iteration)
}

func (s *SQLiteStore) Latest(ctx context.Context) (*Snapshot, error) {
	query := `
	SELECT snapshot FROM checkpoints
	ORDER BY created_at DESC, iteration DESC
	LIMIT 1
	`
	return s.queryOne(ctx, query)
}

// Iterations lists the saved iteration numbers for a run in ascending order.
func (s *SQLiteStore) Iterations(ctx context.Context, runID string) ([]int, error) {
	query := `
	SELECT iteration FROM checkpoints
	WHERE run_id = ?
	ORDER BY iteration ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "list iterations")
	}
	defer rows.Close()

	var iters []int
	for rows.Next() {
		var it int
		if err := rows.Scan(&it); err != nil {
			return nil, errors.Wrap(err, errors.CheckpointFailed, "scan iteration")
		}
		iters = append(iters, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "list iterations")
	}
	return iters, nil
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (*Snapshot, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CheckpointFailed, "no checkpoints found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "load checkpoint")
	}
	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&snap); err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "decode checkpoint")
	}
	return &snap, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
