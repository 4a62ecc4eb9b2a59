package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marius311/muse-go/pkg/errors"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs, err := NewFileStore(filepath.Join(dir, "ckpts"))
	require.NoError(t, err)

	ss, err := NewSQLiteStore(filepath.Join(dir, "ckpts.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		fs.Close()
		ss.Close()
	})
	return map[string]Store{"file": fs, "sqlite": ss}
}

func snap(runID string, iteration int) *Snapshot {
	return &Snapshot{
		RunID:     runID,
		Iteration: iteration,
		Theta:     []float64{1.5, -0.25},
		Elapsed:   3 * time.Second,
		CreatedAt: time.Now(),
		State:     []byte("solver-state-" + runID),
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := snap("run-a", 1)
			require.NoError(t, store.Save(ctx, in))

			out, err := store.Load(ctx, "run-a")
			require.NoError(t, err)
			assert.Equal(t, in.RunID, out.RunID)
			assert.Equal(t, in.Iteration, out.Iteration)
			assert.Equal(t, in.Theta, out.Theta)
			assert.Equal(t, in.Elapsed, out.Elapsed)
			assert.Equal(t, in.State, out.State)
		})
	}
}

func TestLoadReturnsNewestIteration(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for it := 1; it <= 3; it++ {
				require.NoError(t, store.Save(ctx, snap("run-a", it)))
			}

			out, err := store.Load(ctx, "run-a")
			require.NoError(t, err)
			assert.Equal(t, 3, out.Iteration)
		})
	}
}

func TestLoadMissingRun(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(context.Background(), "no-such-run")
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CheckpointFailed))
		})
	}
}

func TestLatest(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, snap("run-a", 1)))
			time.Sleep(10 * time.Millisecond)
			require.NoError(t, store.Save(ctx, snap("run-b", 1)))

			out, err := store.Latest(ctx)
			require.NoError(t, err)
			assert.Equal(t, "run-b", out.RunID)
		})
	}
}

func TestLatestEmptyStore(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Latest(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CheckpointFailed))
		})
	}
}

func TestSaveRejectsEmptyRunID(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Save(context.Background(), &Snapshot{})
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.InvalidInput))
		})
	}
}

func TestSaveOverwritesSameIteration(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := snap("run-a", 1)
			require.NoError(t, store.Save(ctx, first))

			second := snap("run-a", 1)
			second.Theta = []float64{9, 9}
			require.NoError(t, store.Save(ctx, second))

			out, err := store.Load(ctx, "run-a")
			require.NoError(t, err)
			assert.Equal(t, []float64{9, 9}, out.Theta)
		})
	}
}

func TestSQLiteIterations(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ckpts.db"))
	require.NoError(t, err)
	defer store.Close()

	for it := 1; it <= 3; it++ {
		require.NoError(t, store.Save(ctx, snap("run-a", it)))
	}
	require.NoError(t, store.Save(ctx, snap("run-b", 1)))

	iters, err := store.Iterations(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, iters)
}

func TestSQLiteLoadIteration(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ckpts.db"))
	require.NoError(t, err)
	defer store.Close()

	for it := 1; it <= 3; it++ {
		require.NoError(t, store.Save(ctx, snap("run-a", it)))
	}

	out, err := store.LoadIteration(ctx, "run-a", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Iteration)

	_, err = store.LoadIteration(ctx, "run-a", 99)
	require.Error(t, err)
}

func TestFileStoreCanceledContext(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "ckpts"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = store.Save(ctx, snap("run-a", 1))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.Canceled))
}

func TestFileStoreRejectsEmptyDir(t *testing.T) {
	_, err := NewFileStore("")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.InvalidInput))
}
