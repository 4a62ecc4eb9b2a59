package checkpoint

import (
	"bytes"
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"strings"

	"github.com/marius311/muse-go/pkg/errors"
)

const fileExt = ".muse"

// FileStore keeps one snapshot file per run under a directory, overwriting it
// on every save so the file always holds the newest iteration. Writes go
// through a temp file and an atomic rename; a crash mid-save leaves the
// previous snapshot intact.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store rooted at
// it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New(errors.InvalidInput, "checkpoint directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "create checkpoint directory")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, runID+fileExt)
}

func (s *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := errors.CheckContext(ctx, "checkpoint save"); err != nil {
		return err
	}
	if snap == nil || snap.RunID == "" {
		return errors.New(errors.InvalidInput, "snapshot has no run ID")
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return errors.Wrap(err, errors.CheckpointFailed, "encode snapshot")
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+snap.RunID+"-*")
	if err != nil {
		return errors.Wrap(err, errors.CheckpointFailed, "create temp checkpoint")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, errors.CheckpointFailed, "write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.CheckpointFailed, "close checkpoint")
	}
	if err := os.Rename(tmpName, s.path(snap.RunID)); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.CheckpointFailed, "commit checkpoint")
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, runID string) (*Snapshot, error) {
	if err := errors.CheckContext(ctx, "checkpoint load"); err != nil {
		return nil, err
	}
	return s.read(s.path(runID))
}

func (s *FileStore) Latest(ctx context.Context) (*Snapshot, error) {
	if err := errors.CheckContext(ctx, "checkpoint load"); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "list checkpoints")
	}
	var newest string
	var newestMod int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = e.Name()
			newestMod = mod
		}
	}
	if newest == "" {
		return nil, errors.New(errors.CheckpointFailed, "no checkpoints found")
	}
	return s.read(filepath.Join(s.dir, newest))
}

func (s *FileStore) read(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.CheckpointFailed, "checkpoint not found")
		}
		return nil, errors.Wrap(err, errors.CheckpointFailed, "read checkpoint")
	}
	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, errors.Wrap(err, errors.CheckpointFailed, "decode checkpoint")
	}
	return &snap, nil
}

func (s *FileStore) Close() error { return nil }
