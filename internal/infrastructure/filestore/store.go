// Package filestore persists the pending verification snapshot as a local
// JSON file.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-join-verify/internal/domain"
	"github.com/go-join-verify/internal/pkg/logger"
)

// Store reads and writes the snapshot file. Saves are serialized.
type Store struct {
	path string
	log  logger.Logger
	mu   sync.Mutex
}

func NewStore(path string, log logger.Logger) *Store {
	return &Store{path: path, log: log}
}

// Load returns the persisted snapshot. A missing file yields an empty
// snapshot; a corrupt one is logged and also yields an empty snapshot.
func (s *Store) Load(_ context.Context) (domain.Snapshot, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Snapshot{}, nil
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read state file: %w", err)
	}
	snap, err := Decode(b)
	if err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("state file is corrupt, starting empty")
		return domain.Snapshot{}, nil
	}
	return snap, nil
}

// Save replaces the snapshot file atomically: the data goes to a temp file
// in the same directory which is synced and renamed over the target.
func (s *Store) Save(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := Encode(snap)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Encode renders a snapshot in the on-disk JSON format.
func Encode(snap domain.Snapshot) ([]byte, error) {
	if snap == nil {
		snap = domain.Snapshot{}
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return b, nil
}

// Decode parses the on-disk JSON format. Record user ids are filled from
// the map keys.
func Decode(b []byte) (domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap == nil {
		snap = domain.Snapshot{}
	}
	for uid, rec := range snap {
		rec.UserID = uid
		snap[uid] = rec
	}
	return snap, nil
}
