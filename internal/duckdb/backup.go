package duckdb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

var (
	// ErrInMemoryStore indicates the mirror has no backing file to snapshot.
	ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")
	// ErrSnapshotOntoSelf is returned when the snapshot target is the live database file.
	ErrSnapshotOntoSelf = errors.New("duckdb: snapshot target is the live database")
)

// Path returns the database file path. Empty means in-memory.
func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbPath
}

func (s *Store) describe() string {
	if s.dbPath == "" {
		return ":memory:"
	}
	return s.dbPath
}

// SnapshotTo writes a copy of the mirror database to dstPath. The store lock
// is held from CHECKPOINT until the copy is renamed into place, so no column
// is added and no batch is inserted mid-copy: the snapshot's metric_columns
// always matches its measurements table.
func (s *Store) SnapshotTo(dstPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dbPath == "" {
		return ErrInMemoryStore
	}
	if same, err := samePath(s.dbPath, dstPath); err != nil {
		return err
	} else if same {
		return fmt.Errorf("%w: %s", ErrSnapshotOntoSelf, dstPath)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	if _, err := s.db.Exec("CHECKPOINT"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	n, err := copyFileAtomic(s.dbPath, dstPath)
	if err != nil {
		return fmt.Errorf("copy duckdb file: %w", err)
	}

	s.logger.Debug("mirror snapshot written",
		zap.String("path", dstPath),
		zap.Int64("bytes", n),
		zap.Int("metric_columns", len(s.metrics)))
	return nil
}

func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return absA == absB, nil
}

// copyFileAtomic copies src into a temp file next to dst, syncs it and
// renames it over dst. It returns the number of bytes copied.
func copyFileAtomic(srcPath, dstPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.CreateTemp(filepath.Dir(dstPath), filepath.Base(dstPath)+".*.tmp")
	if err != nil {
		return 0, err
	}
	tmp := dst.Name()
	fail := func(err error) (int64, error) {
		dst.Close()
		_ = os.Remove(tmp)
		return 0, err
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		return fail(err)
	}
	if err := dst.Sync(); err != nil {
		return fail(err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, nil
}
