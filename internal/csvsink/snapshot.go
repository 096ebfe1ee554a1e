package csvsink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SnapshotTo copies the sink file to dstPath. Appends and header rewrites
// are held off for the duration of the copy.
func (s *Sink) SnapshotTo(dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), defaultDirMode); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := copyFile(s.path, dstPath); err != nil {
		return fmt.Errorf("copy csv sink: %w", err)
	}
	return nil
}

func copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dstPath)
}
