package csvsink

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tinytelemetry/kpmsink/internal/model"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// ErrNoHeader is returned by ReadHeader when the sink file holds no records.
var ErrNoHeader = errors.New("csvsink: sink has no header row")

// Sink is a CSV file holding one header row followed by append-only data rows.
// Data rows are never rewritten; only the header line may be replaced.
type Sink struct {
	mu   sync.Mutex
	path string
}

// Open prepares a sink at path. The file itself is created by the first
// WriteHeader call.
func Open(path string) (*Sink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("csvsink: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("csvsink: mkdir: %w", err)
	}
	return &Sink{path: path}, nil
}

// Path returns the sink file location.
func (s *Sink) Path() string { return s.path }

// Name identifies the sink in backup artifacts.
func (s *Sink) Name() string { return "csv" }

// Exists reports whether the sink file is present.
func (s *Sink) Exists() (bool, error) {
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("csvsink: stat: %w", err)
}

// ReadHeader returns the first row of the sink.
func (s *Sink) ReadHeader() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("csvsink: open for header: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoHeader
		}
		return nil, fmt.Errorf("csvsink: read header: %w", err)
	}
	return header, nil
}

// WriteHeader creates the sink with columns as its header, or replaces the
// header of an existing sink. Data rows are carried over byte-for-byte and
// the new file atomically replaces the old one.
func (s *Sink) WriteHeader(columns []string) error {
	if len(columns) == 0 {
		return errors.New("csvsink: empty header")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := os.Open(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("csvsink: open source for header rewrite: %w", err)
	}
	if src != nil {
		defer src.Close()
	}

	tmpPath := s.path + ".tmp"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("csvsink: open header tmp: %w", err)
	}
	fail := func(step string, err error) error {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("csvsink: %s: %w", step, err)
	}

	w := csv.NewWriter(dst)
	if err := w.Write(columns); err != nil {
		return fail("write header", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fail("flush header", err)
	}

	if src != nil {
		offset, err := headerEnd(src)
		if err != nil {
			return fail("locate body", err)
		}
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			return fail("seek body", err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			return fail("copy body", err)
		}
	}

	if err := dst.Sync(); err != nil {
		return fail("sync header tmp", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("csvsink: close header tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("csvsink: rename header tmp: %w", err)
	}
	return nil
}

// AppendRow appends one record. The sink must already exist.
func (s *Sink) AppendRow(row model.Row) error {
	record := make([]string, len(row.Values))
	for i, v := range row.Values {
		record[i] = FormatValue(v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("csvsink: open for append: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(record); err != nil {
		_ = f.Close()
		return fmt.Errorf("csvsink: write row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("csvsink: flush row: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("csvsink: sync row: %w", err)
	}
	return f.Close()
}

// ReadAll returns every row of the sink including the header.
func (s *Sink) ReadAll() ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("csvsink: open for read: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csvsink: read rows: %w", err)
	}
	return rows, nil
}

// headerEnd returns the byte offset where the data rows of f begin.
func headerEnd(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err == nil {
		return r.InputOffset(), nil
	} else if errors.Is(err, io.EOF) {
		return 0, nil
	}

	// Unparseable header: drop everything up to the first line break.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	return int64(len(line)), nil
}
