package duckdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/tinytelemetry/kpmsink/internal/model"
	"go.uber.org/zap"
)

// quoteIdent quotes a column name so metric names such as "DRB.UEThpDl" can
// be used verbatim.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// MetricColumns returns the mirrored metric columns in creation order.
func (s *Store) MetricColumns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.metrics...)
}

// EnsureColumns adds a DOUBLE column for every metric name not mirrored yet.
func (s *Store) EnsureColumns(names []string) error {
	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureColumnsLocked(ctx, names)
}

func (s *Store) ensureColumnsLocked(ctx context.Context, names []string) error {
	var added []string
	pending := make(map[string]bool)
	for _, name := range names {
		key := strings.ToLower(name)
		if isFixedColumn(name) || pending[key] {
			continue
		}
		if _, ok := s.known[key]; ok {
			continue
		}
		pending[key] = true
		added = append(added, name)
	}
	if len(added) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	for i, name := range added {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s DOUBLE", MeasurementsTable, quoteIdent(name))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %q: %w", name, err)
		}
		pos := len(s.metrics) + i + 1
		if _, err := tx.ExecContext(ctx, "INSERT INTO metric_columns (position, name) VALUES (?, ?)", pos, name); err != nil {
			return fmt.Errorf("record column %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	for _, name := range added {
		s.metrics = append(s.metrics, name)
		s.known[strings.ToLower(name)] = name
	}
	s.logger.Info("mirror columns added", zap.Strings("columns", added))
	return nil
}

func isFixedColumn(name string) bool {
	for _, c := range model.FixedColumns() {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// mirrorColumns returns the row's insertable column indexes. A metric whose
// name differs only by case from an existing column is not mirrored, since
// DuckDB identifiers are case-insensitive.
func (s *Store) mirrorColumns(row model.Row) []int {
	idx := make([]int, 0, len(row.Columns))
	for i, col := range row.Columns {
		if i >= len(row.Values) {
			break
		}
		if i < 2 {
			idx = append(idx, i)
			continue
		}
		if canonical, ok := s.known[strings.ToLower(col)]; ok && canonical == col {
			idx = append(idx, i)
		}
	}
	return idx
}
