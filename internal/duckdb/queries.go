package duckdb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// MaxQueryRows caps the rows returned by ExecuteQuery.
const MaxQueryRows = 1000

// ErrQueryRejected is returned for queries that are not a single read-only statement.
var ErrQueryRejected = errors.New("duckdb: query rejected")

// dangerousKeywordPattern matches write/admin keywords at word boundaries, so
// "RESET" does not match "SET".
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET|CHECKPOINT)\b`,
)

var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// stringLiteralPattern matches single-quoted literals and double-quoted
// identifiers, so metric names like "DRB.RlcSduDelayDl" never trip the
// keyword check.
var stringLiteralPattern = regexp.MustCompile(`'(?:[^']|'')*'|"(?:[^"]|"")*"`)

// fileFunctionPattern matches DuckDB table and scalar functions that read
// local files, remote objects, or process state.
var fileFunctionPattern = regexp.MustCompile(
	`(?i)\b(read_\w+|\w+_scan|glob|sniff_csv|parquet_\w+|getenv|duckdb_secrets|query_table)\s*\(`,
)

// fileReferencePattern matches a quoted name used directly as a table, which
// DuckDB resolves as a file path ("FROM 'data.csv'").
var fileReferencePattern = regexp.MustCompile(
	`(?i)\b(?:FROM|JOIN)\s+('(?:[^']|'')*'|"(?:[^"]|"")*")`,
)

// stripSQLComments removes -- line comments and /* */ block comments from a query.
func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var result strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		result.WriteString(line)
		result.WriteByte('\n')
	}
	return result.String()
}

func (s *Store) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.QueryTimeout)
}

func validateReadOnly(query string) error {
	if strings.Contains(query, ";") {
		return fmt.Errorf("%w: query must not contain semicolons", ErrQueryRejected)
	}
	stripped := strings.TrimSpace(stripSQLComments(query))
	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("%w: only SELECT/WITH queries are allowed", ErrQueryRejected)
	}
	for _, m := range fileReferencePattern.FindAllStringSubmatch(stripped, -1) {
		if m[1][0] == '\'' || strings.ContainsAny(m[1], "./\\:*") {
			return fmt.Errorf("%w: file reference %s", ErrQueryRejected, m[1])
		}
	}
	bare := stringLiteralPattern.ReplaceAllString(stripped, "''")
	if match := dangerousKeywordPattern.FindString(bare); match != "" {
		return fmt.Errorf("%w: disallowed keyword %s", ErrQueryRejected, strings.ToUpper(match))
	}
	if match := fileFunctionPattern.FindStringSubmatch(bare); match != nil {
		return fmt.Errorf("%w: disallowed function %s", ErrQueryRejected, strings.ToLower(match[1]))
	}
	return nil
}

// ExecuteQuery runs a read-only SQL query and returns up to MaxQueryRows rows
// as maps keyed by column name.
func (s *Store) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(query)
	if err := validateReadOnly(trimmed); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := make([]map[string]interface{}, 0)
	for rows.Next() && len(results) < MaxQueryRows {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			s.logger.Warn("scan failed", zap.Error(err))
			continue
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// GetSchemaDescription describes the mirror tables, including the metric
// columns added so far.
func (s *Store) GetSchemaDescription() string {
	s.mu.RLock()
	metrics := append([]string(nil), s.metrics...)
	s.mu.RUnlock()

	var b strings.Builder
	b.WriteString(`Table 'measurements': "Timestamp" (VARCHAR, collection start time), "EntityID" (VARCHAR, NULL for aggregate reports)`)
	for _, m := range metrics {
		fmt.Fprintf(&b, ", %s (DOUBLE)", quoteIdent(m))
	}
	b.WriteString(". Table 'metric_columns': position (INTEGER), name (VARCHAR), added_at (TIMESTAMP).")
	return b.String()
}

// TableRowCounts returns the row count of each mirror table.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	tables := []string{MeasurementsTable, "metric_columns"}
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var count int64
		// table names are constants
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = count
	}
	return counts, nil
}

// TotalRowCount returns the number of mirrored measurement rows.
func (s *Store) TotalRowCount() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+MeasurementsTable).Scan(&count)
	return count, err
}
