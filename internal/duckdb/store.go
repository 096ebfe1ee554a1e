package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/tinytelemetry/kpmsink/internal/duckdb/migrate"
	"go.uber.org/zap"
)

// MeasurementsTable holds one row per persisted sink row.
const MeasurementsTable = "measurements"

// Store mirrors sink rows into DuckDB for ad-hoc SQL.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	logger       *zap.Logger
	QueryTimeout time.Duration

	// metric columns in creation order, and lower-cased name -> column
	metrics []string
	known   map[string]string
}

// Option configures a Store.
type Option func(*Store)

// WithQueryTimeout bounds every query issued by the store.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.QueryTimeout = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore opens or creates a DuckDB database and applies pending migrations.
// If dbPath is empty, an in-memory database is used.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:           db,
		dbPath:       dbPath,
		logger:       zap.NewNop(),
		QueryTimeout: 30 * time.Second,
		known:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("duckdb")

	if _, err := migrate.NewRunner(db, migrate.WithLogger(s.logger)).Run(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", s.describe(), err)
	}
	if err := s.loadMetricColumns(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metric columns: %w", err)
	}
	return s, nil
}

func (s *Store) loadMetricColumns() error {
	rows, err := s.db.Query("SELECT name FROM metric_columns ORDER BY position")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		s.metrics = append(s.metrics, name)
		s.known[strings.ToLower(name)] = name
	}
	return rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Name identifies the store as a backup source.
func (s *Store) Name() string { return "duckdb" }
