package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// VersionTable records the migrations applied to a mirror database.
const VersionTable = "mirror_migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// ErrVersionConflict is returned when a recorded migration no longer matches
// the embedded set (renamed file, duplicate version, or a database written by
// a newer binary).
var ErrVersionConflict = errors.New("migration version conflict")

// Migration is one versioned SQL file, named NNN_description.sql.
type Migration struct {
	Version int
	Name    string
	sql     string
}

// Status describes the schema state of a mirror database.
type Status struct {
	Current int
	Latest  int
	Pending []string
}

// Runner applies the embedded mirror migrations.
type Runner struct {
	db     *sql.DB
	fsys   fs.FS
	logger *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger reports applied migrations to l.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// withFS swaps the migration source; tests use it to stage conflicting sets.
func withFS(fsys fs.FS) Option {
	return func(r *Runner) { r.fsys = fsys }
}

// NewRunner creates a migration runner for db.
func NewRunner(db *sql.DB, opts ...Option) *Runner {
	r := &Runner{db: db, fsys: embedded, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("migrate")
	return r
}

// Load returns the migrations in version order.
func (r *Runner) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(r.fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	var migs []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, found := strings.Cut(e.Name(), "_")
		if !found {
			continue
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil || ver <= 0 {
			return nil, fmt.Errorf("%w: bad version prefix in %s", ErrVersionConflict, e.Name())
		}
		data, err := fs.ReadFile(r.fsys, path.Join("migrations", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		migs = append(migs, Migration{Version: ver, Name: e.Name(), sql: string(data)})
	}

	slices.SortFunc(migs, func(a, b Migration) int { return a.Version - b.Version })
	for i := 1; i < len(migs); i++ {
		if migs[i].Version == migs[i-1].Version {
			return nil, fmt.Errorf("%w: %s and %s share version %d",
				ErrVersionConflict, migs[i-1].Name, migs[i].Name, migs[i].Version)
		}
	}
	return migs, nil
}

func (r *Runner) bootstrap(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+VersionTable+` (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`)
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", VersionTable, err)
	}
	return nil
}

// applied returns the recorded version → file name pairs.
func (r *Runner) applied(ctx context.Context) (map[int]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version, name FROM `+VersionTable)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", VersionTable, err)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var (
			ver  int
			name string
		)
		if err := rows.Scan(&ver, &name); err != nil {
			return nil, err
		}
		out[ver] = name
	}
	return out, rows.Err()
}

// plan checks the recorded history against migs and returns what is pending.
func plan(migs []Migration, done map[int]string) ([]Migration, int, error) {
	known := make(map[int]string, len(migs))
	for _, m := range migs {
		known[m.Version] = m.Name
	}

	current := 0
	for ver, name := range done {
		want, ok := known[ver]
		if !ok {
			return nil, 0, fmt.Errorf("%w: database has version %d (%s) unknown to this build",
				ErrVersionConflict, ver, name)
		}
		if want != name {
			return nil, 0, fmt.Errorf("%w: version %d recorded as %s, embedded as %s",
				ErrVersionConflict, ver, name, want)
		}
		current = max(current, ver)
	}

	var pending []Migration
	for _, m := range migs {
		if _, ok := done[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return pending, current, nil
}

// Run applies all pending migrations in order, each in its own transaction,
// and returns the ones it applied.
func (r *Runner) Run(ctx context.Context) ([]Migration, error) {
	if err := r.bootstrap(ctx); err != nil {
		return nil, err
	}
	migs, err := r.Load()
	if err != nil {
		return nil, err
	}
	done, err := r.applied(ctx)
	if err != nil {
		return nil, err
	}
	pending, current, err := plan(migs, done)
	if err != nil {
		return nil, err
	}

	var applied []Migration
	for _, m := range pending {
		if err := r.apply(ctx, m); err != nil {
			return applied, err
		}
		r.logger.Info("migration applied",
			zap.Int("version", m.Version),
			zap.String("name", m.Name),
			zap.Int("from", current))
		current = m.Version
		applied = append(applied, m)
	}
	if len(applied) == 0 {
		r.logger.Debug("mirror schema up to date", zap.Int("version", current))
	}
	return applied, nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", m.Name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("executing %s: %w", m.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+VersionTable+` (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return fmt.Errorf("recording %s: %w", m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", m.Name, err)
	}
	return nil
}

// Status reports the applied version, the latest embedded version and the
// names of pending migrations.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	if err := r.bootstrap(ctx); err != nil {
		return Status{}, err
	}
	migs, err := r.Load()
	if err != nil {
		return Status{}, err
	}
	done, err := r.applied(ctx)
	if err != nil {
		return Status{}, err
	}
	pending, current, err := plan(migs, done)
	if err != nil {
		return Status{}, err
	}

	st := Status{Current: current}
	if len(migs) > 0 {
		st.Latest = migs[len(migs)-1].Version
	}
	for _, m := range pending {
		st.Pending = append(st.Pending, m.Name)
	}
	return st, nil
}
