package schema

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinytelemetry/kpmsink/internal/model"
	"go.uber.org/zap"
)

// Registry owns the ordered, append-only column list of a sink. Columns are
// never removed or reordered; unseen metric names are appended in the order
// they are first reported.
//
// Reconcile is not safe for concurrent use on its own: callers serialise it
// together with the row append that follows it. Columns may be read
// concurrently at any time.
type Registry struct {
	store  model.HeaderStore
	logger *zap.Logger

	mu      sync.RWMutex
	columns []string
	index   map[string]int
}

// NewRegistry creates a registry backed by store. Call Initialize before use.
func NewRegistry(store model.HeaderStore, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		store:  store,
		logger: logger.Named("schema"),
	}
	r.setColumns(model.FixedColumns())
	return r
}

// Initialize creates the sink with the fixed header when absent, or adopts the
// header already persisted by a previous run. A sink whose header is unusable
// is reinitialised with the fixed header.
func (r *Registry) Initialize() error {
	exists, err := r.store.Exists()
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrStorageFault, err)
	}
	if !exists {
		return r.persist(model.FixedColumns())
	}

	header, err := r.load()
	if err != nil {
		if !errors.Is(err, model.ErrSchemaDesync) {
			return err
		}
		r.logger.Warn("persisted header unusable, reinitialising", zap.Error(err))
		return r.persist(model.FixedColumns())
	}

	r.setColumns(header)
	r.logger.Info("adopted persisted header", zap.Int("columns", len(header)))
	return nil
}

// Reconcile appends the names not yet in the schema, in the given order, and
// persists the whole header before returning true. The in-memory schema only
// changes once the header is on disk.
func (r *Registry) Reconcile(names []string) (bool, error) {
	exists, err := r.store.Exists()
	if err != nil {
		return false, fmt.Errorf("%w: %w", model.ErrStorageFault, err)
	}

	current := r.Columns()
	next := current
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if r.has(name) {
			continue
		}
		if len(next) == len(current) {
			next = append(make([]string, 0, len(current)+len(names)), current...)
		}
		next = append(next, name)
	}
	changed := len(next) > len(current)

	if !exists {
		r.logger.Warn("sink missing, recreating with current header", zap.Int("columns", len(next)))
	} else if !changed {
		return false, nil
	}

	if err := r.persist(next); err != nil {
		return false, err
	}
	if changed {
		r.logger.Info("schema grew",
			zap.Strings("added", next[len(current):]),
			zap.Int("columns", len(next)))
	}
	return changed, nil
}

// Columns returns a copy of the current schema.
func (r *Registry) Columns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.columns))
	copy(out, r.columns)
	return out
}

// MetricColumns returns the columns after the fixed Timestamp and EntityID.
func (r *Registry) MetricColumns() []string {
	return r.Columns()[len(model.FixedColumns()):]
}

// Len returns the number of columns.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.columns)
}

func (r *Registry) has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[name]
	return ok
}

func (r *Registry) persist(columns []string) error {
	if err := r.store.WriteHeader(columns); err != nil {
		return fmt.Errorf("%w: write header: %w", model.ErrStorageFault, err)
	}
	r.setColumns(columns)
	return nil
}

func (r *Registry) setColumns(columns []string) {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		index[c] = i
	}
	r.mu.Lock()
	r.columns = columns
	r.index = index
	r.mu.Unlock()
}

// load reads and validates the persisted header.
func (r *Registry) load() ([]string, error) {
	header, err := r.store.ReadHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSchemaDesync, err)
	}
	if err := validateHeader(header); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSchemaDesync, err)
	}
	return header, nil
}

func validateHeader(header []string) error {
	fixed := model.FixedColumns()
	if len(header) < len(fixed) {
		return fmt.Errorf("header has %d columns, want at least %d", len(header), len(fixed))
	}
	for i, name := range fixed {
		if header[i] != name {
			return fmt.Errorf("header column %d is %q, want %q", i, header[i], name)
		}
	}
	seen := make(map[string]struct{}, len(header))
	for _, name := range header {
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate header column %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
