package record

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinytelemetry/kpmsink/internal/model"
	"github.com/tinytelemetry/kpmsink/internal/schema"
	"go.uber.org/zap"
)

// Writer appends measurement batches to the sink as rows aligned to the
// registry's schema. A single lock spans reconcile-then-append so a header
// rewrite never interleaves with a row append.
type Writer struct {
	mu       sync.Mutex
	registry *schema.Registry
	sink     model.RowAppender
	mirror   model.RowMirror
	logger   *zap.Logger

	written  atomic.Int64
	dropped  atomic.Int64
	shadowed atomic.Int64
}

// Option configures a Writer.
type Option func(*Writer)

// WithMirror forwards every persisted row to m.
func WithMirror(m model.RowMirror) Option {
	return func(w *Writer) { w.mirror = m }
}

// WithLogger sets the writer logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWriter creates a writer over an initialised registry and its sink.
func NewWriter(registry *schema.Registry, sink model.RowAppender, opts ...Option) *Writer {
	w := &Writer{
		registry: registry,
		sink:     sink,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("record")
	return w
}

// WriteRow reconciles the batch's metric names into the schema, projects the
// batch onto the resulting columns and appends it. A failed append is not
// retried; the row is counted as dropped.
func (w *Writer) WriteRow(batch model.MeasurementBatch) (model.Row, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	names, reserved := splitReserved(model.MetricNames(batch.Metrics))
	if len(reserved) > 0 {
		w.shadowed.Add(int64(len(reserved)))
		w.logger.Warn("metric named like a fixed column, value not written",
			zap.Strings("metrics", reserved),
			zap.String("timestamp", batch.Timestamp),
			zap.String("entity", batch.EntityID))
	}

	if _, err := w.registry.Reconcile(names); err != nil {
		w.dropped.Add(1)
		return model.Row{}, fmt.Errorf("reconcile columns: %w", err)
	}

	row := Project(w.registry.Columns(), batch)
	if err := w.sink.AppendRow(row); err != nil {
		w.dropped.Add(1)
		return model.Row{}, fmt.Errorf("%w: append row: %w", model.ErrStorageFault, err)
	}
	w.written.Add(1)

	if w.mirror != nil {
		w.mirror.Add(row)
	}
	return row, nil
}

// Written returns the number of rows appended since start.
func (w *Writer) Written() int64 { return w.written.Load() }

// Shadowed returns the number of metric values discarded because their name
// collides with Timestamp or EntityID.
func (w *Writer) Shadowed() int64 { return w.shadowed.Load() }

func splitReserved(names []string) (metrics, reserved []string) {
	for _, name := range names {
		if name == model.ColumnTimestamp || name == model.ColumnEntityID {
			reserved = append(reserved, name)
			continue
		}
		metrics = append(metrics, name)
	}
	return metrics, reserved
}

// Dropped returns the number of rows lost to storage faults since start.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Project builds the row for batch against columns. The first two cells are
// the timestamp and entity id; every metric column absent from the batch is
// nil.
func Project(columns []string, batch model.MeasurementBatch) model.Row {
	values := make([]any, len(columns))
	for i, col := range columns {
		switch {
		case i == 0:
			values[i] = batch.Timestamp
		case i == 1:
			if batch.EntityID != "" {
				values[i] = batch.EntityID
			}
		case batch.Metrics != nil:
			if v, ok := batch.Metrics.Get(col); ok {
				values[i] = Normalize(v)
			}
		}
	}
	return model.Row{Columns: columns, Values: values}
}
