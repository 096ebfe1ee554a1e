package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/kpmsink/internal/model"
	"go.uber.org/zap"
)

// DefaultFlushQueueSize is the number of batches that can be queued for async flushing.
const DefaultFlushQueueSize = 64

// RowInserter writes a batch of rows to the mirror.
type RowInserter interface {
	InsertRows(rows []model.Row) error
}

// InsertBuffer batches mirrored rows and flushes them to DuckDB asynchronously.
// Add never blocks on DuckDB writes; batches are handed to a flush goroutine.
type InsertBuffer struct {
	writer        RowInserter
	logger        *zap.Logger
	mu            sync.Mutex
	pending       []model.Row
	flushChan     chan []model.Row
	maxBatch      int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup

	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64 // unix seconds
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	Logger         *zap.Logger
}

// NewInsertBuffer creates a buffer that flushes to writer.
func NewInsertBuffer(writer RowInserter, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := 500
	flushInterval := 200 * time.Millisecond
	flushQueueSize := DefaultFlushQueueSize
	logger := zap.NewNop()
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			flushQueueSize = conf[0].FlushQueueSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}

	b := &InsertBuffer{
		writer:        writer,
		logger:        logger.Named("mirror"),
		pending:       make([]model.Row, 0, batchSize),
		flushChan:     make(chan []model.Row, flushQueueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending()
			return
		}
	}
}

// logBackpressure warns at most once per 10 seconds when the flush channel is
// full and a batch is flushed inline.
func (b *InsertBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		b.logger.Warn("flush channel full, flushing inline", zap.Int64("inline_flushes", count))
	}
}

func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]model.Row, 0, b.maxBatch)
	b.mu.Unlock()

	b.send(batch)
}

func (b *InsertBuffer) send(batch []model.Row) {
	select {
	case b.flushChan <- batch:
	default:
		b.logBackpressure()
		b.flush(batch)
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		b.flush(batch)
	}
}

func (b *InsertBuffer) flush(batch []model.Row) {
	if len(batch) == 0 {
		return
	}
	if err := b.writer.InsertRows(batch); err != nil {
		b.logger.Error("mirror flush failed", zap.Int("rows", len(batch)), zap.Error(err))
	}
}

// Add queues a row for mirroring.
func (b *InsertBuffer) Add(row model.Row) {
	select {
	case <-b.done:
		return
	default:
	}

	b.mu.Lock()
	b.pending = append(b.pending, row)
	var batch []model.Row
	if len(b.pending) >= b.maxBatch {
		batch = b.pending
		b.pending = make([]model.Row, 0, b.maxBatch)
	}
	b.mu.Unlock()

	if batch != nil {
		b.send(batch)
	}
}

// Stop flushes remaining rows and waits for all writes to complete.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		// tickLoop's final drain must land before flushChan closes.
		b.tickWg.Wait()
		close(b.flushChan)
		b.wg.Wait()
	})
}

// InsertRows appends rows to the measurements table in a single transaction,
// adding any missing metric columns first. If the batch fails it is retried
// row by row and rows that still fail are dropped.
func (s *Store) InsertRows(rows []model.Row) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for _, r := range rows {
		if len(r.Columns) > 2 {
			names = append(names, r.Columns[2:]...)
		}
	}
	if err := s.ensureColumnsLocked(ctx, names); err != nil {
		return fmt.Errorf("ensure columns: %w", err)
	}

	err := s.insertRowsTx(ctx, rows)
	if err == nil {
		return nil
	}

	var failed int
	for _, r := range rows {
		if rerr := s.insertRowsTx(ctx, []model.Row{r}); rerr != nil {
			failed++
			s.logger.Warn("dropping mirrored row", zap.Any("timestamp", first(r.Values)), zap.Error(rerr))
		}
	}
	if failed > 0 {
		s.logger.Warn("mirror batch partially failed", zap.Int("dropped", failed), zap.Int("rows", len(rows)))
	}
	return nil
}

func (s *Store) insertRowsTx(ctx context.Context, rows []model.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	stmts := make(map[string]*sql.Stmt)
	defer func() {
		for _, st := range stmts {
			st.Close()
		}
		if !committed {
			tx.Rollback()
		}
	}()

	for _, r := range rows {
		idx := s.mirrorColumns(r)
		cols := make([]string, len(idx))
		args := make([]any, len(idx))
		for i, j := range idx {
			cols[i] = quoteIdent(r.Columns[j])
			if j < 2 {
				args[i] = r.Values[j]
			} else {
				args[i] = toFloat(r.Values[j])
			}
		}

		key := strings.Join(cols, ",")
		stmt, ok := stmts[key]
		if !ok {
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
			q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", MeasurementsTable, key, placeholders)
			stmt, err = tx.PrepareContext(ctx, q)
			if err != nil {
				return err
			}
			stmts[key] = stmt
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("row insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// toFloat converts a normalized metric value to a DOUBLE cell. Values that
// are not numeric become NULL.
func toFloat(v any) any {
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case bool:
		if n {
			return 1.0
		}
		return 0.0
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return nil
}

func first(values []any) any {
	if len(values) == 0 {
		return nil
	}
	return values[0]
}
