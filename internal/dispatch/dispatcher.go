package dispatch

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tinytelemetry/kpmsink/internal/model"
	"go.uber.org/zap"
)

// RowWriter persists one measurement batch as a row.
type RowWriter interface {
	WriteRow(batch model.MeasurementBatch) (model.Row, error)
}

// Result summarises one dispatched indication.
type Result struct {
	Rows    int // rows appended
	Skipped int // entities skipped as malformed
	Failed  int // rows lost to storage faults
}

// Dispatcher turns indications into rows according to the report style of
// the subscription that produced them.
type Dispatcher struct {
	writer RowWriter
	logger *zap.Logger

	indications atomic.Int64
	malformed   atomic.Int64
}

// New creates a dispatcher writing through w.
func New(w RowWriter, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{writer: w, logger: logger.Named("dispatch")}
}

// OnIndication is the subscription callback. Failures are logged and the
// indication (or the affected entity) is skipped; the subscription carries on.
func (d *Dispatcher) OnIndication(sub model.SubscriptionContext, ind model.Indication) {
	res, err := d.Dispatch(sub, ind)
	fields := []zap.Field{
		zap.String("source", ind.SourceID),
		zap.String("subscription", sub.ID),
		zap.Int("style", int(sub.Style)),
	}
	if err != nil {
		d.logger.Warn("indication skipped", append(fields, zap.Error(err))...)
		return
	}
	if res.Skipped > 0 || res.Failed > 0 {
		d.logger.Warn("indication partially written",
			append(fields, zap.Int("rows", res.Rows), zap.Int("skipped", res.Skipped), zap.Int("failed", res.Failed))...)
		return
	}
	d.logger.Debug("indication written", append(fields, zap.Int("rows", res.Rows))...)
}

// Dispatch writes the rows of one indication. Aggregate styles produce one
// row; per-entity styles produce one row per entity, all sharing the
// indication's collection timestamp. An error is returned only when no row
// could be attempted at all.
func (d *Dispatcher) Dispatch(sub model.SubscriptionContext, ind model.Indication) (Result, error) {
	d.indications.Add(1)

	ts := ind.Header.CollectStartTime
	switch {
	case sub.Style == model.StyleCell || sub.Style == model.StyleSingleUE:
		if ind.Payload.MeasData == nil || ind.Payload.MeasData.Len() == 0 {
			d.malformed.Add(1)
			return Result{}, fmt.Errorf("%w: no measData in style %d report", model.ErrMalformedIndication, sub.Style)
		}
		entity := ""
		if sub.Style == model.StyleSingleUE {
			entity = sub.BoundEntityID
		}
		return d.write(Result{}, model.MeasurementBatch{
			Timestamp: ts,
			EntityID:  entity,
			Metrics:   ind.Payload.MeasData,
		}), nil

	case sub.Style.PerEntity():
		if ind.Payload.UEMeasData == nil {
			d.malformed.Add(1)
			return Result{}, fmt.Errorf("%w: no ueMeasData in style %d report", model.ErrMalformedIndication, sub.Style)
		}
		var res Result
		for pair := ind.Payload.UEMeasData.Oldest(); pair != nil; pair = pair.Next() {
			m := pair.Value.MeasData
			if m == nil || m.Len() == 0 {
				d.malformed.Add(1)
				res.Skipped++
				d.logger.Warn("entity skipped",
					zap.String("entity", pair.Key),
					zap.Error(model.ErrMalformedIndication))
				continue
			}
			res = d.write(res, model.MeasurementBatch{
				Timestamp: ts,
				EntityID:  pair.Key,
				Metrics:   m,
			})
		}
		return res, nil

	default:
		return Result{}, fmt.Errorf("%w: %d", model.ErrUnsupportedReportStyle, sub.Style)
	}
}

func (d *Dispatcher) write(res Result, batch model.MeasurementBatch) Result {
	if _, err := d.writer.WriteRow(batch); err != nil {
		res.Failed++
		level := d.logger.Warn
		if errors.Is(err, model.ErrStorageFault) {
			level = d.logger.Error
		}
		level("row dropped", zap.String("entity", batch.EntityID), zap.Error(err))
		return res
	}
	res.Rows++
	return res
}

// Indications returns the number of indications received since start.
func (d *Dispatcher) Indications() int64 { return d.indications.Load() }

// Malformed returns the number of indications and entities skipped as malformed.
func (d *Dispatcher) Malformed() int64 { return d.malformed.Load() }
