package model

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Fixed leading columns of every sink schema.
const (
	ColumnTimestamp = "Timestamp"
	ColumnEntityID  = "EntityID"
)

// FixedColumns returns a fresh copy of the two columns every schema starts with.
func FixedColumns() []string {
	return []string{ColumnTimestamp, ColumnEntityID}
}

// MeasData maps metric name to value in the order the agent reported them.
// Values are scalars, or scalars wrapped in a single-element list.
type MeasData = orderedmap.OrderedMap[string, any]

// NewMeasData returns an empty ordered metric mapping.
func NewMeasData() *MeasData {
	return orderedmap.New[string, any]()
}

// MetricNames returns the metric names of m in report order.
func MetricNames(m *MeasData) []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, m.Len())
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// MeasurementBatch is one unit of measurements extracted from an indication.
// EntityID is empty for aggregate (entity-less) reports.
type MeasurementBatch struct {
	Timestamp string
	EntityID  string
	Metrics   *MeasData
}

// Row is one record aligned 1:1 with the schema snapshot it was composed
// against. A nil value is the null placeholder.
type Row struct {
	Columns []string
	Values  []any
}

// UEMeasData holds the measurements of a single entity in a per-entity report.
type UEMeasData struct {
	MeasData     *MeasData `json:"measData"`
	GranulPeriod *float64  `json:"granulPeriod,omitempty"`
}

// UEMeasMap maps entity id to its measurements, in report order.
type UEMeasMap = orderedmap.OrderedMap[string, UEMeasData]

// NewUEMeasMap returns an empty ordered entity mapping.
func NewUEMeasMap() *UEMeasMap {
	return orderedmap.New[string, UEMeasData]()
}

// IndicationHeader is the extracted indication header.
type IndicationHeader struct {
	CollectStartTime string
}

// MeasPayload is the extracted indication message. Aggregate styles fill
// MeasData, per-entity styles fill UEMeasData.
type MeasPayload struct {
	MeasData     *MeasData
	UEMeasData   *UEMeasMap
	GranulPeriod *float64
}

// Indication is one asynchronous measurement report from the agent.
type Indication struct {
	SourceID       string
	SubscriptionID string
	Header         IndicationHeader
	Payload        MeasPayload
}
