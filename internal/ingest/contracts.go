package ingest

import "github.com/tinytelemetry/kpmsink/internal/model"

const (
	// ProcessorNameKPM is the single processor implementation name.
	ProcessorNameKPM = "kpm-json"
)

// Router delivers a decoded indication to its subscription.
type Router interface {
	Deliver(ind model.Indication) error
}

// EnvelopeProcessor consumes source-tagged feed lines and routes indications.
type EnvelopeProcessor interface {
	Name() string
	ProcessEnvelope(model.IngestEnvelope) *ProcessResult
}

// NewEnvelopeProcessor creates the KPM JSON processor implementation.
func NewEnvelopeProcessor(router Router, opts ...Option) EnvelopeProcessor {
	return NewProcessor(router, opts...)
}
