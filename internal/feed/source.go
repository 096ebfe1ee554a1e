// Package feed delivers raw indication lines from local inputs.
package feed

import "github.com/tinytelemetry/kpmsink/internal/model"

// Source is a unified interface for indication feed inputs (TCP, stdin).
type Source interface {
	Lines() <-chan model.IngestEnvelope
	Stop()
	Name() string
}
