package ingest

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tinytelemetry/kpmsink/internal/model"
	"go.uber.org/zap"
)

// Processor decodes feed lines into indications and hands them to a router.
// Pretty-printed indications spanning several lines are accumulated per
// source until their JSON object closes.
type Processor struct {
	router Router
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*jsonAccumulator

	decoded  atomic.Int64
	rejected atomic.Int64
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessor creates a processor routing to router.
func NewProcessor(router Router, opts ...Option) *Processor {
	p := &Processor{
		router:  router,
		logger:  zap.NewNop(),
		pending: make(map[string]*jsonAccumulator),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("ingest")
	return p
}

// ProcessResult holds the result of processing one complete indication.
type ProcessResult struct {
	Indication *model.Indication
	Err        error
}

func (p *Processor) Name() string { return ProcessorNameKPM }

// ProcessEnvelope processes one source-tagged line. It returns nil while a
// multi-line indication is still being accumulated.
func (p *Processor) ProcessEnvelope(env model.IngestEnvelope) *ProcessResult {
	if strings.TrimSpace(env.Line) == "" {
		return nil
	}

	p.mu.Lock()
	acc := p.pending[env.Source]
	if acc == nil {
		acc = &jsonAccumulator{}
		p.pending[env.Source] = acc
	}
	complete, abandoned, ok := acc.add(env.Line)
	p.mu.Unlock()
	if abandoned != "" {
		p.rejected.Add(1)
		p.logger.Warn("incomplete indication discarded",
			zap.String("source", env.Source),
			zap.Int("bytes", len(abandoned)),
			zap.Error(model.ErrMalformedIndication))
	}
	if !ok {
		return nil
	}

	ind, err := ParseIndication(complete)
	if err != nil {
		p.rejected.Add(1)
		p.logger.Warn("feed line rejected", zap.String("source", env.Source), zap.Error(err))
		return &ProcessResult{Err: err}
	}
	p.decoded.Add(1)

	if p.router != nil {
		if err := p.router.Deliver(ind); err != nil {
			p.logger.Warn("indication not routed",
				zap.String("source", ind.SourceID),
				zap.String("subscription", ind.SubscriptionID),
				zap.Error(err))
			return &ProcessResult{Indication: &ind, Err: err}
		}
	}
	return &ProcessResult{Indication: &ind}
}

// Decoded returns the number of indications decoded since start.
func (p *Processor) Decoded() int64 { return p.decoded.Load() }

// Rejected returns the number of feed entries that failed to decode.
func (p *Processor) Rejected() int64 { return p.rejected.Load() }

// MaxPendingBytes bounds the text buffered for one unterminated indication.
const MaxPendingBytes = 4 << 20

// jsonAccumulator joins the lines of one JSON object.
type jsonAccumulator struct {
	buf    strings.Builder
	depth  int
	inside bool
}

// add consumes a line and reports the complete object once it closes.
// Lines outside an object are passed through as-is so that the decoder
// can reject them.
//
// A line that opens a new top-level object while another is still open
// ends the previous one: its buffered text is returned as abandoned and
// accumulation restarts from the new line. The same happens when the
// buffer grows past MaxPendingBytes.
func (a *jsonAccumulator) add(line string) (complete, abandoned string, ok bool) {
	if a.inside && startsObject(line) {
		abandoned = a.reset()
	}
	if !a.inside {
		if !strings.HasPrefix(strings.TrimSpace(line), "{") {
			return line, abandoned, true
		}
		a.inside = true
	}

	a.buf.WriteString(line)
	a.buf.WriteString("\n")
	a.depth += CountJSONDepth(line)
	if a.depth > 0 {
		if a.buf.Len() > MaxPendingBytes {
			return "", a.reset(), false
		}
		return "", abandoned, false
	}

	complete = strings.TrimSpace(a.reset())
	return complete, abandoned, true
}

// reset clears the accumulator and returns what it held.
func (a *jsonAccumulator) reset() string {
	held := a.buf.String()
	a.buf.Reset()
	a.inside = false
	a.depth = 0
	return held
}

// startsObject reports whether line begins a new top-level object: either an
// unindented opening brace, or an indented line that is a whole object.
func startsObject(line string) bool {
	if strings.HasPrefix(line, "{") {
		return true
	}
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "{") && CountJSONDepth(trimmed) == 0 && json.Valid([]byte(trimmed))
}

// CountJSONDepth counts the net change in JSON nesting depth for a line.
func CountJSONDepth(line string) int {
	depth := 0
	inString := false
	escaped := false

	for _, char := range line {
		if escaped {
			escaped = false
			continue
		}

		switch char {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
			}
		case '}', ']':
			if !inString {
				depth--
			}
		}
	}

	return depth
}
