package feed

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/tinytelemetry/kpmsink/internal/model"
	"go.uber.org/zap"
)

const (
	// DefaultStdinBuffer is the default channel buffer size for stdin lines.
	DefaultStdinBuffer = 10_000

	// DefaultStdinMaxLineSize is the default maximum size (in bytes) of a single stdin line.
	DefaultStdinMaxLineSize = 1024 * 1024
)

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	BufferSize  int
	MaxLineSize int
	Logger      *zap.Logger
}

// StdinSource reads indication lines from a stream, normally os.Stdin.
type StdinSource struct {
	ch       chan model.IngestEnvelope
	cancel   context.CancelFunc
	logger   *zap.Logger
	stopOnce sync.Once
}

// NewStdinSource starts reading os.Stdin in the background.
func NewStdinSource(ctx context.Context, conf ...StdinConfig) *StdinSource {
	return newStdinSourceWithReader(ctx, os.Stdin, conf...)
}

func newStdinSourceWithReader(ctx context.Context, r io.Reader, conf ...StdinConfig) *StdinSource {
	bufferSize := DefaultStdinBuffer
	maxLineSize := DefaultStdinMaxLineSize
	logger := zap.NewNop()
	if len(conf) > 0 {
		if conf[0].BufferSize > 0 {
			bufferSize = conf[0].BufferSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &StdinSource{
		ch:     make(chan model.IngestEnvelope, bufferSize),
		cancel: cancel,
		logger: logger.Named("feed.stdin"),
	}
	go s.read(ctx, r, maxLineSize)
	return s
}

func (s *StdinSource) read(ctx context.Context, r io.Reader, maxLineSize int) {
	defer close(s.ch)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialBufSize(maxLineSize)), maxLineSize)

	// One scanning goroutine; the loop below watches ctx between lines.
	results := make(chan string)
	go func() {
		defer close(results)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case results <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				s.logger.Warn("line exceeded max size, stopping stdin source", zap.Int("max_line_size", maxLineSize))
				return
			}
			s.logger.Warn("scanner error", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-results:
			if !ok {
				return
			}
			select {
			case s.ch <- model.IngestEnvelope{Source: s.Name(), Line: line}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Lines returns the channel of read lines. It is closed at EOF or after Stop.
func (s *StdinSource) Lines() <-chan model.IngestEnvelope { return s.ch }

// Stop cancels reading.
func (s *StdinSource) Stop() { s.stopOnce.Do(s.cancel) }

// Name identifies the source.
func (s *StdinSource) Name() string { return "stdin" }
