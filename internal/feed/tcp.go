package feed

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/tinytelemetry/kpmsink/internal/model"
	"go.uber.org/zap"
)

const (
	// DefaultTCPAddr is the loopback address the feed listens on by default.
	DefaultTCPAddr = "127.0.0.1:4560"

	// DefaultLineChannelSize is the default buffer size for received lines.
	DefaultLineChannelSize = 10_000

	// DefaultMaxLineSize is the default maximum size (in bytes) of a single line.
	DefaultMaxLineSize = 1024 * 1024
)

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	LineChannelSize int
	MaxLineSize     int
	Logger          *zap.Logger
}

// Server accepts newline-delimited indication JSON over TCP.
type Server struct {
	listener    net.Listener
	addr        string
	lineChan    chan model.IngestEnvelope
	maxLineSize int
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// NewServer creates a TCP feed server. An empty addr means DefaultTCPAddr.
func NewServer(addr string, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = DefaultTCPAddr
	}
	lineChannelSize := DefaultLineChannelSize
	maxLineSize := DefaultMaxLineSize
	logger := zap.NewNop()
	if len(conf) > 0 {
		if conf[0].LineChannelSize > 0 {
			lineChannelSize = conf[0].LineChannelSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		lineChan:    make(chan model.IngestEnvelope, lineChannelSize),
		maxLineSize: maxLineSize,
		logger:      logger.Named("feed.tcp"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					continue
				}
			}
			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}()

	s.logger.Info("listening", zap.String("addr", listener.Addr().String()))
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	// unblock the scanner on shutdown
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	source := "tcp:" + conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, initialBufSize(s.maxLineSize)), s.maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case s.lineChan <- model.IngestEnvelope{Source: source, Line: line}:
		case <-s.ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.logger.Warn("dropped connection, line too long",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int("max_line_size", s.maxLineSize))
			return
		}
		select {
		case <-s.ctx.Done():
		default:
			s.logger.Warn("read failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		}
	}
}

// Stop closes the listener and every connection, then closes Lines.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		close(s.lineChan)
	})
}

// Lines returns the channel of received lines.
func (s *Server) Lines() <-chan model.IngestEnvelope {
	return s.lineChan
}

// Name identifies the source.
func (s *Server) Name() string { return "tcp" }

// Addr returns the active listen address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func initialBufSize(maxLineSize int) int {
	if maxLineSize < 64*1024 {
		return maxLineSize
	}
	return 64 * 1024
}
