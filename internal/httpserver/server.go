package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tinytelemetry/kpmsink/internal/model"
	"go.uber.org/zap"
)

// DefaultAddr is the API listen address when none is configured.
const DefaultAddr = "127.0.0.1:3000"

// Stats is a point-in-time view of ingestion counters.
type Stats struct {
	RowsWritten int64 `json:"rows_written"`
	RowsDropped int64 `json:"rows_dropped"`
	Indications int64 `json:"indications"`
	Malformed   int64 `json:"malformed"`
}

// StatsFunc reports the current ingestion counters.
type StatsFunc func() Stats

// Deps are the read surfaces the API serves from. Mirror may be nil, in
// which case /api/query answers 503.
type Deps struct {
	Schema   model.SchemaReader
	SinkPath string
	Mirror   model.MirrorQuerier
	Stats    StatsFunc
	Logger   *zap.Logger
}

// Server provides an HTTP API over the live schema and the DuckDB mirror.
type Server struct {
	addr      string
	deps      Deps
	logger    *zap.Logger
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, deps Deps) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		deps:      deps,
		logger:    logger.Named("http"),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/schema", s.handleSchema)
	api.POST("/query", s.handleQuery)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", zap.Error(err))
		}
	}()
	s.logger.Info("listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the active listen address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if s.deps.Schema != nil {
		body["columns"] = len(s.deps.Schema.Columns())
	}
	if s.deps.Stats != nil {
		st := s.deps.Stats()
		body["rows_written"] = st.RowsWritten
		body["rows_dropped"] = st.RowsDropped
		body["indications"] = st.Indications
		body["malformed"] = st.Malformed
	}
	if s.deps.Mirror != nil {
		n, err := s.deps.Mirror.TotalRowCount()
		if err != nil {
			s.logger.Warn("mirror row count failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
			return
		}
		body["mirror_rows"] = n
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleSchema(c *gin.Context) {
	body := gin.H{
		"sink":    s.deps.SinkPath,
		"columns": []string{},
	}
	if s.deps.Schema != nil {
		body["columns"] = s.deps.Schema.Columns()
	}
	if s.deps.Mirror == nil {
		c.JSON(http.StatusOK, body)
		return
	}

	rows, err := s.deps.Mirror.ExecuteQuery(
		"SELECT table_name, column_name, data_type FROM information_schema.columns WHERE table_schema = 'main' ORDER BY table_name, ordinal_position",
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read schema metadata"})
		return
	}
	tables := make(map[string][]map[string]string)
	for _, row := range rows {
		name := fmt.Sprintf("%v", row["table_name"])
		tables[name] = append(tables[name], map[string]string{
			"column": fmt.Sprintf("%v", row["column_name"]),
			"type":   fmt.Sprintf("%v", row["data_type"]),
		})
	}

	counts, err := s.deps.Mirror.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}

	body["description"] = s.deps.Mirror.GetSchemaDescription()
	body["tables"] = tables
	body["row_counts"] = counts
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleQuery(c *gin.Context) {
	if s.deps.Mirror == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "query mirror is disabled"})
		return
	}

	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	results, err := s.deps.Mirror.ExecuteQuery(req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	columns := []string{}
	if len(results) > 0 {
		for col := range results[0] {
			columns = append(columns, col)
		}
		sort.Strings(columns)
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      results,
		"row_count": len(results),
	})
}
