package model

// HeaderStore persists the schema header of a sink.
type HeaderStore interface {
	Exists() (bool, error)
	ReadHeader() ([]string, error)
	WriteHeader(columns []string) error
}

// RowAppender appends one aligned row to a sink.
type RowAppender interface {
	AppendRow(row Row) error
}

// TableSink is the durable append-only table the writer persists to.
type TableSink interface {
	HeaderStore
	RowAppender
	Path() string
}

// RowMirror receives copies of rows already persisted to the sink.
type RowMirror interface {
	Add(row Row)
}

// SchemaReader exposes the live column list to read surfaces.
type SchemaReader interface {
	Columns() []string
}

// MirrorQuerier provides schema introspection and arbitrary read-only queries
// over the mirrored measurements.
type MirrorQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
	TotalRowCount() (int64, error)
}
