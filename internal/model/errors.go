package model

import "errors"

var (
	// ErrStorageFault means the sink could not be read or written.
	ErrStorageFault = errors.New("storage fault")

	// ErrSchemaDesync means the sink exists but its header could not be used.
	ErrSchemaDesync = errors.New("schema desync risk")

	// ErrUnsupportedReportStyle means a configured style is outside 1..5.
	ErrUnsupportedReportStyle = errors.New("unsupported report style")

	// ErrMalformedIndication means an indication lacks a usable metric mapping.
	ErrMalformedIndication = errors.New("malformed indication")
)
