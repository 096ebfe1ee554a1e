package model

// IngestEnvelope carries one raw feed line with source metadata.
// It is the transport contract between feed sources and decoding.
type IngestEnvelope struct {
	Source string
	Line   string
}
