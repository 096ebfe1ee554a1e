package backup

import (
	"context"
	"time"
)

// Config controls periodic snapshots of the sink and the mirror.
type Config struct {
	Enabled   bool
	Interval  time.Duration
	LocalDir  string
	KeepLast  int
	Compress  bool
	BucketURL string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	S3UseSSL       bool
}

// Source is one file-backed store that can be copied consistently.
type Source interface {
	Name() string
	Path() string
	SnapshotTo(dstPath string) error
}

// Uploader uploads one backup artifact produced for the named source.
type Uploader interface {
	UploadFile(ctx context.Context, source, localPath string) error
}
