package backup

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
)

// S3Config holds S3 uploader parameters for backup uploads.
type S3Config struct {
	BucketURL    string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
}

// S3Uploader uploads backup files with the AWS CLI (`aws s3 cp`). Objects
// are keyed <prefix>/<source>/<file>, so CSV and mirror snapshots land under
// separate prefixes and can be listed and expired independently.
type S3Uploader struct {
	bucket    string
	keyPrefix string
	awsBin    string
	cfg       S3Config
}

// NewS3Uploader constructs an uploader from an S3 bucket URL and static credentials.
// BucketURL format: s3://bucket/prefix (prefix optional).
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	bucket, prefix, err := parseS3BucketURL(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("s3: access key and secret key are required")
	}
	bin, err := exec.LookPath("aws")
	if err != nil {
		return nil, fmt.Errorf("s3: aws cli not found in PATH")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	return &S3Uploader{
		bucket:    bucket,
		keyPrefix: prefix,
		awsBin:    bin,
		cfg:       cfg,
	}, nil
}

// ObjectKey returns the key a snapshot of source stored at localPath gets.
func (u *S3Uploader) ObjectKey(source, localPath string) string {
	return path.Join(u.keyPrefix, source, filepath.Base(localPath))
}

// UploadFile uploads the snapshot of source at localPath.
func (u *S3Uploader) UploadFile(ctx context.Context, source, localPath string) error {
	cmd := u.command(ctx, source, localPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("s3 upload of %s failed: %w: %s", source, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (u *S3Uploader) command(ctx context.Context, source, localPath string) *exec.Cmd {
	dest := fmt.Sprintf("s3://%s/%s", u.bucket, u.ObjectKey(source, localPath))

	args := []string{"s3", "cp", localPath, dest,
		"--region", u.cfg.Region,
		"--only-show-errors",
		"--metadata", "source=" + source,
	}
	contentType, encoding := contentHeaders(localPath)
	args = append(args, "--content-type", contentType)
	if encoding != "" {
		args = append(args, "--content-encoding", encoding)
	}
	if endpoint := normalizeEndpoint(u.cfg.Endpoint, u.cfg.UseSSL); endpoint != "" {
		args = append(args, "--endpoint-url", endpoint)
	}

	cmd := exec.CommandContext(ctx, u.awsBin, args...)
	cmd.Env = append(withoutAWSCredentials(os.Environ()),
		"AWS_ACCESS_KEY_ID="+u.cfg.AccessKey,
		"AWS_SECRET_ACCESS_KEY="+u.cfg.SecretKey,
		"AWS_DEFAULT_REGION="+u.cfg.Region,
	)
	if strings.TrimSpace(u.cfg.SessionToken) != "" {
		cmd.Env = append(cmd.Env, "AWS_SESSION_TOKEN="+u.cfg.SessionToken)
	}
	return cmd
}

// contentHeaders maps a snapshot file name to its Content-Type and
// Content-Encoding.
func contentHeaders(localPath string) (contentType, encoding string) {
	name := filepath.Base(localPath)
	if strings.HasSuffix(name, compressedExt) {
		encoding = "zstd"
		name = strings.TrimSuffix(name, compressedExt)
	}
	switch filepath.Ext(name) {
	case ".csv":
		contentType = "text/csv"
	default:
		contentType = "application/octet-stream"
	}
	return contentType, encoding
}

// withoutAWSCredentials drops ambient credential variables so the configured
// static keys are the only ones the CLI sees.
func withoutAWSCredentials(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		switch name {
		case "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN", "AWS_PROFILE", "AWS_DEFAULT_REGION":
			continue
		}
		out = append(out, kv)
	}
	return out
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	scheme := "https://"
	if !useSSL {
		scheme = "http://"
	}
	return scheme + endpoint
}

func parseS3BucketURL(raw string) (bucket string, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("s3: parse bucket-url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3: bucket-url must use s3:// scheme")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", "", fmt.Errorf("s3: bucket-url missing bucket name")
	}

	prefix = strings.Trim(strings.TrimSpace(u.Path), "/")
	return u.Host, prefix, nil
}
