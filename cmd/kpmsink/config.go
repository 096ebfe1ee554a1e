package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/kpmsink/internal/model"
)

const (
	defaultReportStyle         = int(model.StyleCell)
	defaultUEIDs               = "0"
	defaultBindHost            = "127.0.0.1"
	defaultFeedTCPPort         = 4560
	defaultMuxBufferSize       = DefaultMuxBuffer
	defaultAPIPort             = 3000
	defaultQueryTimeout        = 30 * time.Second
	defaultInsertBatchSize     = 500
	defaultInsertFlushInterval = 200 * time.Millisecond
	defaultInsertFlushQueue    = 64
	defaultLogLevel            = "info"
	defaultBackupInterval      = 6 * time.Hour
	defaultBackupKeepLast      = 24
	outputCSVLayout            = "2006-01-02_15-04-05"
)

// appConfig is internal runtime configuration.
type appConfig struct {
	ReportStyle       int    `mapstructure:"kpm-report-style"`
	NodeID            string `mapstructure:"e2-node-id"`
	RANFunctionID     int    `mapstructure:"ran-func-id"`
	UEIDs             string `mapstructure:"ue-ids"`
	Metrics           string `mapstructure:"metrics"`
	OutputCSV         string `mapstructure:"output-csv"`
	ReportPeriod      int    `mapstructure:"report-period"`
	GranularityPeriod int    `mapstructure:"granularity-period"`

	Host           string `mapstructure:"host"`
	FeedTCPEnabled bool   `mapstructure:"feed-tcp-enabled"`
	FeedTCPPort    int    `mapstructure:"feed-tcp-port"`
	FeedTCPAddr    string `mapstructure:"feed-tcp-addr"`
	MuxBufferSize  int    `mapstructure:"mux-buffer-size"`

	MirrorEnabled       bool          `mapstructure:"mirror-enabled"`
	DBPath              string        `mapstructure:"db-path"`
	QueryTimeout        time.Duration `mapstructure:"query-timeout"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval"`
	InsertFlushQueue    int           `mapstructure:"insert-flush-queue-size"`

	APIEnabled bool   `mapstructure:"api-enabled"`
	APIPort    int    `mapstructure:"api-port"`
	APIAddr    string `mapstructure:"api-addr"`

	LogLevel string `mapstructure:"log-level"`
	LogFile  string `mapstructure:"log-file"`

	BackupEnabled        bool          `mapstructure:"backup-enabled"`
	BackupInterval       time.Duration `mapstructure:"backup-interval"`
	BackupLocalDir       string        `mapstructure:"backup-local-dir"`
	BackupKeepLast       int           `mapstructure:"backup-keep-last"`
	BackupCompress       bool          `mapstructure:"backup-compress"`
	BackupBucketURL      string        `mapstructure:"backup-bucket-url"`
	BackupS3Endpoint     string        `mapstructure:"backup-s3-endpoint"`
	BackupS3Region       string        `mapstructure:"backup-s3-region"`
	BackupS3AccessKey    string        `mapstructure:"backup-s3-access-key"`
	BackupS3SecretKey    string        `mapstructure:"backup-s3-secret-key"`
	BackupS3SessionToken string        `mapstructure:"backup-s3-session-token"`
	BackupS3UseSSL       bool          `mapstructure:"backup-s3-use-ssl"`

	ConfigPath string   `mapstructure:"-"`
	UEIDList   []int    `mapstructure:"-"`
	MetricList []string `mapstructure:"-"`
}

func defaultOutputCSV(now time.Time) string {
	return fmt.Sprintf("measurement_data_%s.csv", now.Format(outputCSVLayout))
}

// parseUEIDs parses a comma-separated list of integer UE ids.
func parseUEIDs(raw string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid ue-ids entry %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseMetrics splits a comma-separated metric list, dropping blanks.
func parseMetrics(raw string) []string {
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return names
}

func validateConfig(cfg *appConfig) error {
	if _, err := model.ParseReportStyle(cfg.ReportStyle); err != nil {
		return fmt.Errorf("invalid kpm-report-style: %w", err)
	}
	if cfg.FeedTCPPort <= 0 || cfg.FeedTCPPort > 65535 {
		return fmt.Errorf("invalid feed-tcp-port: %d", cfg.FeedTCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		return fmt.Errorf("e2-node-id is required")
	}

	ids, err := parseUEIDs(cfg.UEIDs)
	if err != nil {
		return err
	}
	cfg.UEIDList = ids
	cfg.MetricList = parseMetrics(cfg.Metrics)
	if len(cfg.MetricList) == 0 {
		return fmt.Errorf("metrics must name at least one metric")
	}

	if cfg.BackupEnabled {
		if cfg.BackupInterval <= 0 {
			return fmt.Errorf("invalid backup-interval: %s", cfg.BackupInterval)
		}
		if cfg.BackupKeepLast < 0 {
			return fmt.Errorf("invalid backup-keep-last: %d", cfg.BackupKeepLast)
		}
		if strings.TrimSpace(cfg.BackupBucketURL) != "" &&
			(strings.TrimSpace(cfg.BackupS3AccessKey) == "" || strings.TrimSpace(cfg.BackupS3SecretKey) == "") {
			return fmt.Errorf("backup-s3-access-key and backup-s3-secret-key are required with backup-bucket-url")
		}
	}
	return nil
}
