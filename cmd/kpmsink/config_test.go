package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/kpmsink/internal/model"
)

func TestLoadConfig_Defaults(t *testing.T) {
	resetKPMSinkEnv(t)

	cfg, err := loadConfig(writeTempConfig(t, "log-level: debug"), nil)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ReportStyle != 1 || cfg.NodeID != model.DefaultNodeID || cfg.RANFunctionID != model.DefaultRANFunctionID {
		t.Fatalf("subscription defaults = %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.UEIDList, []int{0}) {
		t.Fatalf("UEIDList = %v", cfg.UEIDList)
	}
	if !reflect.DeepEqual(cfg.MetricList, []string{"DRB.UEThpUl", "DRB.UEThpDl"}) {
		t.Fatalf("MetricList = %v", cfg.MetricList)
	}
	if cfg.ReportPeriod != 1000 || cfg.GranularityPeriod != 1000 {
		t.Fatalf("periods = %d/%d", cfg.ReportPeriod, cfg.GranularityPeriod)
	}
	if !strings.HasPrefix(cfg.OutputCSV, "measurement_data_") || !strings.HasSuffix(cfg.OutputCSV, ".csv") {
		t.Fatalf("OutputCSV = %q", cfg.OutputCSV)
	}
	if cfg.FeedTCPAddr != "127.0.0.1:4560" || cfg.APIAddr != "127.0.0.1:3000" {
		t.Fatalf("addresses = %q / %q", cfg.FeedTCPAddr, cfg.APIAddr)
	}
	if !cfg.MirrorEnabled || cfg.LogLevel != "debug" {
		t.Fatalf("mirror/log = %v/%q", cfg.MirrorEnabled, cfg.LogLevel)
	}
}

func TestDefaultOutputCSV(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 3, 7, 0, time.UTC)
	if got := defaultOutputCSV(ts); got != "measurement_data_2024-05-01_09-03-07.csv" {
		t.Fatalf("defaultOutputCSV = %q", got)
	}
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	resetKPMSinkEnv(t)

	path := writeTempConfig(t, `
kpm-report-style: 2
metrics: A,B
`)
	flags := newFlagSet()
	if err := flags.Parse([]string{"--kpm-report-style", "5", "--ue-ids", "3, 4", "--output-csv", "/tmp/out.csv"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg, err := loadConfig(path, flags)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ReportStyle != 5 {
		t.Fatalf("ReportStyle = %d, want 5", cfg.ReportStyle)
	}
	if !reflect.DeepEqual(cfg.UEIDList, []int{3, 4}) {
		t.Fatalf("UEIDList = %v", cfg.UEIDList)
	}
	if !reflect.DeepEqual(cfg.MetricList, []string{"A", "B"}) {
		t.Fatalf("MetricList = %v", cfg.MetricList)
	}
	if cfg.OutputCSV != "/tmp/out.csv" {
		t.Fatalf("OutputCSV = %q", cfg.OutputCSV)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	resetKPMSinkEnv(t)
	t.Setenv("KPMSINK_KPM_REPORT_STYLE", "4")

	cfg, err := loadConfig(writeTempConfig(t, "kpm-report-style: 3"), nil)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ReportStyle != 4 {
		t.Fatalf("ReportStyle = %d, want 4", cfg.ReportStyle)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	resetKPMSinkEnv(t)

	tests := []struct {
		name       string
		configYAML string
		errSubstr  string
	}{
		{"unsupported style", "kpm-report-style: 6", "invalid kpm-report-style"},
		{"bad ue id", "ue-ids: 1,x", "invalid ue-ids"},
		{"no metrics", "metrics: ' , '", "at least one metric"},
		{"bad feed port", "feed-tcp-port: 70000", "invalid feed-tcp-port"},
		{"bad api port", "api-port: 0", "invalid api-port"},
		{"empty node id", "e2-node-id: ' '", "e2-node-id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeTempConfig(t, tt.configYAML), nil)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errSubstr) {
				t.Fatalf("error = %q, want substring %q", err.Error(), tt.errSubstr)
			}
		})
	}
}

func TestLoadConfig_AddressResolution(t *testing.T) {
	resetKPMSinkEnv(t)

	tests := []struct {
		name        string
		configYAML  string
		wantHost    string
		wantTCPAddr string
		wantAPIAddr string
	}{
		{
			name: "defaults to localhost host",
			configYAML: `
feed-tcp-port: 4100
api-port: 3100
`,
			wantHost:    "127.0.0.1",
			wantTCPAddr: "127.0.0.1:4100",
			wantAPIAddr: "127.0.0.1:3100",
		},
		{
			name: "host applies to derived feed and api addresses",
			configYAML: `
host: 0.0.0.0
feed-tcp-port: 4200
api-port: 3200
`,
			wantHost:    "0.0.0.0",
			wantTCPAddr: "0.0.0.0:4200",
			wantAPIAddr: "0.0.0.0:3200",
		},
		{
			name: "explicit addresses override host and ports",
			configYAML: `
host: 0.0.0.0
feed-tcp-addr: 10.0.0.5:9999
api-addr: 10.0.0.5:8888
`,
			wantHost:    "0.0.0.0",
			wantTCPAddr: "10.0.0.5:9999",
			wantAPIAddr: "10.0.0.5:8888",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeTempConfig(t, tt.configYAML), nil)
			if err != nil {
				t.Fatalf("loadConfig returned error: %v", err)
			}
			if cfg.Host != tt.wantHost {
				t.Fatalf("Host = %q, want %q", cfg.Host, tt.wantHost)
			}
			if cfg.FeedTCPAddr != tt.wantTCPAddr {
				t.Fatalf("FeedTCPAddr = %q, want %q", cfg.FeedTCPAddr, tt.wantTCPAddr)
			}
			if cfg.APIAddr != tt.wantAPIAddr {
				t.Fatalf("APIAddr = %q, want %q", cfg.APIAddr, tt.wantAPIAddr)
			}
		})
	}
}

func TestLoadConfig_BackupSettings(t *testing.T) {
	resetKPMSinkEnv(t)

	tests := []struct {
		name       string
		configYAML string
		errSubstr  string
		assert     func(t *testing.T, cfg appConfig)
	}{
		{
			name:       "backup defaults disabled",
			configYAML: "api-port: 3000",
			assert: func(t *testing.T, cfg appConfig) {
				t.Helper()
				if cfg.BackupEnabled {
					t.Fatal("backup should be disabled by default")
				}
				if cfg.BackupInterval <= 0 || cfg.BackupKeepLast <= 0 || !cfg.BackupCompress {
					t.Fatalf("backup defaults = %s/%d/%v", cfg.BackupInterval, cfg.BackupKeepLast, cfg.BackupCompress)
				}
			},
		},
		{
			name: "backup accepts custom s3 config",
			configYAML: `
backup-enabled: true
backup-interval: 1h
backup-local-dir: /tmp/kpmsink-backups
backup-keep-last: 10
backup-bucket-url: s3://my-bucket/kpmsink
backup-s3-access-key: key
backup-s3-secret-key: secret
`,
			assert: func(t *testing.T, cfg appConfig) {
				t.Helper()
				if !cfg.BackupEnabled || cfg.BackupInterval != time.Hour {
					t.Fatalf("backup = %v/%s", cfg.BackupEnabled, cfg.BackupInterval)
				}
				if cfg.BackupBucketURL != "s3://my-bucket/kpmsink" || cfg.BackupKeepLast != 10 {
					t.Fatalf("bucket/keep = %q/%d", cfg.BackupBucketURL, cfg.BackupKeepLast)
				}
			},
		},
		{
			name: "invalid backup interval rejected",
			configYAML: `
backup-enabled: true
backup-interval: 0s
`,
			errSubstr: "invalid backup-interval",
		},
		{
			name: "invalid backup keep-last rejected",
			configYAML: `
backup-enabled: true
backup-keep-last: -1
`,
			errSubstr: "invalid backup-keep-last",
		},
		{
			name: "bucket url requires credentials",
			configYAML: `
backup-enabled: true
backup-bucket-url: s3://my-bucket/kpmsink
`,
			errSubstr: "backup-s3-access-key and backup-s3-secret-key are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeTempConfig(t, tt.configYAML), nil)
			if tt.errSubstr != "" {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errSubstr) {
					t.Fatalf("error = %q, want substring %q", err.Error(), tt.errSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig returned error: %v", err)
			}
			tt.assert(t, cfg)
		})
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func resetKPMSinkEnv(t *testing.T) {
	t.Helper()

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "KPMSINK_") {
			continue
		}
		t.Setenv(key, value)
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}
