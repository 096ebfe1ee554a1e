package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tinytelemetry/kpmsink/internal/model"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// subscriptionFlags are the flags that override config file and env values.
var subscriptionFlags = []string{
	"e2-node-id", "ran-func-id", "kpm-report-style", "ue-ids", "metrics", "output-csv",
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("kpmsink", pflag.ContinueOnError)
	flags.String("config", "", "config file (default is $HOME/.config/kpmsink/config.yml)")
	flags.Bool("version", false, "print version information")
	flags.String("e2-node-id", model.DefaultNodeID, "E2 node id")
	flags.Int("ran-func-id", model.DefaultRANFunctionID, "E2SM-KPM RAN function id")
	flags.Int("kpm-report-style", defaultReportStyle, "E2SM-KPM report style (1-5)")
	flags.String("ue-ids", defaultUEIDs, "comma-separated UE ids")
	flags.String("metrics", model.DefaultMetrics, "comma-separated metric names")
	flags.String("output-csv", "", "CSV sink path (default measurement_data_<timestamp>.csv)")
	return flags
}

func main() {
	flags := newFlagSet()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if showVersion, _ := flags.GetBool("version"); showVersion {
		fmt.Printf("kpmsink - KPM measurement sink\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	configPath, _ := flags.GetString("config")
	cfg, err := loadConfig(configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig merges defaults, the config file, KPMSINK_* env vars and flags.
// flags may be nil.
func loadConfig(configPath string, flags *pflag.FlagSet) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}
	dataDir := filepath.Join(home, ".local", "share", "kpmsink")

	v := viper.New()
	v.SetEnvPrefix("KPMSINK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("kpm-report-style", defaultReportStyle)
	v.SetDefault("e2-node-id", model.DefaultNodeID)
	v.SetDefault("ran-func-id", model.DefaultRANFunctionID)
	v.SetDefault("ue-ids", defaultUEIDs)
	v.SetDefault("metrics", model.DefaultMetrics)
	v.SetDefault("output-csv", defaultOutputCSV(time.Now()))
	v.SetDefault("report-period", model.DefaultReportPeriod)
	v.SetDefault("granularity-period", model.DefaultGranularityPeriod)
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("feed-tcp-enabled", true)
	v.SetDefault("feed-tcp-port", defaultFeedTCPPort)
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)
	v.SetDefault("mirror-enabled", true)
	v.SetDefault("db-path", filepath.Join(dataDir, "kpmsink.duckdb"))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("insert-flush-queue-size", defaultInsertFlushQueue)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-local-dir", filepath.Join(dataDir, "backups"))
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("backup-compress", true)
	v.SetDefault("backup-s3-region", "us-east-1")
	v.SetDefault("backup-s3-use-ssl", true)

	if flags != nil {
		for _, name := range subscriptionFlags {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(name, f); err != nil {
					return cfg, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "kpmsink", "config.yml"))
	}
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if err := validateConfig(&cfg); err != nil {
		return cfg, err
	}

	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.OutputCSV = expandHome(home, cfg.OutputCSV)
	cfg.BackupLocalDir = expandHome(home, cfg.BackupLocalDir)

	if cfg.FeedTCPAddr == "" {
		cfg.FeedTCPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.FeedTCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}
	return cfg, nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
