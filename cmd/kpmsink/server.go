package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/tinytelemetry/kpmsink/internal/backup"
	"github.com/tinytelemetry/kpmsink/internal/csvsink"
	"github.com/tinytelemetry/kpmsink/internal/dispatch"
	"github.com/tinytelemetry/kpmsink/internal/duckdb"
	"github.com/tinytelemetry/kpmsink/internal/feed"
	"github.com/tinytelemetry/kpmsink/internal/httpserver"
	"github.com/tinytelemetry/kpmsink/internal/ingest"
	"github.com/tinytelemetry/kpmsink/internal/logging"
	"github.com/tinytelemetry/kpmsink/internal/model"
	"github.com/tinytelemetry/kpmsink/internal/record"
	"github.com/tinytelemetry/kpmsink/internal/schema"
	"github.com/tinytelemetry/kpmsink/internal/subscribe"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runServer subscribes for KPM reports and persists every indication until
// the feed ends or the process is signalled.
func runServer(cfg appConfig) error {
	logger, cleanupLogger, err := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer cleanupLogger()

	sink, err := csvsink.Open(cfg.OutputCSV)
	if err != nil {
		return fmt.Errorf("failed to open csv sink: %w", err)
	}
	registry := schema.NewRegistry(sink, logger)
	if err := registry.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	writerOpts := []record.Option{record.WithLogger(logger)}
	backupSources := []backup.Source{sink}
	var mirror model.MirrorQuerier

	if cfg.MirrorEnabled {
		store, err := duckdb.NewStore(cfg.DBPath,
			duckdb.WithQueryTimeout(cfg.QueryTimeout),
			duckdb.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to initialize DuckDB mirror: %w", err)
		}
		defer store.Close()

		insertBuffer := duckdb.NewInsertBuffer(store, duckdb.InsertBufferConfig{
			BatchSize:      cfg.InsertBatchSize,
			FlushInterval:  cfg.InsertFlushInterval,
			FlushQueueSize: cfg.InsertFlushQueue,
			Logger:         logger,
		})
		defer insertBuffer.Stop()

		writerOpts = append(writerOpts, record.WithMirror(insertBuffer))
		backupSources = append(backupSources, store)
		mirror = store
	}

	writer := record.NewWriter(registry, sink, writerOpts...)
	dispatcher := dispatch.New(writer, logger)

	req, notes, err := subscribe.Plan(subscribe.PlanConfig{
		NodeID:            cfg.NodeID,
		RANFunctionID:     cfg.RANFunctionID,
		Style:             cfg.ReportStyle,
		UEIDs:             cfg.UEIDList,
		MetricNames:       cfg.MetricList,
		ReportPeriod:      cfg.ReportPeriod,
		GranularityPeriod: cfg.GranularityPeriod,
	})
	if err != nil {
		return fmt.Errorf("failed to plan subscription: %w", err)
	}
	for _, note := range notes {
		logger.Info(note)
	}

	backupManager, err := backup.NewManager(backupSources, backup.Config{
		Enabled:        cfg.BackupEnabled,
		Interval:       cfg.BackupInterval,
		LocalDir:       cfg.BackupLocalDir,
		KeepLast:       cfg.BackupKeepLast,
		Compress:       cfg.BackupCompress,
		BucketURL:      cfg.BackupBucketURL,
		S3Endpoint:     cfg.BackupS3Endpoint,
		S3Region:       cfg.BackupS3Region,
		S3AccessKey:    cfg.BackupS3AccessKey,
		S3SecretKey:    cfg.BackupS3SecretKey,
		S3SessionToken: cfg.BackupS3SessionToken,
		S3UseSSL:       cfg.BackupS3UseSSL,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize backups: %w", err)
	}
	if backupManager != nil {
		defer backupManager.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscriber := subscribe.NewFeedSubscriber(logger)
	defer subscriber.Close()
	sub, err := subscriber.Subscribe(ctx, req, dispatcher)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	processor := ingest.NewProcessor(subscriber, ingest.WithLogger(logger))

	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, httpserver.Deps{
			Schema:   registry,
			SinkPath: sink.Path(),
			Mirror:   mirror,
			Logger:   logger,
			Stats: func() httpserver.Stats {
				return httpserver.Stats{
					RowsWritten: writer.Written(),
					RowsDropped: writer.Dropped(),
					Indications: dispatcher.Indications(),
					Malformed:   dispatcher.Malformed() + processor.Rejected(),
				}
			},
		})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		logger.Info("shutdown requested")
		cancel()

		// the deadline starts at the first signal
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	plugins := buildInputPlugins(InputPluginConfig{
		TCPEnabled: cfg.FeedTCPEnabled,
		TCPAddr:    cfg.FeedTCPAddr,
		Logger:     logger,
	})
	sources := make([]feed.Source, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			logger.Error("input plugin failed", zap.String("plugin", plugin.Name()), zap.Error(err))
			continue
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return fmt.Errorf("no indication feed available: enable feed-tcp or pipe indications on stdin")
	}

	mux := NewSourceMultiplexer(ctx, sources, cfg.MuxBufferSize)
	mux.Start()
	defer mux.Stop()

	printStartupBanner(cfg, sub, mux.SourceNames(), processor.Name())
	logger.Info("started",
		zap.String("version", version),
		zap.String("csv", sink.Path()),
		zap.String("subscription", sub.ID),
		zap.Strings("sources", mux.SourceNames()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case env, ok := <-mux.Lines():
				if !ok {
					// every source reached EOF
					cancel()
					return nil
				}
				processor.ProcessEnvelope(env)
			case <-gctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("ingestion loop exited", zap.Error(err))
	}

	logger.Info("stopped",
		zap.Int64("rows_written", writer.Written()),
		zap.Int64("rows_dropped", writer.Dropped()),
		zap.Int64("metrics_shadowed", writer.Shadowed()),
		zap.Int64("indications", dispatcher.Indications()))
	return nil
}

func printStartupBanner(cfg appConfig, sub model.SubscriptionContext, sources []string, processorName string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╦╔═╔═╗╔╦╗  ╔═╗╦╔╗╔╦╔═
    ╠╩╗╠═╝║║║  ╚═╗║║║║╠╩╗
    ╩ ╩╩  ╩ ╩  ╚═╝╩╝╚╝╩ ╩`)

	separator := dim.Render("    ─────────────────────────────────")
	row := func(mark, label, value string) string {
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Subscription"), "")
	lines = append(lines, row(check, "E2 Node", cyan.Render(cfg.NodeID)))
	lines = append(lines, row(check, "Report Style", cyan.Render(fmt.Sprintf("%d", sub.Style))))
	lines = append(lines, row(check, "Metrics", dim.Render(strings.Join(cfg.MetricList, ", "))))
	if sub.BoundEntityID != "" {
		lines = append(lines, row(check, "UE", dim.Render(sub.BoundEntityID)))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Feed"), "")
	if cfg.FeedTCPEnabled {
		lines = append(lines, row(check, "TCP Feed", cyan.Render(cfg.FeedTCPAddr)))
	} else {
		lines = append(lines, row(dot, "TCP Feed", dim.Render("disabled")))
	}
	lines = append(lines, row(check, "Sources", dim.Render(strings.Join(sources, ", "))))
	lines = append(lines, row(check, "Processor", dim.Render(processorName)))
	if cfg.APIEnabled {
		lines = append(lines, row(check, "HTTP API", cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, row(dot, "HTTP API", dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	lines = append(lines, row(check, "CSV", dim.Render(shortenPath(cfg.OutputCSV))))
	if cfg.MirrorEnabled {
		lines = append(lines, row(check, "Mirror", dim.Render(shortenPath(cfg.DBPath))))
	} else {
		lines = append(lines, row(dot, "Mirror", dim.Render("disabled")))
	}
	if cfg.BackupEnabled {
		lines = append(lines, row(check, "Snapshots", dim.Render(shortenPath(cfg.BackupLocalDir))))
	} else {
		lines = append(lines, row(dot, "Snapshots", dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
