package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 24

	filePrefix = "kpmsink-"
	// fixed width so lexical order is chronological
	stampLayout = "20060102-150405.000000000"
)

// Manager runs periodic local snapshots of every source and optional remote uploads.
type Manager struct {
	sources  []Source
	cfg      Config
	uploader Uploader
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewManager initializes the backup manager. It returns nil when backups are
// disabled. Sources without a file path are skipped.
func NewManager(sources []Source, cfg Config, logger *zap.Logger) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("backup")

	var usable []Source
	for _, src := range sources {
		if src == nil {
			continue
		}
		if strings.TrimSpace(src.Path()) == "" {
			logger.Warn("skipping source without a file path", zap.String("source", src.Name()))
			continue
		}
		usable = append(usable, src)
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("backup: no file-backed sources to snapshot")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, fmt.Errorf("backup: local-dir is required when backup is enabled")
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create local-dir: %w", err)
	}

	var uploader Uploader
	if strings.TrimSpace(cfg.BucketURL) != "" {
		s3u, err := NewS3Uploader(S3Config{
			BucketURL:    cfg.BucketURL,
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			SessionToken: cfg.S3SessionToken,
			UseSSL:       cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("backup: init s3 uploader: %w", err)
		}
		uploader = s3u
	}

	m := &Manager{
		sources:  usable,
		cfg:      cfg,
		uploader: uploader,
		logger:   logger,
		done:     make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if err := m.RunOnce(m.ctx); err != nil {
		m.logger.Warn("startup snapshot failed", zap.Error(err))
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.RunOnce(m.ctx); err != nil {
				m.logger.Warn("periodic snapshot failed", zap.Error(err))
			}
		case <-m.done:
			return
		}
	}
}

// RunOnce snapshots every source, compresses and uploads the copies when
// configured, and prunes old local copies. A failing source does not stop
// the others.
func (m *Manager) RunOnce(ctx context.Context) error {
	stamp := time.Now().UTC().Format(stampLayout)
	var errs []error
	for _, src := range m.sources {
		if err := m.backupSource(ctx, src, stamp); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) backupSource(ctx context.Context, src Source, stamp string) error {
	ext := filepath.Ext(src.Path())
	localPath := filepath.Join(m.cfg.LocalDir, filePrefix+src.Name()+"-"+stamp+ext)

	if err := src.SnapshotTo(localPath); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if m.cfg.Compress {
		zpath := localPath + compressedExt
		if err := compressFile(localPath, zpath); err != nil {
			return fmt.Errorf("compress: %w", err)
		}
		_ = os.Remove(localPath)
		localPath = zpath
	}
	m.logger.Info("created snapshot", zap.String("source", src.Name()), zap.String("path", localPath))

	if m.uploader != nil {
		if err := m.uploader.UploadFile(ctx, src.Name(), localPath); err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		m.logger.Info("uploaded snapshot", zap.String("source", src.Name()), zap.String("file", filepath.Base(localPath)))
	}

	if err := pruneLocalBackups(m.cfg.LocalDir, src.Name(), m.cfg.KeepLast); err != nil {
		return fmt.Errorf("prune local backups: %w", err)
	}
	return nil
}

// Stop terminates the periodic loop and cancels any in-flight upload.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	close(m.done)
	m.wg.Wait()
}

func pruneLocalBackups(localDir, source string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(localDir, filePrefix+source+"-*"))
	if err != nil {
		return err
	}
	kept := matches[:0]
	for _, p := range matches {
		if !strings.HasSuffix(p, ".tmp") {
			kept = append(kept, p)
		}
	}
	if len(kept) <= keepLast {
		return nil
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i] > kept[j] })
	for _, oldPath := range kept[keepLast:] {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
