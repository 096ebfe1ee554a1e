package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

type fakeSource struct {
	name string
	path string
	data []byte
	err  error
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Path() string { return f.path }

func (f *fakeSource) SnapshotTo(dstPath string) error {
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(dstPath, f.data, 0644)
}

func csvSource() *fakeSource {
	return &fakeSource{name: "csv", path: "/tmp/measurement_data.csv", data: []byte("Timestamp,EntityID\n")}
}

func TestNewManager_Disabled(t *testing.T) {
	t.Parallel()

	m, err := NewManager([]Source{csvSource()}, Config{}, nil)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if m != nil {
		t.Fatal("expected nil manager when disabled")
	}
}

func TestNewManager_EnabledRequiresFileSource(t *testing.T) {
	t.Parallel()

	_, err := NewManager([]Source{&fakeSource{name: "duckdb"}}, Config{
		Enabled:  true,
		LocalDir: t.TempDir(),
	}, nil)
	if err == nil {
		t.Fatal("expected error when every source is in-memory")
	}
}

func TestNewManager_StartupSnapshot(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	m, err := NewManager([]Source{csvSource(), &fakeSource{name: "duckdb"}}, Config{
		Enabled:  true,
		LocalDir: localDir,
		Interval: time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Stop()

	if len(m.sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(m.sources))
	}
	files, _ := filepath.Glob(filepath.Join(localDir, "kpmsink-csv-*.csv"))
	if len(files) != 1 {
		t.Fatalf("startup snapshots = %v", files)
	}
}

func TestRunOnce_CreatesAndPrunesLocalBackups(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	m := &Manager{
		sources: []Source{
			csvSource(),
			&fakeSource{name: "duckdb", path: "/tmp/kpmsink.duckdb", data: []byte("db")},
		},
		cfg: Config{
			Enabled:  true,
			LocalDir: localDir,
			KeepLast: 2,
		},
		logger: zap.NewNop(),
	}

	for i := 0; i < 3; i++ {
		if err := m.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce #%d: %v", i+1, err)
		}
	}

	for _, pattern := range []string{"kpmsink-csv-*.csv", "kpmsink-duckdb-*.duckdb"} {
		files, err := filepath.Glob(filepath.Join(localDir, pattern))
		if err != nil {
			t.Fatalf("glob backups: %v", err)
		}
		if len(files) != 2 {
			t.Fatalf("%s: backup files = %d, want 2", pattern, len(files))
		}
	}
}

func TestRunOnce_Compresses(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	src := csvSource()
	m := &Manager{
		sources: []Source{src},
		cfg:     Config{Enabled: true, LocalDir: localDir, KeepLast: 5, Compress: true},
		logger:  zap.NewNop(),
	}
	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(localDir, "kpmsink-csv-*"))
	if len(files) != 1 || filepath.Ext(files[0]) != compressedExt {
		t.Fatalf("files = %v, want one %s file", files, compressedExt)
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(got) != string(src.data) {
		t.Fatalf("decompressed = %q, want %q", got, src.data)
	}
}

func TestRunOnce_ContinuesPastFailingSource(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	boom := errors.New("disk gone")
	m := &Manager{
		sources: []Source{
			&fakeSource{name: "duckdb", path: "/tmp/x.duckdb", err: boom},
			csvSource(),
		},
		cfg:    Config{Enabled: true, LocalDir: localDir, KeepLast: 2},
		logger: zap.NewNop(),
	}

	err := m.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	files, _ := filepath.Glob(filepath.Join(localDir, "kpmsink-csv-*"))
	if len(files) != 1 {
		t.Fatalf("csv snapshots = %d, want 1", len(files))
	}
}

type blockingUploader struct {
	started chan struct{}
	once    sync.Once
}

func (u *blockingUploader) UploadFile(ctx context.Context, _, _ string) error {
	u.once.Do(func() { close(u.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestStop_CancelsInFlightUpload(t *testing.T) {
	t.Parallel()

	uploader := &blockingUploader{started: make(chan struct{})}
	m := &Manager{
		sources: []Source{csvSource()},
		cfg: Config{
			Enabled:  true,
			Interval: 5 * time.Millisecond,
			LocalDir: t.TempDir(),
			KeepLast: 2,
		},
		uploader: uploader,
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.loop()

	select {
	case <-uploader.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upload to start")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; upload likely not canceled")
	}
}

type recordingUploader struct {
	mu      sync.Mutex
	uploads map[string][]string
}

func (u *recordingUploader) UploadFile(_ context.Context, source, localPath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.uploads == nil {
		u.uploads = make(map[string][]string)
	}
	u.uploads[source] = append(u.uploads[source], filepath.Base(localPath))
	return nil
}

func TestRunOnce_UploadsUnderSourceName(t *testing.T) {
	t.Parallel()

	uploader := &recordingUploader{}
	m := &Manager{
		sources: []Source{
			csvSource(),
			&fakeSource{name: "duckdb", path: "/tmp/kpmsink.duckdb", data: []byte("db")},
		},
		cfg: Config{
			Enabled:  true,
			LocalDir: t.TempDir(),
			KeepLast: 2,
			Compress: true,
		},
		uploader: uploader,
		logger:   zap.NewNop(),
	}

	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	for source, ext := range map[string]string{"csv": ".csv.zst", "duckdb": ".duckdb.zst"} {
		files := uploader.uploads[source]
		if len(files) != 1 {
			t.Fatalf("%s uploads = %v, want 1", source, files)
		}
		if filepath.Ext(files[0]) != ".zst" || !strings.HasSuffix(files[0], ext) {
			t.Errorf("%s upload = %s, want suffix %s", source, files[0], ext)
		}
	}
}
