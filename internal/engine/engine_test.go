package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/asset-cache/internal/asset"
	"github.com/any-hub/asset-cache/internal/config"
	"github.com/any-hub/asset-cache/internal/logging"
	"github.com/any-hub/asset-cache/internal/release"
)

type recordingDisposer struct {
	mu    sync.Mutex
	paths []string
}

func (d *recordingDisposer) Dispose(a *asset.Asset) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paths = append(d.paths, a.Path)
}

func (d *recordingDisposer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.paths)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:         5100,
			StoragePath:        t.TempDir(),
			MaxConcurrentLoads: 2,
			ReleaseStrategy:    "immediate",
			ReleaseDelay:       config.Duration(5 * time.Second),
			MaxRetries:         1,
			InitialBackoff:     config.Duration(time.Millisecond),
			UpstreamTimeout:    config.Duration(5 * time.Second),
		},
	}
}

func writeAsset(t *testing.T, cfg *config.Config, bundle, name, body string) {
	t.Helper()
	full := filepath.Join(cfg.Global.StoragePath, bundle, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *recordingDisposer) {
	t.Helper()
	disposer := &recordingDisposer{}
	e, err := New(cfg, Options{Logger: logging.Discard(), Disposer: disposer})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, disposer
}

func TestAcquireReleaseImmediate(t *testing.T) {
	cfg := testConfig(t)
	writeAsset(t, cfg, "resources", "a.txt", "hello")
	e, disposer := newTestEngine(t, cfg)

	h, err := e.Acquire(context.Background(), "a.txt")
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	if string(h.Asset().Data) != "hello" {
		t.Fatalf("unexpected data %q", h.Asset().Data)
	}
	if info, ok := e.Info("a.txt"); !ok || info.RefCount != 1 {
		t.Fatalf("expected refcount 1, got %+v", info)
	}

	h.Release()
	if _, ok := e.Find("a.txt"); ok {
		t.Fatalf("immediate strategy should evict released asset")
	}
	if disposer.count() != 1 {
		t.Fatalf("expected one disposal, got %d", disposer.count())
	}
}

func TestAcquireMissingAssetFails(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t))
	_, err := e.Acquire(context.Background(), "ui-bundle/missing.png")
	var lf *asset.LoadFailure
	if !errors.As(err, &lf) {
		t.Fatalf("expected LoadFailure, got %v", err)
	}
}

func TestDelayedStrategyKeepsAssetUntilDeadline(t *testing.T) {
	cfg := testConfig(t)
	writeAsset(t, cfg, "resources", "a.txt", "hello")
	e, disposer := newTestEngine(t, cfg)
	e.SetStrategy(release.Delayed, 40*time.Millisecond)

	h, err := e.Acquire(context.Background(), "a.txt")
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	h.Release()
	if _, ok := e.Find("a.txt"); !ok {
		t.Fatalf("delayed strategy should keep the asset for a while")
	}
	if stats := e.Stats(); stats.Release.DelayedTasks != 1 || stats.Release.Strategy != release.Delayed {
		t.Fatalf("unexpected release stats: %+v", stats.Release)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.Find("a.txt"); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := e.Find("a.txt"); ok {
		t.Fatalf("asset should be evicted after the delay")
	}
	if disposer.count() != 1 {
		t.Fatalf("expected one disposal")
	}
}

func TestClearKeepsReferencedEntries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Global.ReleaseStrategy = "manual"
	writeAsset(t, cfg, "resources", "held.txt", "held")
	writeAsset(t, cfg, "resources", "idle.txt", "idle")
	e, disposer := newTestEngine(t, cfg)

	held, err := e.Acquire(context.Background(), "held.txt")
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	idle, err := e.Acquire(context.Background(), "idle.txt")
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	idle.Release()

	removed := e.Clear(false)
	if len(removed) != 1 || removed[0].Path != "idle.txt" {
		t.Fatalf("unexpected removed entries: %+v", removed)
	}
	if _, ok := e.Find("held.txt"); !ok {
		t.Fatalf("referenced entry must survive a non-forced clear")
	}
	if disposer.count() != 1 {
		t.Fatalf("cleared entry should be disposed")
	}

	e.Clear(true)
	if _, ok := e.Find("held.txt"); ok {
		t.Fatalf("forced clear should remove everything")
	}
	if !held.Release() {
		t.Fatalf("handle release should still report first release")
	}
}

func TestPreloadConfiguredIsolatesGroups(t *testing.T) {
	cfg := testConfig(t)
	writeAsset(t, cfg, "ui-bundle", "hero.png", "hero")
	writeAsset(t, cfg, "resources", "shared.txt", "shared")
	cfg.Preload = []config.PreloadGroup{
		{Name: "ui", Priority: "high", Paths: []string{"ui-bundle/hero.png"}},
		{Name: "broken", Priority: "low", Paths: []string{"shared.txt", "missing.txt"}},
	}
	e, _ := newTestEngine(t, cfg)

	err := e.PreloadConfigured(context.Background())
	if err == nil {
		t.Fatalf("expected preload error for missing path")
	}
	if _, ok := e.Find("ui-bundle/hero.png"); !ok {
		t.Fatalf("healthy group should be cached")
	}
	if _, ok := e.Find("shared.txt"); !ok {
		t.Fatalf("sibling in the failing group should be cached")
	}
	if info, _ := e.Info("shared.txt"); info.RefCount != 0 {
		t.Fatalf("preloaded assets should not hold references")
	}
}

func TestVersionUpdateRefreshesLocalAsset(t *testing.T) {
	var versionHits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/version":
			atomic.AddInt32(&versionHits, 1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"1.1.0","size":7,"checksum":"x","updateTime":1}`))
		case "/cdn/resources/a.txt":
			_, _ = w.Write([]byte("updated"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Global.VersionServerURL = server.URL
	cfg.Global.AssetBaseURL = server.URL + "/cdn"
	cfg.Global.VersionDBPath = filepath.Join(t.TempDir(), "versions.db")
	writeAsset(t, cfg, "resources", "a.txt", "stale")

	e, _ := newTestEngine(t, cfg)
	if !e.VersionCheckEnabled() {
		t.Fatalf("version checks should be enabled")
	}

	h, err := e.Acquire(context.Background(), "a.txt")
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	defer h.Release()
	if string(h.Asset().Data) != "updated" {
		t.Fatalf("expected refreshed bytes, got %q", h.Asset().Data)
	}
	if record := e.CheckVersion(context.Background(), "a.txt"); record.NeedsUpdate {
		t.Fatalf("record should be current after update: %+v", record)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	reopened, _ := newTestEngine(t, cfg)
	if record := reopened.CheckVersion(context.Background(), "a.txt"); record.NeedsUpdate || record.Version != "1.1.0" {
		t.Fatalf("persisted version should survive restart: %+v", record)
	}
	reopened.ClearVersionCache()
	if atomic.LoadInt32(&versionHits) < 2 {
		t.Fatalf("expected the version server to be consulted")
	}
}

func TestVersionServerOutageDoesNotBlockLoads(t *testing.T) {
	var versionHits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&versionHits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Global.VersionServerURL = server.URL
	cfg.Global.MaxRetries = 3
	cfg.Global.InitialBackoff = config.Duration(time.Second)
	writeAsset(t, cfg, "resources", "a.txt", "local")
	writeAsset(t, cfg, "resources", "b.txt", "other")
	e, _ := newTestEngine(t, cfg)

	started := time.Now()
	for _, p := range []string{"a.txt", "a.txt", "b.txt"} {
		a, err := e.LoadAsset(context.Background(), p)
		if err != nil {
			t.Fatalf("load %s should succeed despite version outage: %v", p, err)
		}
		if len(a.Data) == 0 {
			t.Fatalf("unexpected empty data for %s", p)
		}
	}
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("version outage must not stall loads, took %s", elapsed)
	}
	if hits := atomic.LoadInt32(&versionHits); hits != 2 {
		t.Fatalf("expected one version request per path, got %d", hits)
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil config")
	}
}
