package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/asset-cache/internal/asset"
	"github.com/any-hub/asset-cache/internal/cache"
	"github.com/any-hub/asset-cache/internal/config"
	"github.com/any-hub/asset-cache/internal/fetch"
	"github.com/any-hub/asset-cache/internal/loader"
	"github.com/any-hub/asset-cache/internal/logging"
	"github.com/any-hub/asset-cache/internal/registry"
	"github.com/any-hub/asset-cache/internal/release"
	"github.com/any-hub/asset-cache/internal/versionstore"
)

// Options 允许调用方替换外部协作者，零值使用默认实现。
type Options struct {
	Logger     logrus.FieldLogger
	HTTPClient *http.Client
	// Disposer 是宿主侧的资源释放原语，为空时仅记录日志。
	Disposer release.Disposer
}

// Engine 是一个完整的缓存上下文。
type Engine struct {
	cfg      *config.Config
	logger   logrus.FieldLogger
	disposer release.Disposer

	store     cache.Store
	router    *fetch.Router
	versions  *versionstore.Store
	registry  *registry.Registry
	loader    *loader.Loader
	scheduler *release.Scheduler

	closeOnce sync.Once
}

// Stats 汇总注册表、加载队列与释放调度器的状态。
type Stats struct {
	Registry registry.Statistics `json:"registry"`
	Loader   loader.Stats        `json:"loader"`
	Release  ReleaseStats        `json:"release"`
}

// ReleaseStats 描述当前回收策略。
type ReleaseStats struct {
	Strategy     release.Strategy `json:"strategy"`
	DelayMillis  int64            `json:"delay_ms"`
	DelayedTasks int              `json:"delayed_tasks"`
}

// New 按配置构造并连接所有组件。cfg 应已通过 Validate。
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	global := cfg.Global

	store, err := cache.NewStore(global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	client := opts.HTTPClient
	if client == nil {
		client = fetch.NewHTTPClient(global.UpstreamTimeout.DurationValue())
	}
	retry := fetch.RetryPolicy{
		MaxRetries:     global.MaxRetries,
		InitialBackoff: global.InitialBackoff.DurationValue(),
	}

	router, err := fetch.NewRouter(
		fetch.NewLocalFetcher(store),
		fetch.NewRemoteFetcher(client, retry, store, logging.Component(logger, "fetch")),
		store,
		global.AssetBaseURL,
	)
	if err != nil {
		return nil, err
	}

	versions, err := newVersionStore(global, client, router, logging.Component(logger, "versionstore"))
	if err != nil {
		return nil, err
	}

	reg := registry.New(logging.Component(logger, "registry"))
	ld, err := loader.New(reg, router, loader.Options{
		MaxConcurrentLoads: global.MaxConcurrentLoads,
		Versions:           versions,
		Logger:             logging.Component(logger, "loader"),
	})
	if err != nil {
		_ = versions.Close()
		return nil, err
	}

	disposer := opts.Disposer
	if disposer == nil {
		disposer = logDisposer{logger: logger}
	}
	strategy, delay := global.ReleasePolicy()
	sched := release.New(reg, release.Options{
		Strategy: strategy,
		Delay:    delay,
		Disposer: disposer,
		Logger:   logging.Component(logger, "release"),
	})

	reg.SetLoader(registry.LoaderFunc(func(ctx context.Context, path string) (*asset.Asset, error) {
		return ld.LoadAsset(ctx, path)
	}))
	reg.SetZeroRefHook(sched)

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		disposer:  disposer,
		store:     store,
		router:    router,
		versions:  versions,
		registry:  reg,
		loader:    ld,
		scheduler: sched,
	}, nil
}

func newVersionStore(global config.GlobalConfig, client *http.Client, updater versionstore.Updater, logger logrus.FieldLogger) (*versionstore.Store, error) {
	var kv versionstore.KV
	if global.VersionDBPath != "" {
		sqlite, err := versionstore.OpenSQLite(global.VersionDBPath)
		if err != nil {
			return nil, fmt.Errorf("open version db: %w", err)
		}
		kv = sqlite
	} else {
		kv = versionstore.NewMemoryKV()
	}

	var authority versionstore.Authority
	if global.VersionCheckEnabled() {
		// 版本检查只尝试一次：失败即放行，重试会拖慢每次加载。
		httpAuthority, err := versionstore.NewHTTPAuthority(global.VersionServerURL, client, fetch.RetryPolicy{})
		if err != nil {
			_ = kv.Close()
			return nil, err
		}
		authority = httpAuthority
	}

	return versionstore.New(versionstore.Options{
		KV:        kv,
		Authority: authority,
		Updater:   updater,
		Logger:    logger,
	}), nil
}

// Acquire 获取资源并持有一个引用，调用方用完后必须 Release 返回的 Handle。
func (e *Engine) Acquire(ctx context.Context, path string) (*registry.Handle, error) {
	return e.registry.Acquire(ctx, path)
}

// Release 按路径归还引用；force 时直接归零。
func (e *Engine) Release(path string, force bool) {
	e.registry.Release(path, force)
}

// ForceRelease 无视策略与引用计数立即回收。
func (e *Engine) ForceRelease(path string) bool {
	return e.scheduler.ForceRelease(path)
}

// LoadAsset 加载资源但不持有引用。
func (e *Engine) LoadAsset(ctx context.Context, path string, opts ...loader.Option) (*asset.Asset, error) {
	return e.loader.LoadAsset(ctx, path, opts...)
}

// Preload 预加载一组路径。
func (e *Engine) Preload(ctx context.Context, paths []string, priority asset.Priority) error {
	return e.loader.PreloadMany(ctx, paths, priority)
}

// PreloadConfigured 并行执行配置中的所有预加载组，单个组失败不影响其它组。
func (e *Engine) PreloadConfigured(ctx context.Context) error {
	if len(e.cfg.Preload) == 0 {
		return nil
	}
	started := time.Now()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, group := range e.cfg.Preload {
		g.Go(func() error {
			err := e.loader.PreloadMany(ctx, group.Paths, group.PriorityValue())
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("preload group %s: %w", group.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	fields := logrus.Fields{
		"action":        "preload",
		"groups":        len(e.cfg.Preload),
		"paths":         e.cfg.PreloadPathCount(),
		"failed_groups": len(errs),
		"elapsed_ms":    time.Since(started).Milliseconds(),
	}
	if len(errs) > 0 {
		e.logger.WithFields(fields).Warn("startup preload finished with failures")
		return errors.Join(errs...)
	}
	e.logger.WithFields(fields).Info("startup preload finished")
	return nil
}

// SetStrategy 切换回收策略。
func (e *Engine) SetStrategy(strategy release.Strategy, delay time.Duration) {
	e.scheduler.SetStrategy(strategy, delay)
}

// SetMaxConcurrentLoads 调整加载并发上限。
func (e *Engine) SetMaxConcurrentLoads(n int) {
	e.loader.SetMaxConcurrentLoads(n)
}

// Clear 清空缓存（非 force 时仅清除引用计数为 0 的条目），并释放被移除条目的资源。
func (e *Engine) Clear(force bool) []registry.Entry {
	removed := e.registry.Clear(force)
	for _, entry := range removed {
		e.scheduler.CancelDelayedRelease(entry.Path)
		if entry.Asset != nil {
			e.disposer.Dispose(entry.Asset)
		}
	}
	return removed
}

// Find 查询缓存，不影响引用计数。
func (e *Engine) Find(path string) (*asset.Asset, bool) {
	return e.registry.Find(path)
}

// Info 返回单个条目的快照。
func (e *Engine) Info(path string) (registry.Entry, bool) {
	return e.registry.Info(path)
}

// Entries 返回所有条目的快照。
func (e *Engine) Entries() []registry.Entry {
	return e.registry.Entries()
}

// Stats 返回各组件的状态汇总。
func (e *Engine) Stats() Stats {
	strategy, delay := e.scheduler.Strategy()
	return Stats{
		Registry: e.registry.Statistics(),
		Loader:   e.loader.Stats(),
		Release: ReleaseStats{
			Strategy:     strategy,
			DelayMillis:  delay.Milliseconds(),
			DelayedTasks: e.scheduler.DelayedTaskCount(),
		},
	}
}

// VersionCheckEnabled 表示是否配置了版本服务器。
func (e *Engine) VersionCheckEnabled() bool {
	return e.versions.Enabled()
}

// CheckVersion 返回路径的版本比对结果。
func (e *Engine) CheckVersion(ctx context.Context, path string) versionstore.Record {
	return e.versions.CheckVersion(ctx, path)
}

// ClearVersionCache 清空版本比对缓存。
func (e *Engine) ClearVersionCache() {
	e.versions.ClearCache()
}

// Close 停止调度器并关闭版本存储，多次调用安全。
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.scheduler.Stop()
		err = e.versions.Close()
	})
	return err
}

type logDisposer struct {
	logger logrus.FieldLogger
}

func (d logDisposer) Dispose(a *asset.Asset) {
	fields := logging.AssetFields("asset_dispose", a.Path)
	fields["size"] = a.Size
	d.logger.WithFields(fields).Debug("asset disposed")
}
