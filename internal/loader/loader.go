package loader

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/asset"
	"github.com/any-hub/asset-cache/internal/logging"
	"github.com/any-hub/asset-cache/internal/versionstore"
)

// Cache 是 Loader 依赖的缓存视图，由 Registry 实现。
type Cache interface {
	Find(path string) (*asset.Asset, bool)
	Register(path string, a *asset.Asset)
}

// Fetcher 是外部获取原语，按路径来源选择本地或远程实现。
type Fetcher interface {
	Fetch(ctx context.Context, path string, typeHint string) (*asset.Asset, error)
}

// VersionChecker 在配置了版本服务器时参与加载流程。
type VersionChecker interface {
	Enabled() bool
	CheckVersion(ctx context.Context, path string) versionstore.Record
	UpdateAsset(ctx context.Context, path, version string) error
}

// Options 汇总构造 Loader 所需的可选依赖。
type Options struct {
	MaxConcurrentLoads int
	Versions           VersionChecker
	Logger             logrus.FieldLogger
}

// Stats 描述队列与并发槽位的瞬时状态。
type Stats struct {
	Pending            int `json:"pending"`
	InFlight           int `json:"in_flight"`
	MaxConcurrentLoads int `json:"max_concurrent_loads"`
}

// Loader 负责排队、去重与并发受限的资源加载。
type Loader struct {
	cache    Cache
	fetcher  Fetcher
	versions VersionChecker
	logger   logrus.FieldLogger

	mu            sync.Mutex
	queue         pendingQueue
	outstanding   map[string]*pendingLoad
	seq           uint64
	maxConcurrent int
	active        int
	draining      bool
}

// New 构造 Loader。cache 与 fetcher 必须非空。
func New(cache Cache, fetcher Fetcher, opts Options) (*Loader, error) {
	if cache == nil {
		return nil, errors.New("loader: cache is required")
	}
	if fetcher == nil {
		return nil, errors.New("loader: fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	limit := opts.MaxConcurrentLoads
	if limit == 0 {
		limit = DefaultMaxConcurrentLoads
	}
	return &Loader{
		cache:         cache,
		fetcher:       fetcher,
		versions:      opts.Versions,
		logger:        logger,
		outstanding:   make(map[string]*pendingLoad),
		maxConcurrent: clampConcurrency(limit),
	}, nil
}

func clampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// SetMaxConcurrentLoads 调整并发上限，最小为 1。调大后立即尝试出队。
func (l *Loader) SetMaxConcurrentLoads(n int) {
	l.mu.Lock()
	l.maxConcurrent = clampConcurrency(n)
	l.mu.Unlock()
	l.drain()
}

// Stats 返回当前排队数与执行中的加载数。
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Pending:            l.queue.Len(),
		InFlight:           l.active,
		MaxConcurrentLoads: l.maxConcurrent,
	}
}

// LoadAsset 加载单个资源：
//  1. 配置了版本服务器且记录显示需要更新时，先执行更新；
//  2. Registry 已缓存时直接返回，不触发获取；
//  3. 否则排队获取，成功后（除非 WithoutCache）注册到 Registry；
//  4. 获取失败以 *asset.LoadFailure 返回，不自动重试。
//
// ctx 取消只会让调用方提前返回，已出队的加载仍会执行完毕并占用槽位。
func (l *Loader) LoadAsset(ctx context.Context, path string, opts ...Option) (*asset.Asset, error) {
	o := buildOptions(opts)

	if err := l.applyVersionUpdate(ctx, path); err != nil {
		return nil, err
	}
	if a, ok := l.cache.Find(path); ok {
		return a, nil
	}

	task := l.enqueue(ctx, path, o, false)
	l.drain()

	select {
	case <-task.done:
		return task.result, task.err
	case <-ctx.Done():
		return nil, &asset.LoadFailure{Path: path, Err: ctx.Err()}
	}
}

// PreloadMany 将尚未缓存的路径按优先级入队，并等待全部结束。单个路径失败不会影响其它路径，
// 所有失败汇总为 *PreloadError 返回。
func (l *Loader) PreloadMany(ctx context.Context, paths []string, priority asset.Priority) error {
	o := LoadOptions{Priority: priority}
	tasks := make([]*pendingLoad, 0, len(paths))
	for _, path := range paths {
		if _, ok := l.cache.Find(path); ok {
			continue
		}
		tasks = append(tasks, l.enqueue(ctx, path, o, true))
	}
	if len(tasks) == 0 {
		return nil
	}

	l.logger.WithFields(logrus.Fields{
		"action":   "preload",
		"queued":   len(tasks),
		"priority": priority.String(),
	}).Debug("preload queued")
	l.drain()

	failures := make(map[string]error)
	for _, task := range tasks {
		select {
		case <-task.done:
			if task.err != nil {
				failures[task.path] = task.err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(failures) > 0 {
		return &PreloadError{Failures: failures}
	}
	return nil
}

// enqueue 为路径创建排队任务；若该路径已有排队或执行中的任务，则加入该任务，
// 必要时提升其优先级。
func (l *Loader) enqueue(ctx context.Context, path string, o LoadOptions, checkVersion bool) *pendingLoad {
	l.mu.Lock()
	defer l.mu.Unlock()

	if task, ok := l.outstanding[path]; ok {
		task.waiters++
		if !o.NoCache {
			task.cache = true
		}
		if !task.started && o.Priority > task.priority {
			task.priority = o.Priority
			heap.Fix(&l.queue, task.index)
		}
		return task
	}

	l.seq++
	task := &pendingLoad{
		ctx:          context.WithoutCancel(ctx),
		path:         path,
		priority:     o.Priority,
		seq:          l.seq,
		typeHint:     o.TypeHint,
		cache:        !o.NoCache,
		checkVersion: checkVersion,
		waiters:      1,
		done:         make(chan struct{}),
	}
	l.outstanding[path] = task
	heap.Push(&l.queue, task)
	return task
}

// drain 在有空闲槽位时不断弹出最高优先级任务并异步执行。draining 标志保证同一时刻只有一个
// 出队循环；退出判断与清除标志在同一临界区内完成，避免任务完成时的唤醒丢失。
func (l *Loader) drain() {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	for {
		if l.queue.Len() == 0 || l.active >= l.maxConcurrent {
			l.draining = false
			l.mu.Unlock()
			return
		}
		task := heap.Pop(&l.queue).(*pendingLoad)
		task.started = true
		l.active++
		l.mu.Unlock()

		go l.run(task)

		l.mu.Lock()
	}
}

func (l *Loader) run(task *pendingLoad) {
	started := time.Now()
	a, err := l.execute(task)
	if err != nil {
		var lf *asset.LoadFailure
		if !errors.As(err, &lf) {
			err = &asset.LoadFailure{Path: task.path, Err: err}
		}
	}

	l.mu.Lock()
	if err == nil && task.cache {
		l.cache.Register(task.path, a)
	}
	delete(l.outstanding, task.path)
	l.active--
	task.result, task.err = a, err
	waiters := task.waiters
	l.mu.Unlock()
	close(task.done)

	fields := logging.AssetFields("asset_load", task.path)
	fields["priority"] = task.priority.String()
	fields["waiters"] = waiters
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		l.logger.WithFields(fields).WithError(err).Error("asset_load_failed")
	} else {
		fields["size"] = a.Size
		l.logger.WithFields(fields).Debug("asset_loaded")
	}

	l.drain()
}

func (l *Loader) execute(task *pendingLoad) (*asset.Asset, error) {
	if task.checkVersion {
		if err := l.applyVersionUpdate(task.ctx, task.path); err != nil {
			return nil, err
		}
	}
	if a, ok := l.cache.Find(task.path); ok {
		return a, nil
	}
	a, err := l.fetcher.Fetch(task.ctx, task.path, task.typeHint)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("fetcher returned no asset")
	}
	return a, nil
}

func (l *Loader) applyVersionUpdate(ctx context.Context, path string) error {
	if l.versions == nil || !l.versions.Enabled() {
		return nil
	}
	record := l.versions.CheckVersion(ctx, path)
	if !record.NeedsUpdate {
		return nil
	}
	if err := l.versions.UpdateAsset(ctx, path, record.LatestVersion); err != nil {
		return &asset.LoadFailure{Path: path, Err: fmt.Errorf("update to %s: %w", record.LatestVersion, err)}
	}
	return nil
}

// waiters 返回某路径未完成任务的等待者数量，仅供测试观察。
func (l *Loader) waiters(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if task, ok := l.outstanding[path]; ok {
		return task.waiters
	}
	return 0
}

// PreloadError 汇总 PreloadMany 中失败的路径。
type PreloadError struct {
	Failures map[string]error
}

func (e *PreloadError) Error() string {
	paths := e.Paths()
	return fmt.Sprintf("preload failed for %d path(s): %s", len(paths), strings.Join(paths, ", "))
}

// Paths 返回失败路径，按字典序排列。
func (e *PreloadError) Paths() []string {
	paths := make([]string, 0, len(e.Failures))
	for path := range e.Failures {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (e *PreloadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, path := range e.Paths() {
		errs = append(errs, e.Failures[path])
	}
	return errs
}
