package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/asset"
)

// Loader 在缓存未命中时被 Acquire 调用。
type Loader interface {
	LoadAsset(ctx context.Context, path string) (*asset.Asset, error)
}

// LoaderFunc 将函数适配为 Loader。
type LoaderFunc func(ctx context.Context, path string) (*asset.Asset, error)

// LoadAsset 使 LoaderFunc 满足 Loader 接口。
func (f LoaderFunc) LoadAsset(ctx context.Context, path string) (*asset.Asset, error) {
	return f(ctx, path)
}

// ZeroRefHook 在引用计数恰好降为 0 时被调用。
type ZeroRefHook interface {
	OnZeroRef(path string)
}

type entry struct {
	asset    *asset.Asset
	refCount int
	lastUsed time.Time
}

// Entry 是条目的只读快照。
type Entry struct {
	Path         string       `json:"path"`
	RefCount     int          `json:"ref_count"`
	LastUsedTime time.Time    `json:"last_used_time"`
	Size         int64        `json:"size"`
	Checksum     string       `json:"checksum"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Asset        *asset.Asset `json:"-"`
}

// Statistics 汇总当前缓存的使用情况。
type Statistics struct {
	TotalAssets   int `json:"total_assets"`
	UsedAssets    int `json:"used_assets"`
	UnusedAssets  int `json:"unused_assets"`
	TotalRefCount int `json:"total_ref_count"`
}

// Registry 是资源的身份映射缓存。
type Registry struct {
	logger logrus.FieldLogger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	deps    map[string]map[string]struct{}

	hookMu sync.RWMutex
	loader Loader
	hook   ZeroRefHook
}

// New 构造空的 Registry；Loader 与 ZeroRefHook 通过 SetLoader/SetZeroRefHook 在装配阶段注入。
func New(logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
		deps:    make(map[string]map[string]struct{}),
	}
}

// SetLoader 注入缓存未命中时使用的加载器。
func (r *Registry) SetLoader(loader Loader) {
	r.hookMu.Lock()
	r.loader = loader
	r.hookMu.Unlock()
}

// SetZeroRefHook 注入引用计数归零时的通知对象。
func (r *Registry) SetZeroRefHook(hook ZeroRefHook) {
	r.hookMu.Lock()
	r.hook = hook
	r.hookMu.Unlock()
}

// maxReloads 限制 Acquire 在加载结果被并发回收后重新加载的次数。
const maxReloads = 3

// Register 以引用计数 0 插入条目；已存在时不覆盖计数，但总会刷新依赖记录。
// 已被回收的实例不会重新注册。
func (r *Registry) Register(path string, a *asset.Asset) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(path, a)
}

// registerLocked 返回 path 的条目；条目不存在且 a 已被回收时返回 nil。
func (r *Registry) registerLocked(path string, a *asset.Asset) *entry {
	e, ok := r.entries[path]
	if !ok {
		if a.Evicted() {
			return nil
		}
		e = &entry{asset: a, lastUsed: r.now()}
		r.entries[path] = e
	}
	r.recordDependenciesLocked(path, a.Dependencies)
	return e
}

func (r *Registry) recordDependenciesLocked(path string, deps []string) {
	if len(deps) == 0 {
		return
	}
	set, ok := r.deps[path]
	if !ok {
		set = make(map[string]struct{}, len(deps))
		r.deps[path] = set
	}
	for _, dep := range deps {
		set[dep] = struct{}{}
	}
}

// Acquire 返回资源并持有一个引用。命中时直接递增计数；未命中时委托 Loader 加载、
// 注册后再递增，这是引用计数从 0 上升的唯一途径。
//
// 加载结果可能在交付给本调用前已被其它持有者释放并回收（去重加载共享同一结果），
// 此时不会复活该实例，而是重新加载。
func (r *Registry) Acquire(ctx context.Context, path string) (*Handle, error) {
	if a, ok := r.acquireCached(path); ok {
		return newHandle(r, path, a), nil
	}

	r.hookMu.RLock()
	loader := r.loader
	r.hookMu.RUnlock()
	if loader == nil {
		return nil, &asset.LoadFailure{Path: path, Err: asset.ErrNotCached}
	}

	for attempt := 0; ; attempt++ {
		loaded, err := loader.LoadAsset(ctx, path)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		e := r.registerLocked(path, loaded)
		if e != nil {
			e.refCount++
			e.lastUsed = r.now()
			a := e.asset
			r.mu.Unlock()
			return newHandle(r, path, a), nil
		}
		r.mu.Unlock()

		if attempt+1 >= maxReloads {
			return nil, &asset.LoadFailure{Path: path, Err: asset.ErrEvicted}
		}
		r.logger.WithFields(logrus.Fields{
			"action":  "asset_acquire",
			"path":    path,
			"attempt": attempt + 1,
		}).Debug("loaded asset evicted before acquire, reloading")
	}
}

func (r *Registry) acquireCached(path string) (*asset.Asset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[path]
	if !ok {
		return nil, false
	}
	e.refCount++
	e.lastUsed = r.now()
	return e.asset, true
}

// Find 查找缓存，不影响引用计数。
func (r *Registry) Find(path string) (*asset.Asset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[path]
	if !ok {
		return nil, false
	}
	return e.asset, true
}

// Release 将引用计数减 1（force 时直接归零）；恰好归零时通知 ZeroRefHook。
// 不存在的路径视为 no-op。
func (r *Registry) Release(path string, force bool) {
	r.mu.Lock()
	e, ok := r.entries[path]
	if !ok {
		r.mu.Unlock()
		return
	}
	if force {
		e.refCount = 0
	} else if e.refCount > 0 {
		e.refCount--
	}
	zero := e.refCount == 0
	r.mu.Unlock()

	if zero {
		r.notifyZeroRef(path)
	}
}

func (r *Registry) notifyZeroRef(path string) {
	r.hookMu.RLock()
	hook := r.hook
	r.hookMu.RUnlock()
	if hook != nil {
		hook.OnZeroRef(path)
	}
}

// AddRef 为已缓存的资源增加一个引用；不存在时忽略。
func (r *Registry) AddRef(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[path]; ok {
		e.refCount++
		e.lastUsed = r.now()
	}
}

// RemoveRef 等价于非强制 Release。
func (r *Registry) RemoveRef(path string) {
	r.Release(path, false)
}

// RefCount 返回引用计数，第二个返回值表示条目是否存在。
func (r *Registry) RefCount(path string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[path]
	if !ok {
		return 0, false
	}
	return e.refCount, true
}

// Evict 原子地移除条目并返回其资源。非 force 时若引用计数不为 0 返回
// *asset.ReleaseInconsistency 且不做任何修改；不存在时返回 asset.ErrNotCached。
func (r *Registry) Evict(path string, force bool) (*asset.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[path]
	if !ok {
		return nil, asset.ErrNotCached
	}
	if !force && e.refCount > 0 {
		return nil, &asset.ReleaseInconsistency{Path: path, RefCount: e.refCount}
	}
	delete(r.entries, path)
	delete(r.deps, path)
	e.asset.MarkEvicted()
	return e.asset, nil
}

// Clear 在 force 时无条件清空，否则仅移除引用计数为 0 的条目。返回被移除的条目快照。
func (r *Registry) Clear(force bool) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Entry
	for path, e := range r.entries {
		if !force && e.refCount > 0 {
			continue
		}
		removed = append(removed, r.snapshotLocked(path, e))
		delete(r.entries, path)
		delete(r.deps, path)
		e.asset.MarkEvicted()
	}
	if force {
		r.deps = make(map[string]map[string]struct{})
	}
	sortEntries(removed)
	if len(removed) > 0 {
		r.logger.WithFields(logrus.Fields{
			"action":  "registry_clear",
			"force":   force,
			"removed": len(removed),
		}).Debug("registry cleared")
	}
	return removed
}

// Info 返回单个条目的快照。
func (r *Registry) Info(path string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[path]
	if !ok {
		return Entry{}, false
	}
	return r.snapshotLocked(path, e), true
}

// Entries 返回全部条目的快照，按路径排序。
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Entry, 0, len(r.entries))
	for path, e := range r.entries {
		result = append(result, r.snapshotLocked(path, e))
	}
	sortEntries(result)
	return result
}

// Statistics 统计条目数量与引用总数。
func (r *Registry) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Statistics{TotalAssets: len(r.entries)}
	for _, e := range r.entries {
		if e.refCount > 0 {
			stats.UsedAssets++
		}
		stats.TotalRefCount += e.refCount
	}
	stats.UnusedAssets = stats.TotalAssets - stats.UsedAssets
	return stats
}

// UnusedPaths 返回引用计数为 0 的路径。
func (r *Registry) UnusedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var paths []string
	for path, e := range r.entries {
		if e.refCount == 0 {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// AllPaths 返回全部已缓存路径。
func (r *Registry) AllPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.entries))
	for path := range r.entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// DependenciesOf 返回获取层上报的依赖路径。
func (r *Registry) DependenciesOf(path string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dependenciesLocked(path)
}

// Size 返回条目数量。
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) dependenciesLocked(path string) []string {
	set := r.deps[path]
	if len(set) == 0 {
		return nil
	}
	deps := make([]string, 0, len(set))
	for dep := range set {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

func (r *Registry) snapshotLocked(path string, e *entry) Entry {
	return Entry{
		Path:         path,
		RefCount:     e.refCount,
		LastUsedTime: e.lastUsed,
		Size:         e.asset.Size,
		Checksum:     e.asset.Checksum,
		Dependencies: r.dependenciesLocked(path),
		Asset:        e.asset,
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}
