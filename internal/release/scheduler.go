package release

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/asset"
)

// Cache 是 Scheduler 操作的缓存视图，由 registry.Registry 实现。
type Cache interface {
	RefCount(path string) (int, bool)
	Evict(path string, force bool) (*asset.Asset, error)
	UnusedPaths() []string
	AllPaths() []string
}

// Disposer 在条目被移出缓存后释放宿主侧资源。
type Disposer interface {
	Dispose(a *asset.Asset)
}

// DisposerFunc 将函数适配为 Disposer。
type DisposerFunc func(a *asset.Asset)

// Dispose 使 DisposerFunc 满足 Disposer 接口。
func (f DisposerFunc) Dispose(a *asset.Asset) {
	f(a)
}

// Options 描述 Scheduler 的初始策略与依赖。
type Options struct {
	Strategy Strategy
	Delay    time.Duration
	Disposer Disposer
	Logger   logrus.FieldLogger
}

// Scheduler 实现 registry.ZeroRefHook。
type Scheduler struct {
	cache    Cache
	disposer Disposer
	logger   logrus.FieldLogger
	now      func() time.Time

	mu       sync.Mutex
	strategy Strategy
	delay    time.Duration
	tasks    map[string]time.Time
	timer    *time.Timer
}

// New 构造 Scheduler。
func New(cache Cache, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Scheduler{
		cache:    cache,
		disposer: opts.Disposer,
		logger:   logger,
		now:      time.Now,
		tasks:    make(map[string]time.Time),
	}
	s.strategy, s.delay = opts.Strategy, normalizeDelay(opts.Delay)
	return s
}

func normalizeDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultDelay
	}
	return d
}

// Strategy 返回当前策略及延迟。
func (s *Scheduler) Strategy() (Strategy, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy, s.delay
}

// SetStrategy 切换策略。离开 Delayed 时立即处理所有待执行任务：
// 引用计数仍为 0 的回收，其余丢弃。
func (s *Scheduler) SetStrategy(strategy Strategy, delay time.Duration) {
	s.mu.Lock()
	previous := s.strategy
	s.strategy = strategy
	if delay > 0 || strategy == Delayed {
		s.delay = normalizeDelay(delay)
	}
	var flushed []string
	if previous == Delayed && strategy != Delayed {
		flushed = s.takeAllLocked()
	}
	current := s.delay
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"action":   "release_strategy",
		"strategy": strategy.String(),
		"delay_ms": current.Milliseconds(),
		"flushed":  len(flushed),
	}).Info("release strategy changed")

	for _, path := range flushed {
		s.releaseIfUnused(path)
	}
}

// OnZeroRef 在引用计数归零时被 Registry 调用。
func (s *Scheduler) OnZeroRef(path string) {
	s.mu.Lock()
	switch s.strategy {
	case Manual:
		s.mu.Unlock()
	case Delayed:
		s.tasks[path] = s.now().Add(s.delay)
		s.armLocked()
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		s.releaseIfUnused(path)
	}
}

// ForceRelease 取消路径的延迟任务并无条件回收，忽略策略与引用计数。
func (s *Scheduler) ForceRelease(path string) bool {
	s.CancelDelayedRelease(path)
	a, err := s.cache.Evict(path, true)
	if err != nil {
		return false
	}
	s.dispose(path, a, true)
	return true
}

// ReleaseAll 在 force 时强制回收所有条目，否则对每个未使用的条目按当前策略处理。
func (s *Scheduler) ReleaseAll(force bool) {
	if force {
		for _, path := range s.cache.AllPaths() {
			s.ForceRelease(path)
		}
		return
	}
	for _, path := range s.cache.UnusedPaths() {
		s.OnZeroRef(path)
	}
}

// CancelDelayedRelease 取消路径的延迟任务，返回任务是否存在。
func (s *Scheduler) CancelDelayedRelease(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[path]; !ok {
		return false
	}
	delete(s.tasks, path)
	s.armLocked()
	return true
}

// DelayedTaskCount 返回待执行的延迟任务数。
func (s *Scheduler) DelayedTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// DelayedPaths 返回待执行延迟任务的路径，按字典序排列。
func (s *Scheduler) DelayedPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.tasks))
	for path := range s.tasks {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// ClearDelayedTasks 丢弃所有延迟任务而不回收。
func (s *Scheduler) ClearDelayedTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]time.Time)
	s.armLocked()
}

// Stop 停止定时器并丢弃延迟任务。
func (s *Scheduler) Stop() {
	s.ClearDelayedTasks()
}

// armLocked 将定时器对准最早的 releaseAt；没有任务时停止定时器。
func (s *Scheduler) armLocked() {
	if len(s.tasks) == 0 {
		if s.timer != nil {
			s.timer.Stop()
		}
		return
	}
	var earliest time.Time
	for _, at := range s.tasks {
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	wait := earliest.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(wait, s.sweep)
		return
	}
	s.timer.Stop()
	s.timer.Reset(wait)
}

// sweep 处理所有到期任务。到期时引用计数不为 0 的任务直接丢弃。
func (s *Scheduler) sweep() {
	s.mu.Lock()
	now := s.now()
	var due []string
	for path, at := range s.tasks {
		if !at.After(now) {
			due = append(due, path)
			delete(s.tasks, path)
		}
	}
	s.armLocked()
	s.mu.Unlock()

	sort.Strings(due)
	for _, path := range due {
		s.releaseIfUnused(path)
	}
}

func (s *Scheduler) takeAllLocked() []string {
	paths := make([]string, 0, len(s.tasks))
	for path := range s.tasks {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	s.tasks = make(map[string]time.Time)
	s.armLocked()
	return paths
}

// releaseIfUnused 仅在引用计数仍为 0 时回收。检查与移除之间被重新获取属于正常竞争，
// 只记录 Debug 日志。
func (s *Scheduler) releaseIfUnused(path string) bool {
	count, ok := s.cache.RefCount(path)
	if !ok || count > 0 {
		return false
	}
	return s.doRelease(path, logrus.DebugLevel)
}

// doRelease 移除条目并释放资源。若此刻引用计数不为 0 则放弃，并以 abortLevel 记录；
// 未预先检查引用计数的调用方应使用 Warn。
func (s *Scheduler) doRelease(path string, abortLevel logrus.Level) bool {
	a, err := s.cache.Evict(path, false)
	if err != nil {
		var inconsistency *asset.ReleaseInconsistency
		if errors.As(err, &inconsistency) {
			s.logger.WithFields(logrus.Fields{
				"action":    "asset_release",
				"path":      path,
				"ref_count": inconsistency.RefCount,
			}).Log(abortLevel, "release aborted: asset still referenced")
		}
		return false
	}
	s.dispose(path, a, false)
	return true
}

func (s *Scheduler) dispose(path string, a *asset.Asset, forced bool) {
	if s.disposer != nil && a != nil {
		s.disposer.Dispose(a)
	}
	s.logger.WithFields(logrus.Fields{
		"action": "asset_release",
		"path":   path,
		"force":  forced,
	}).Debug("asset_released")
}
