package release

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/any-hub/asset-cache/internal/asset"
	"github.com/any-hub/asset-cache/internal/registry"
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

func (d *recordingDisposer) disposed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.paths...)
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestSetup(strategy Strategy, delay time.Duration) (*registry.Registry, *Scheduler, *recordingDisposer) {
	reg := registry.New(quietLogger())
	reg.SetLoader(registry.LoaderFunc(func(ctx context.Context, path string) (*asset.Asset, error) {
		return asset.New(path, nil, []byte(path), "text/plain", nil), nil
	}))
	disposer := &recordingDisposer{}
	sched := New(reg, Options{Strategy: strategy, Delay: delay, Disposer: disposer, Logger: quietLogger()})
	reg.SetZeroRefHook(sched)
	return reg, sched, disposer
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{"": Immediate, "Immediate": Immediate, " delayed ": Delayed, "MANUAL": Manual}
	for raw, want := range cases {
		got, err := ParseStrategy(raw)
		if err != nil || got != want {
			t.Fatalf("ParseStrategy(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseStrategy("lazy"); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}

func TestImmediateReleaseEvicts(t *testing.T) {
	reg, _, disposer := newTestSetup(Immediate, 0)
	h, err := reg.Acquire(context.Background(), "a.png")
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	h.Release()

	if _, ok := reg.Find("a.png"); ok {
		t.Fatalf("immediate strategy should evict on zero refcount")
	}
	if got := disposer.disposed(); len(got) != 1 || got[0] != "a.png" {
		t.Fatalf("expected disposal of a.png, got %v", got)
	}
}

func TestImmediateSkipsReacquiredEntry(t *testing.T) {
	reg, sched, disposer := newTestSetup(Immediate, 0)
	reg.Register("a.png", asset.New("a.png", nil, nil, "", nil))
	reg.AddRef("a.png")

	sched.OnZeroRef("a.png")
	if _, ok := reg.Find("a.png"); !ok {
		t.Fatalf("referenced entry must survive a stale notification")
	}
	if len(disposer.disposed()) != 0 {
		t.Fatalf("nothing should be disposed")
	}
}

func TestManualKeepsEntries(t *testing.T) {
	reg, sched, _ := newTestSetup(Manual, 0)
	h, _ := reg.Acquire(context.Background(), "a.png")
	h.Release()

	if _, ok := reg.Find("a.png"); !ok {
		t.Fatalf("manual strategy must not evict")
	}
	if sched.DelayedTaskCount() != 0 {
		t.Fatalf("manual strategy must not schedule tasks")
	}

	sched.ReleaseAll(false)
	if _, ok := reg.Find("a.png"); !ok {
		t.Fatalf("non-forced ReleaseAll under manual strategy is a no-op")
	}
	sched.ReleaseAll(true)
	if reg.Size() != 0 {
		t.Fatalf("forced ReleaseAll should empty the registry")
	}
}

func TestDelayedReleaseEvictsAfterDelay(t *testing.T) {
	reg, sched, disposer := newTestSetup(Delayed, 30*time.Millisecond)
	h, _ := reg.Acquire(context.Background(), "a.png")
	h.Release()

	if _, ok := reg.Find("a.png"); !ok {
		t.Fatalf("entry should survive until the delay elapses")
	}
	if sched.DelayedTaskCount() != 1 {
		t.Fatalf("expected one delayed task")
	}
	waitUntil(t, time.Second, func() bool {
		_, ok := reg.Find("a.png")
		return !ok
	})
	if sched.DelayedTaskCount() != 0 {
		t.Fatalf("task set should drain after the sweep")
	}
	if got := disposer.disposed(); len(got) != 1 {
		t.Fatalf("expected one disposal, got %v", got)
	}
}

func TestDelayedReleaseSurvivesReacquire(t *testing.T) {
	reg, sched, disposer := newTestSetup(Delayed, 30*time.Millisecond)
	h, _ := reg.Acquire(context.Background(), "a.png")
	h.Release()

	again, err := reg.Acquire(context.Background(), "a.png")
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return sched.DelayedTaskCount() == 0 })

	if _, ok := reg.Find("a.png"); !ok {
		t.Fatalf("re-acquired entry must not be evicted by a stale task")
	}
	if len(disposer.disposed()) != 0 {
		t.Fatalf("nothing should be disposed")
	}
	again.Release()
}

func TestRescheduleExtendsDeadline(t *testing.T) {
	reg, sched, _ := newTestSetup(Delayed, 60*time.Millisecond)
	base := time.Now()
	current := base
	var mu sync.Mutex
	sched.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	reg.Register("a.png", asset.New("a.png", nil, nil, "", nil))

	sched.OnZeroRef("a.png")
	mu.Lock()
	current = base.Add(40 * time.Millisecond)
	mu.Unlock()
	sched.OnZeroRef("a.png")

	if sched.DelayedTaskCount() != 1 {
		t.Fatalf("rescheduling must not duplicate tasks")
	}
	sched.mu.Lock()
	at := sched.tasks["a.png"]
	sched.mu.Unlock()
	if !at.Equal(base.Add(100 * time.Millisecond)) {
		t.Fatalf("deadline should move to the later releaseAt, got %v", at.Sub(base))
	}
	sched.Stop()
}

func TestSwitchingAwayFromDelayedFlushes(t *testing.T) {
	reg, sched, disposer := newTestSetup(Delayed, time.Hour)
	reg.Register("idle.png", asset.New("idle.png", nil, nil, "", nil))
	reg.Register("busy.png", asset.New("busy.png", nil, nil, "", nil))
	sched.OnZeroRef("idle.png")
	sched.OnZeroRef("busy.png")
	reg.AddRef("busy.png")

	sched.SetStrategy(Manual, 0)

	if sched.DelayedTaskCount() != 0 {
		t.Fatalf("switching strategy must drop all pending tasks")
	}
	if _, ok := reg.Find("idle.png"); ok {
		t.Fatalf("zero-ref task should be released on flush")
	}
	if _, ok := reg.Find("busy.png"); !ok {
		t.Fatalf("referenced task should be dropped without release")
	}
	if got := disposer.disposed(); len(got) != 1 || got[0] != "idle.png" {
		t.Fatalf("unexpected disposals: %v", got)
	}
	if strategy, delay := sched.Strategy(); strategy != Manual || delay != time.Hour {
		t.Fatalf("unexpected strategy state: %v %v", strategy, delay)
	}
}

func TestForceReleaseIgnoresRefCount(t *testing.T) {
	reg, sched, disposer := newTestSetup(Delayed, time.Hour)
	reg.Register("a.png", asset.New("a.png", nil, nil, "", nil))
	sched.OnZeroRef("a.png")
	reg.AddRef("a.png")

	if !sched.ForceRelease("a.png") {
		t.Fatalf("force release should succeed")
	}
	if reg.Size() != 0 || sched.DelayedTaskCount() != 0 {
		t.Fatalf("force release should evict and cancel the task")
	}
	if len(disposer.disposed()) != 1 {
		t.Fatalf("expected one disposal")
	}
	if sched.ForceRelease("a.png") {
		t.Fatalf("force release of a missing path should report false")
	}
}

func TestDoReleaseAbortsWhenReferenced(t *testing.T) {
	reg, sched, disposer := newTestSetup(Manual, 0)
	reg.Register("a.png", asset.New("a.png", nil, nil, "", nil))
	reg.AddRef("a.png")

	if sched.doRelease("a.png", logrus.WarnLevel) {
		t.Fatalf("doRelease must abort on nonzero refcount")
	}
	if _, ok := reg.Find("a.png"); !ok || len(disposer.disposed()) != 0 {
		t.Fatalf("aborted release must leave the entry untouched")
	}
}

// staleCountCache 报告过期的引用计数，模拟检查之后、移除之前发生的重新获取。
type staleCountCache struct {
	*registry.Registry
}

func (staleCountCache) RefCount(string) (int, bool) { return 0, true }

func TestReacquireRaceLogsAtDebug(t *testing.T) {
	reg := registry.New(quietLogger())
	reg.Register("a.png", asset.New("a.png", nil, nil, "", nil))
	reg.AddRef("a.png")

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	disposer := &recordingDisposer{}
	sched := New(staleCountCache{reg}, Options{Strategy: Immediate, Disposer: disposer, Logger: logger})

	sched.OnZeroRef("a.png")

	if _, ok := reg.Find("a.png"); !ok || len(disposer.disposed()) != 0 {
		t.Fatalf("re-acquired entry must survive")
	}
	for _, entry := range hook.AllEntries() {
		if entry.Level <= logrus.WarnLevel {
			t.Fatalf("re-acquire race should not warn, got %s: %s", entry.Level, entry.Message)
		}
	}
	last := hook.LastEntry()
	if last == nil || last.Level != logrus.DebugLevel || last.Data["ref_count"] != 1 {
		t.Fatalf("expected a debug entry for the aborted release, got %+v", last)
	}

	hook.Reset()
	sched.doRelease("a.png", logrus.WarnLevel)
	if last := hook.LastEntry(); last == nil || last.Level != logrus.WarnLevel {
		t.Fatalf("unchecked release abort should warn, got %+v", last)
	}
}

func TestCancelAndClearDelayedTasks(t *testing.T) {
	reg, sched, _ := newTestSetup(Delayed, time.Hour)
	for _, p := range []string{"a", "b", "c"} {
		reg.Register(p, asset.New(p, nil, nil, "", nil))
		sched.OnZeroRef(p)
	}
	if !sched.CancelDelayedRelease("b") || sched.CancelDelayedRelease("b") {
		t.Fatalf("cancel should report presence exactly once")
	}
	if paths := sched.DelayedPaths(); len(paths) != 2 || paths[0] != "a" || paths[1] != "c" {
		t.Fatalf("unexpected delayed paths: %v", paths)
	}
	sched.ClearDelayedTasks()
	if sched.DelayedTaskCount() != 0 || reg.Size() != 3 {
		t.Fatalf("clearing tasks must not evict entries")
	}
}
