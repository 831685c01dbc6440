package asset

import (
	"errors"
	"fmt"
)

// ErrNotCached 表示 Registry 中不存在该路径。
var ErrNotCached = errors.New("asset not cached")

// ErrEvicted 表示加载结果在交付前已被回收，且重新加载次数用尽。
var ErrEvicted = errors.New("asset evicted before it could be acquired")

// ErrInvalidPath 表示路径无法解析为本地或远程来源。
var ErrInvalidPath = errors.New("invalid asset path")

// LoadFailure 包装获取层错误，原样传递给 loadAsset/acquire 的调用方，不会自动重试。
type LoadFailure struct {
	Path string
	Err  error
}

func (e *LoadFailure) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadFailure) Unwrap() error {
	return e.Err
}

// ReleaseInconsistency 表示执行释放时引用计数仍不为 0，释放被中止。
type ReleaseInconsistency struct {
	Path     string
	RefCount int
}

func (e *ReleaseInconsistency) Error() string {
	return fmt.Sprintf("release %s aborted: refcount %d", e.Path, e.RefCount)
}
