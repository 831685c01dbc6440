package registry

import (
	"sync/atomic"

	"github.com/any-hub/asset-cache/internal/asset"
)

// Handle 是 Acquire 返回的引用令牌。Release 只会生效一次，重复调用不会让计数多减。
type Handle struct {
	registry *Registry
	path     string
	asset    *asset.Asset
	released atomic.Bool
}

func newHandle(r *Registry, path string, a *asset.Asset) *Handle {
	return &Handle{registry: r, path: path, asset: a}
}

// Path 返回资源路径。
func (h *Handle) Path() string {
	return h.path
}

// Asset 返回共享的资源实例，调用方不得修改。
func (h *Handle) Asset() *asset.Asset {
	return h.asset
}

// Release 归还该令牌持有的引用，返回是否为首次归还。
func (h *Handle) Release() bool {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return false
	}
	h.registry.Release(h.path, false)
	return true
}

// Released 表示令牌是否已归还。
func (h *Handle) Released() bool {
	return h.released.Load()
}
