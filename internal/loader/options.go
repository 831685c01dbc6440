package loader

import "github.com/any-hub/asset-cache/internal/asset"

// DefaultMaxConcurrentLoads 是默认的并发加载上限。
const DefaultMaxConcurrentLoads = 5

// LoadOptions 控制单次加载的行为。
type LoadOptions struct {
	// TypeHint 传递给获取层的资源类型提示，例如 "image/png"。
	TypeHint string
	// NoCache 为 true 时加载结果不写入 Registry。
	NoCache  bool
	Priority asset.Priority
}

// Option 修改 LoadOptions。
type Option func(*LoadOptions)

// WithPriority 指定排队优先级。
func WithPriority(p asset.Priority) Option {
	return func(o *LoadOptions) {
		o.Priority = p
	}
}

// WithTypeHint 指定资源类型提示。
func WithTypeHint(hint string) Option {
	return func(o *LoadOptions) {
		o.TypeHint = hint
	}
}

// WithoutCache 使本次加载结果不写入 Registry。
func WithoutCache() Option {
	return func(o *LoadOptions) {
		o.NoCache = true
	}
}

func buildOptions(opts []Option) LoadOptions {
	o := LoadOptions{Priority: asset.PriorityNormal}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
