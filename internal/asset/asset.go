package asset

import (
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/minio/sha256-simd"
)

// Asset 是获取层产出的资源句柄。缓存后由 Registry 独占持有，调用方通过指针共享只读引用，
// 同一路径在被回收之前始终返回同一个实例。
type Asset struct {
	Path        string
	Source      Source
	Data        []byte
	ContentType string
	Checksum    string
	Size        int64
	// Dependencies 为获取层上报的依赖路径，仅用于展示与诊断。
	Dependencies []string
	FetchedAt    time.Time

	evicted atomic.Bool
}

// New 根据原始字节构造 Asset，并计算 sha256 校验值。
func New(path string, src Source, data []byte, contentType string, deps []string) *Asset {
	return &Asset{
		Path:         path,
		Source:       src,
		Data:         data,
		ContentType:  contentType,
		Checksum:     Checksum(data),
		Size:         int64(len(data)),
		Dependencies: append([]string(nil), deps...),
		FetchedAt:    time.Now().UTC(),
	}
}

// MarkEvicted 标记实例已被 Registry 移除；被移除的实例不会再次注册。
// 仅第一次调用返回 true。
func (a *Asset) MarkEvicted() bool {
	return a.evicted.CompareAndSwap(false, true)
}

// Evicted 报告实例是否已被移除（随后可能已被处置）。
func (a *Asset) Evicted() bool {
	return a.evicted.Load()
}

// Checksum 返回字节内容的十六进制 sha256。
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
