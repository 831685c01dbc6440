package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理磁盘上的资源文件。磁盘布局遵循：
//
//	<StoragePath>/<Bundle>/<path>
//
// 本地 bundle 目录与远程写穿目录（remote-cache）共用同一布局。
type Store interface {
	// Get 返回一个可流式读取的条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入资源正文并计算 sha256；先写临时文件再 rename，任何失败都会清理临时文件。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除正文文件，不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
	// ExpectedChecksum 非空时，正文 sha256 不一致则放弃写入。
	ExpectedChecksum string
}

// Locator 唯一定位一个磁盘条目（Bundle + 相对路径），路径均为 URL 路径风格。
type Locator struct {
	Bundle string
	Path   string
}

func (l Locator) key() string {
	return l.Bundle + "::" + l.Path
}

// Entry 描述一个磁盘条目。Checksum 仅在 Put 返回时填充。
type Entry struct {
	Locator   Locator   `json:"locator"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
	Checksum  string    `json:"checksum,omitempty"`
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrChecksumMismatch 表示写入正文与期望校验和不符。
	ErrChecksumMismatch = errors.New("cache checksum mismatch")
)
