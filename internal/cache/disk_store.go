package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/sha256-simd"
)

const tempPattern = ".asset-*"

// NewStore 以 basePath 为根目录构建磁盘存储，整个进程复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	return &diskStore{root: abs, locks: newKeyedMutex()}, nil
}

// diskStore 把每个 Locator 映射为 <root>/<bundle>/<path>，同一 Locator 的写入/删除串行执行。
type diskStore struct {
	root  string
	locks *keyedMutex
}

func (s *diskStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, notFoundOr(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry: Entry{
			Locator:   locator,
			FilePath:  target,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *diskStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	target, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(locator.key())
	defer unlock()

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmp.Name())
		}
	}()

	digest := sha256.New()
	written, err := copyWithContext(ctx, io.MultiWriter(tmp, digest), body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}

	sum := hexSum(digest)
	if opts.ExpectedChecksum != "" && !strings.EqualFold(opts.ExpectedChecksum, sum) {
		return nil, fmt.Errorf("%w: want %s got %s", ErrChecksumMismatch, opts.ExpectedChecksum, sum)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return nil, err
	}
	committed = true

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(target, modTime, modTime); err != nil {
		return nil, err
	}

	return &Entry{
		Locator:   locator,
		FilePath:  target,
		SizeBytes: written,
		ModTime:   modTime,
		Checksum:  sum,
	}, nil
}

func (s *diskStore) Remove(ctx context.Context, locator Locator) error {
	target, err := s.resolve(locator)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(locator.key())
	defer unlock()

	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// resolve 校验 bundle 名称并把资源路径收敛在 bundle 目录之内。
func (s *diskStore) resolve(locator Locator) (string, error) {
	bundle := locator.Bundle
	if bundle == "" {
		return "", errors.New("bundle name required")
	}
	if bundle == "." || bundle == ".." || strings.ContainsAny(bundle, `/\`) {
		return "", fmt.Errorf("invalid bundle name %q", bundle)
	}

	rel := strings.TrimPrefix(path.Clean("/"+locator.Path), "/")
	if rel == "" {
		return "", errors.New("asset path required")
	}

	bundleDir := filepath.Join(s.root, bundle)
	target := filepath.Join(bundleDir, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, bundleDir+string(filepath.Separator)) {
		return "", fmt.Errorf("asset path %q escapes bundle", locator.Path)
	}
	return target, nil
}

func notFoundOr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// ctxReader 在每次 Read 前检查 ctx，用于中断大文件写入。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, ctxReader{ctx: ctx, r: src})
}
