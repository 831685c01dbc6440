package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/asset"
	"github.com/any-hub/asset-cache/internal/cache"
)

const (
	// DependenciesHeader 由远程服务器返回，逗号分隔的依赖路径。
	DependenciesHeader = "X-Asset-Dependencies"
	// ChecksumHeader 若存在，正文 sha256 必须与之一致，否则视为传输损坏并重试。
	ChecksumHeader = "X-Asset-Checksum"
	// RemoteBundle 是远程下载在磁盘存储中的写穿目录。
	RemoteBundle = "remote-cache"
)

// RemoteFetcher 通过 HTTP 获取远程资源，并可选地写入磁盘存储。
type RemoteFetcher struct {
	client *http.Client
	retry  RetryPolicy
	store  cache.Store
	logger logrus.FieldLogger
}

// NewRemoteFetcher 构造远程获取器；store 为空时不做写穿。
func NewRemoteFetcher(client *http.Client, retry RetryPolicy, store cache.Store, logger logrus.FieldLogger) *RemoteFetcher {
	if client == nil {
		client = NewHTTPClient(0)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RemoteFetcher{
		client: client,
		retry:  retry,
		store:  store,
		logger: logger,
	}
}

// Fetch 下载 Remote 源并构造 Asset。
func (f *RemoteFetcher) Fetch(ctx context.Context, p string, src asset.Remote, typeHint string) (*asset.Asset, error) {
	data, header, err := f.download(ctx, src.URL)
	if err != nil {
		return nil, err
	}
	f.writeThrough(ctx, remoteLocator(src.URL), data, header.Get(ChecksumHeader))

	ct := typeHint
	if ct == "" {
		ct = header.Get("Content-Type")
	}
	if ct == "" {
		ct = contentType(src.URL.Path, "", data)
	}
	return asset.New(p, src, data, ct, parseDependencies(header.Get(DependenciesHeader))), nil
}

// download 在重试策略内执行 GET，返回正文与响应头。
func (f *RemoteFetcher) download(ctx context.Context, u *url.URL) ([]byte, http.Header, error) {
	var (
		body   []byte
		header http.Header
	)
	target := u.String()
	err := f.retry.Retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept-Encoding", acceptEncoding)
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := classifyStatus(target, resp.StatusCode); err != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return err
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		data, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("decode body: %w", err))
		}
		if want := resp.Header.Get(ChecksumHeader); want != "" {
			if got := asset.Checksum(data); !strings.EqualFold(want, got) {
				return fmt.Errorf("%w: want %s got %s", ErrChecksumMismatch, want, got)
			}
		}
		body = data
		header = resp.Header.Clone()
		header.Del("Content-Encoding")
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("download %s: %w", target, err)
	}
	return body, header, nil
}

func (f *RemoteFetcher) writeThrough(ctx context.Context, locator cache.Locator, data []byte, checksum string) {
	if f.store == nil {
		return
	}
	opts := cache.PutOptions{ExpectedChecksum: checksum}
	if _, err := f.store.Put(ctx, locator, bytes.NewReader(data), opts); err != nil {
		f.logger.WithError(err).WithFields(logrus.Fields{
			"action": "write_through",
			"bundle": locator.Bundle,
			"path":   locator.Path,
		}).Warn("write_through_failed")
	}
}

func remoteLocator(u *url.URL) cache.Locator {
	return cache.Locator{
		Bundle: RemoteBundle,
		Path:   path.Join(u.Host, u.Path),
	}
}

func parseDependencies(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var deps []string
	for _, part := range strings.Split(raw, ",") {
		if dep := strings.TrimSpace(part); dep != "" {
			deps = append(deps, dep)
		}
	}
	return deps
}
