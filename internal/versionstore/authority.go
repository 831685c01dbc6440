package versionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/any-hub/asset-cache/internal/fetch"
)

// Authority 提供路径的远端版本信息。
type Authority interface {
	Fetch(ctx context.Context, path string) (Record, error)
}

// HTTPAuthority 通过 GET {base}/version?path=... 查询版本服务器。
type HTTPAuthority struct {
	base   string
	client *http.Client
	retry  fetch.RetryPolicy
}

// NewHTTPAuthority 构造版本服务器客户端。
func NewHTTPAuthority(base string, client *http.Client, retry fetch.RetryPolicy) (*HTTPAuthority, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, errors.New("version server url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse version server url: %w", err)
	}
	if client == nil {
		client = fetch.NewHTTPClient(0)
	}
	return &HTTPAuthority{base: base, client: client, retry: retry}, nil
}

// Fetch 查询并解析 {version,size,checksum,updateTime}。
func (a *HTTPAuthority) Fetch(ctx context.Context, path string) (Record, error) {
	target := a.base + "/version?path=" + url.QueryEscape(path)
	var record Record
	err := a.retry.Retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := fetch.CheckStatus(target, resp.StatusCode); err != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return err
		}
		var decoded Record
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("decode version info: %w", err))
		}
		if decoded.Version == "" {
			return backoff.Permanent(errors.New("version info missing version"))
		}
		record = decoded
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}
