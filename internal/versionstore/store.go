package versionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/asset-cache/internal/asset"
)

// Updater 强制从远端下载资源最新内容，由 fetch.Router 实现。
type Updater interface {
	Refresh(ctx context.Context, path string) (*asset.Asset, error)
}

const (
	// DefaultCheckTimeout 是单次远端版本查询的上限。
	DefaultCheckTimeout = 2 * time.Second
	// DefaultFailureTTL 内同一路径的查询失败直接返回保守默认值，不再访问版本服务器。
	DefaultFailureTTL = 10 * time.Second
)

// Options 汇总 Store 的依赖。Authority 为空时版本检查处于关闭状态。
type Options struct {
	KV        KV
	Authority Authority
	Updater   Updater
	Logger    logrus.FieldLogger
	// CheckTimeout/FailureTTL 为 0 时使用默认值，FailureTTL < 0 表示不缓存失败。
	CheckTimeout time.Duration
	FailureTTL   time.Duration
}

// Store 管理本地版本记录与远端比对结果。
type Store struct {
	kv        KV
	authority Authority
	updater   Updater
	logger    logrus.FieldLogger
	now       func() time.Time

	checkTimeout time.Duration
	failureTTL   time.Duration

	group singleflight.Group

	mu       sync.RWMutex
	memo     map[string]Record
	failedAt map[string]time.Time
}

// New 构造 Store；KV 为空时使用内存实现。
func New(opts Options) *Store {
	kv := opts.KV
	if kv == nil {
		kv = NewMemoryKV()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	checkTimeout := opts.CheckTimeout
	if checkTimeout <= 0 {
		checkTimeout = DefaultCheckTimeout
	}
	failureTTL := opts.FailureTTL
	if failureTTL == 0 {
		failureTTL = DefaultFailureTTL
	}
	return &Store{
		kv:           kv,
		authority:    opts.Authority,
		updater:      opts.Updater,
		logger:       logger,
		now:          time.Now,
		checkTimeout: checkTimeout,
		failureTTL:   failureTTL,
		memo:         make(map[string]Record),
		failedAt:     make(map[string]time.Time),
	}
}

// Enabled 表示是否配置了版本服务器。
func (s *Store) Enabled() bool {
	return s.authority != nil
}

// CheckVersion 返回路径的版本比对结果。已缓存时直接返回；否则读取本地记录并查询远端，
// NeedsUpdate = 本地版本 != 远端版本。任何失败都返回 NeedsUpdate=false 的保守默认值，不向上传播。
// 远端查询只尝试一次且受 CheckTimeout 约束；失败后 FailureTTL 内同一路径不再查询。
func (s *Store) CheckVersion(ctx context.Context, path string) Record {
	if record, ok := s.cached(path); ok {
		return record
	}
	if s.failedRecently(path) {
		return s.fallback()
	}

	v, err, _ := s.group.Do("check:"+path, func() (interface{}, error) {
		if record, ok := s.cached(path); ok {
			return record, nil
		}
		return s.compare(ctx, path)
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "version_check",
			"path":   path,
		}).Warn("version_check_failed")
		if s.failureTTL > 0 {
			s.mu.Lock()
			s.failedAt[path] = s.now()
			s.mu.Unlock()
		}
		return s.fallback()
	}
	return v.(Record)
}

func (s *Store) fallback() Record {
	return Record{
		Version:    DefaultVersion,
		UpdateTime: s.now().UnixMilli(),
	}
}

func (s *Store) failedRecently(path string) bool {
	s.mu.RLock()
	at, ok := s.failedAt[path]
	s.mu.RUnlock()
	return ok && s.now().Sub(at) < s.failureTTL
}

func (s *Store) compare(ctx context.Context, path string) (Record, error) {
	if s.authority == nil {
		return Record{}, errors.New("version server not configured")
	}
	local, err := s.LocalRecord(ctx, path)
	if err != nil {
		return Record{}, err
	}
	checkCtx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	defer cancel()
	remote, err := s.authority.Fetch(checkCtx, path)
	if err != nil {
		return Record{}, err
	}

	record := Record{
		Version:     local.Version,
		Size:        remote.Size,
		Checksum:    remote.Checksum,
		UpdateTime:  remote.UpdateTime,
		NeedsUpdate: local.Version != remote.Version,
	}
	record.LatestVersion = remote.Version

	s.mu.Lock()
	s.memo[path] = record
	delete(s.failedAt, path)
	s.mu.Unlock()
	return record, nil
}

// LocalRecord 读取持久化的本地记录，不存在时返回版本 1.0.0 的默认值。
func (s *Store) LocalRecord(ctx context.Context, path string) (Record, error) {
	raw, ok, err := s.kv.Get(ctx, storageKey(path))
	if err != nil {
		return Record{}, fmt.Errorf("read local version: %w", err)
	}
	if !ok {
		return defaultLocalRecord(), nil
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, fmt.Errorf("parse local version: %w", err)
	}
	if record.Version == "" {
		record.Version = DefaultVersion
	}
	return record, nil
}

// UpdateAsset 强制从远端下载资源，持久化新的本地记录并刷新缓存。同一路径的并发更新只下载一次。
func (s *Store) UpdateAsset(ctx context.Context, path, version string) error {
	if s.updater == nil {
		return errors.New("asset updater not configured")
	}
	_, err, _ := s.group.Do("update:"+path, func() (interface{}, error) {
		a, err := s.updater.Refresh(ctx, path)
		if err != nil {
			return nil, err
		}
		record := Record{
			Version:    version,
			Size:       a.Size,
			Checksum:   a.Checksum,
			UpdateTime: s.now().UnixMilli(),
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			return nil, err
		}
		if err := s.kv.Set(ctx, storageKey(path), string(encoded)); err != nil {
			return nil, fmt.Errorf("persist local version: %w", err)
		}

		s.mu.Lock()
		s.memo[path] = record
		s.mu.Unlock()
		return record, nil
	})

	fields := logrus.Fields{"action": "asset_update", "path": path, "version": version}
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("asset_update_failed")
		return err
	}
	s.logger.WithFields(fields).Info("asset_updated")
	return nil
}

// ClearCache 清空内存中的比对结果与失败记录，本地持久化记录不受影响。
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.memo = make(map[string]Record)
	s.failedAt = make(map[string]time.Time)
	s.mu.Unlock()
}

// Close 关闭底层键值存储。
func (s *Store) Close() error {
	return s.kv.Close()
}

func (s *Store) cached(path string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.memo[path]
	return record, ok
}
