package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"sync"

	"github.com/any-hub/asset-cache/internal/asset"
	"github.com/any-hub/asset-cache/internal/cache"
)

// ManifestName 是 bundle 根目录下描述依赖关系的文件名。
const ManifestName = "manifest.json"

// bundleManifest 对应 <bundle>/manifest.json：
//
//	{"dependencies": {"prefab/hero.json": ["textures/hero.png"]}}
type bundleManifest struct {
	Dependencies map[string][]string `json:"dependencies"`
}

// LocalFetcher 从磁盘存储中的 bundle 读取资源。
type LocalFetcher struct {
	store cache.Store

	mu        sync.Mutex
	manifests map[string]*bundleManifest
}

// NewLocalFetcher 构造基于 store 的本地获取器。
func NewLocalFetcher(store cache.Store) *LocalFetcher {
	return &LocalFetcher{
		store:     store,
		manifests: make(map[string]*bundleManifest),
	}
}

// Fetch 读取 Local 源对应的文件，并附带 bundle 清单中的依赖。
func (f *LocalFetcher) Fetch(ctx context.Context, p string, src asset.Local, typeHint string) (*asset.Asset, error) {
	data, err := f.read(ctx, cache.Locator{Bundle: src.Bundle, Path: src.Name})
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, fmt.Errorf("bundle %s: %s: %w", src.Bundle, src.Name, err)
		}
		return nil, err
	}

	deps, err := f.dependencies(ctx, src)
	if err != nil {
		return nil, err
	}
	return asset.New(p, src, data, contentType(src.Name, typeHint, data), deps), nil
}

// InvalidateManifest 丢弃已缓存的 bundle 清单，下次读取时重新加载。
func (f *LocalFetcher) InvalidateManifest(bundle string) {
	f.mu.Lock()
	delete(f.manifests, bundle)
	f.mu.Unlock()
}

func (f *LocalFetcher) read(ctx context.Context, locator cache.Locator) ([]byte, error) {
	result, err := f.store.Get(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer result.Reader.Close()
	return io.ReadAll(result.Reader)
}

func (f *LocalFetcher) dependencies(ctx context.Context, src asset.Local) ([]string, error) {
	f.mu.Lock()
	manifest, ok := f.manifests[src.Bundle]
	f.mu.Unlock()

	if !ok {
		loaded, err := f.loadManifest(ctx, src.Bundle)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.manifests[src.Bundle] = loaded
		f.mu.Unlock()
		manifest = loaded
	}

	deps := manifest.Dependencies[src.Name]
	if len(deps) == 0 {
		return nil, nil
	}
	// 清单内的依赖相对 bundle 书写，这里还原为完整资源路径。
	result := make([]string, 0, len(deps))
	for _, dep := range deps {
		if src.Bundle == asset.DefaultBundle || asset.IsRemote(dep) {
			result = append(result, dep)
			continue
		}
		result = append(result, path.Join(src.Bundle, dep))
	}
	return result, nil
}

func (f *LocalFetcher) loadManifest(ctx context.Context, bundle string) (*bundleManifest, error) {
	data, err := f.read(ctx, cache.Locator{Bundle: bundle, Path: ManifestName})
	if errors.Is(err, cache.ErrNotFound) {
		return &bundleManifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest of bundle %s: %w", bundle, err)
	}
	var manifest bundleManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest of bundle %s: %w", bundle, err)
	}
	return &manifest, nil
}

// contentType 优先使用调用方提示，其次扩展名，最后嗅探内容。
func contentType(name, hint string, data []byte) string {
	if hint != "" {
		return hint
	}
	if byExt := mime.TypeByExtension(path.Ext(name)); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}
