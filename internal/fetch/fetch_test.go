package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/asset"
	"github.com/any-hub/asset-cache/internal/cache"
)

func TestRouterFetchLocalWithManifest(t *testing.T) {
	store := newTestStore(t)
	putFile(t, store, "ui-bundle", "prefab/hero.json", `{"name":"hero"}`)
	putFile(t, store, "ui-bundle", ManifestName, `{"dependencies":{"prefab/hero.json":["textures/hero.png","https://cdn.example.com/shared.png"]}}`)

	router := newTestRouter(t, store, "")
	a, err := router.Fetch(context.Background(), "ui-bundle/prefab/hero.json", "")
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if string(a.Data) != `{"name":"hero"}` {
		t.Fatalf("unexpected data: %s", a.Data)
	}
	if !strings.HasPrefix(a.ContentType, "application/json") {
		t.Fatalf("content type should come from extension, got %s", a.ContentType)
	}
	if len(a.Dependencies) != 2 || a.Dependencies[0] != "ui-bundle/textures/hero.png" || a.Dependencies[1] != "https://cdn.example.com/shared.png" {
		t.Fatalf("unexpected dependencies: %v", a.Dependencies)
	}
	if a.Checksum != asset.Checksum(a.Data) || a.Size != int64(len(a.Data)) {
		t.Fatalf("checksum/size not populated")
	}
}

func TestRouterFetchLocalMissing(t *testing.T) {
	router := newTestRouter(t, newTestStore(t), "")
	_, err := router.Fetch(context.Background(), "textures/none.png", "")
	if !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRouterFetchLocalTypeHint(t *testing.T) {
	store := newTestStore(t)
	putFile(t, store, asset.DefaultBundle, "data/blob", "raw")
	router := newTestRouter(t, store, "")
	a, err := router.Fetch(context.Background(), "data/blob", "application/x-custom")
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if a.ContentType != "application/x-custom" {
		t.Fatalf("type hint should win, got %s", a.ContentType)
	}
}

func TestRouterFetchRemoteWriteThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set(DependenciesHeader, "a.png, b.png,")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer server.Close()

	store := newTestStore(t)
	router := newTestRouter(t, store, "")
	path := server.URL + "/img/logo.png"
	a, err := router.Fetch(context.Background(), path, "")
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if a.ContentType != "image/png" || string(a.Data) != "png-bytes" {
		t.Fatalf("unexpected asset: %+v", a)
	}
	if len(a.Dependencies) != 2 {
		t.Fatalf("unexpected dependencies: %v", a.Dependencies)
	}
	if _, ok := a.Source.(asset.Remote); !ok {
		t.Fatalf("expected remote source, got %T", a.Source)
	}

	src, _ := asset.Resolve(path)
	result, err := store.Get(context.Background(), remoteLocator(src.(asset.Remote).URL))
	if err != nil {
		t.Fatalf("expected write-through copy: %v", err)
	}
	defer result.Reader.Close()
	body, _ := io.ReadAll(result.Reader)
	if string(body) != "png-bytes" {
		t.Fatalf("write-through mismatch: %s", body)
	}
}

func TestRemoteRetriesTransientErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	router := newTestRouter(t, newTestStore(t), "")
	if _, err := router.Fetch(context.Background(), server.URL+"/a.bin", ""); err != nil {
		t.Fatalf("fetch should succeed after retries: %v", err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
}

func TestRemoteDoesNotRetryNotFound(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	router := newTestRouter(t, newTestStore(t), "")
	_, err := router.Fetch(context.Background(), server.URL+"/missing.bin", "")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected StatusError 404, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("404 must not be retried, got %d attempts", hits)
	}
}

func TestRefreshLocalOverwritesBundle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assets/ui-bundle/atlas.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("v2"))
	}))
	defer server.Close()

	store := newTestStore(t)
	putFile(t, store, "ui-bundle", "atlas.json", "v1")
	router := newTestRouter(t, store, server.URL+"/assets")

	a, err := router.Refresh(context.Background(), "ui-bundle/atlas.json")
	if err != nil {
		t.Fatalf("refresh error: %v", err)
	}
	if string(a.Data) != "v2" {
		t.Fatalf("unexpected refreshed data: %s", a.Data)
	}

	fetched, err := router.Fetch(context.Background(), "ui-bundle/atlas.json", "")
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if string(fetched.Data) != "v2" {
		t.Fatalf("local bundle should hold refreshed bytes, got %s", fetched.Data)
	}
}

func TestRefreshLocalWithoutBaseURL(t *testing.T) {
	router := newTestRouter(t, newTestStore(t), "")
	if _, err := router.Refresh(context.Background(), "a.png"); !errors.Is(err, ErrNoAssetBaseURL) {
		t.Fatalf("expected ErrNoAssetBaseURL, got %v", err)
	}
}

func newTestRouter(t *testing.T, store cache.Store, baseURL string) *Router {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	remote := NewRemoteFetcher(NewHTTPClient(5*time.Second), RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond}, store, logger)
	router, err := NewRouter(NewLocalFetcher(store), remote, store, baseURL)
	if err != nil {
		t.Fatalf("router error: %v", err)
	}
	return router
}

func newTestStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	return store
}

func putFile(t *testing.T, store cache.Store, bundle, name, body string) {
	t.Helper()
	if _, err := store.Put(context.Background(), cache.Locator{Bundle: bundle, Path: name}, bytes.NewReader([]byte(body)), cache.PutOptions{}); err != nil {
		t.Fatalf("put %s/%s: %v", bundle, name, err)
	}
}

func TestNewHTTPClientTimeout(t *testing.T) {
	if client := NewHTTPClient(45 * time.Second); client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if client := NewHTTPClient(0); client.Timeout != 30*time.Second {
		t.Fatalf("expected default timeout 30s, got %s", client.Timeout)
	}
	a, b := NewHTTPClient(time.Second), NewHTTPClient(time.Second)
	if a.Transport == b.Transport {
		t.Fatalf("each client should own a cloned transport")
	}
}

func TestRemoteDecodesCompressedBodies(t *testing.T) {
	payload := []byte(strings.Repeat("texture-bytes;", 64))

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	zstdBody := enc.EncodeAll(payload, nil)
	_ = enc.Close()

	var gzipBody bytes.Buffer
	zw := gzip.NewWriter(&gzipBody)
	_, _ = zw.Write(payload)
	_ = zw.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "zstd") {
			t.Errorf("expected zstd in Accept-Encoding, got %q", r.Header.Get("Accept-Encoding"))
		}
		switch r.URL.Path {
		case "/a.bin":
			w.Header().Set("Content-Encoding", "zstd")
			_, _ = w.Write(zstdBody)
		case "/b.bin":
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write(gzipBody.Bytes())
		case "/c.bin":
			w.Header().Set("Content-Encoding", "br")
			_, _ = w.Write([]byte("opaque"))
		}
	}))
	defer server.Close()

	router := newTestRouter(t, nil, "")
	for _, name := range []string{"/a.bin", "/b.bin"} {
		a, err := router.Fetch(context.Background(), server.URL+name, "")
		if err != nil {
			t.Fatalf("fetch %s: %v", name, err)
		}
		if !bytes.Equal(a.Data, payload) {
			t.Fatalf("%s: body not decoded", name)
		}
	}
	if _, err := router.Fetch(context.Background(), server.URL+"/c.bin", ""); err == nil {
		t.Fatalf("unsupported encoding should fail")
	}
}

func TestRemoteVerifiesChecksumHeader(t *testing.T) {
	var hits int32
	good := asset.Checksum([]byte("mesh"))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ChecksumHeader, good)
		if atomic.AddInt32(&hits, 1) == 1 {
			_, _ = w.Write([]byte("mes"))
			return
		}
		_, _ = w.Write([]byte("mesh"))
	}))
	defer server.Close()

	store := newTestStore(t)
	router := newTestRouter(t, store, "")
	a, err := router.Fetch(context.Background(), server.URL+"/models/box.mesh", "")
	if err != nil {
		t.Fatalf("truncated body should be retried: %v", err)
	}
	if string(a.Data) != "mesh" || a.Checksum != good {
		t.Fatalf("unexpected asset: %+v", a)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits)
	}
}

func TestRemoteChecksumMismatchFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ChecksumHeader, "00ff")
		_, _ = w.Write([]byte("mesh"))
	}))
	defer server.Close()

	store := newTestStore(t)
	router := newTestRouter(t, store, "")
	path := server.URL + "/models/box.mesh"
	if _, err := router.Fetch(context.Background(), path, ""); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}

	src, _ := asset.Resolve(path)
	if _, err := store.Get(context.Background(), remoteLocator(src.(asset.Remote).URL)); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("corrupt body must not be written through, got %v", err)
	}
}

func TestHTTPClientSetsUserAgent(t *testing.T) {
	var agent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	resp, err := NewHTTPClient(time.Second).Get(server.URL)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	resp.Body.Close()
	if !strings.HasPrefix(agent, "asset-cache/") {
		t.Fatalf("unexpected user agent %q", agent)
	}
}
