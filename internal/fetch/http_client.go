package fetch

import (
	"net"
	"net/http"
	"time"

	"github.com/any-hub/asset-cache/internal/version"
)

const defaultUpstreamTimeout = 30 * time.Second

// NewHTTPClient 返回远程资源与版本服务器共用的 http.Client；timeout <= 0 时使用 30s。
// 所有请求带上 asset-cache/<version> 的 User-Agent，调用方显式设置的除外。
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: userAgentTransport{
			agent: "asset-cache/" + version.Version,
			next:  newTransport(),
		},
	}
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		// Accept-Encoding 由 download 显式声明并自行解码。
		DisableCompression: true,
	}
}

type userAgentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(clone)
}
