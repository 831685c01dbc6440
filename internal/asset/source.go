package asset

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// DefaultBundle 是未显式指定 bundle 时的默认资源包。
const DefaultBundle = "resources"

// Source 描述一个路径的来源，只有 Local 与 Remote 两种实现，在 Resolve 时一次性确定。
type Source interface {
	fmt.Stringer
	isSource()
}

// Local 表示位于本地资源包中的资源。
type Local struct {
	Bundle string
	Name   string
}

func (Local) isSource() {}

func (l Local) String() string {
	return l.Bundle + ":" + l.Name
}

// Remote 表示需要通过 HTTP(S) 获取的资源。
type Remote struct {
	URL *url.URL
}

func (Remote) isSource() {}

func (r Remote) String() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// IsRemote 判断路径是否带有 http:// 或 https:// 前缀。
func IsRemote(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}

// Resolve 将路径解析为 Local 或 Remote。
//
// 本地路径的首段以 "bundle" 结尾时视为 bundle 名，例如
// "ui-bundle/textures/hero.png" -> Local{Bundle: "ui-bundle", Name: "textures/hero.png"}；
// 其余路径归入 DefaultBundle。
func Resolve(p string) (Source, error) {
	if strings.TrimSpace(p) == "" {
		return nil, fmt.Errorf("%w: path required", ErrInvalidPath)
	}
	if IsRemote(p) {
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("%w: remote path %q missing host", ErrInvalidPath, p)
		}
		return Remote{URL: u}, nil
	}

	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" || clean == "." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	parts := strings.SplitN(clean, "/", 2)
	if len(parts) == 2 && strings.HasSuffix(parts[0], "bundle") {
		return Local{Bundle: parts[0], Name: parts[1]}, nil
	}
	return Local{Bundle: DefaultBundle, Name: clean}, nil
}
