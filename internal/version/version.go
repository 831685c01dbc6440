package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version/Commit 可在构建时通过 -ldflags 注入；未注入 Commit 时回退到 VCS 构建信息。
var (
	Version = "0.1.0"
	Commit  = ""
)

// Revision 返回提交号：优先 ldflags，其次 go build 记录的 vcs.revision，最后为 dev。
func Revision() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				rev := setting.Value
				if len(rev) > 12 {
					rev = rev[:12]
				}
				return rev
			}
		}
	}
	return "dev"
}

// Full 返回 CLI --version 打印的单行信息。
func Full() string {
	return fmt.Sprintf("asset-cache %s (%s, %s)", Version, Revision(), runtime.Version())
}
