package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/asset-cache/internal/asset"
	"github.com/any-hub/asset-cache/internal/release"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"500ms" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述缓存引擎与 HTTP 入口的运行时行为。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`

	MaxConcurrentLoads int      `mapstructure:"MaxConcurrentLoads"`
	ReleaseStrategy    string   `mapstructure:"ReleaseStrategy"`
	ReleaseDelay       Duration `mapstructure:"ReleaseDelay"`

	VersionServerURL string `mapstructure:"VersionServerURL"`
	VersionDBPath    string `mapstructure:"VersionDBPath"`
	AssetBaseURL     string `mapstructure:"AssetBaseURL"`

	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// PreloadGroup 描述启动时需要预加载的一组资源。
type PreloadGroup struct {
	Name     string   `mapstructure:"Name"`
	Priority string   `mapstructure:"Priority"`
	Paths    []string `mapstructure:"Paths"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Preload []PreloadGroup `mapstructure:"Preload"`
}

// ReleasePolicy 返回解析后的释放策略与延迟（假定 Validate 已经通过）。
func (g GlobalConfig) ReleasePolicy() (release.Strategy, time.Duration) {
	strategy, err := release.ParseStrategy(g.ReleaseStrategy)
	if err != nil {
		strategy = release.Immediate
	}
	return strategy, g.ReleaseDelay.DurationValue()
}

// VersionCheckEnabled 表示是否配置了版本服务器。
func (g GlobalConfig) VersionCheckEnabled() bool {
	return strings.TrimSpace(g.VersionServerURL) != ""
}

// PriorityValue 返回预加载组的优先级，未填写时为 normal。
func (p PreloadGroup) PriorityValue() asset.Priority {
	priority, err := asset.ParsePriority(p.Priority)
	if err != nil {
		return asset.PriorityNormal
	}
	return priority
}

// PreloadPathCount 返回所有预加载组声明的路径总数，供启动日志使用。
func (c *Config) PreloadPathCount() int {
	total := 0
	for _, group := range c.Preload {
		total += len(group.Paths)
	}
	return total
}
