package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort         = 5100
	defaultMaxConcurrentLoads = 5
	defaultReleaseDelay       = 5 * time.Second
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Preload {
		applyPreloadDefaults(&cfg.Preload[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析存储目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("MaxConcurrentLoads", defaultMaxConcurrentLoads)
	v.SetDefault("ReleaseStrategy", "immediate")
	v.SetDefault("ReleaseDelay", "5s")
	v.SetDefault("VersionServerURL", "")
	v.SetDefault("VersionDBPath", "")
	v.SetDefault("AssetBaseURL", "")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if g.MaxConcurrentLoads == 0 {
		g.MaxConcurrentLoads = defaultMaxConcurrentLoads
	}
	g.ReleaseStrategy = strings.ToLower(strings.TrimSpace(g.ReleaseStrategy))
	if g.ReleaseStrategy == "" {
		g.ReleaseStrategy = "immediate"
	}
	if g.ReleaseDelay.DurationValue() == 0 {
		g.ReleaseDelay = Duration(defaultReleaseDelay)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.VersionServerURL = strings.TrimRight(strings.TrimSpace(g.VersionServerURL), "/")
	g.AssetBaseURL = strings.TrimRight(strings.TrimSpace(g.AssetBaseURL), "/")
}

func applyPreloadDefaults(p *PreloadGroup) {
	p.Priority = strings.ToLower(strings.TrimSpace(p.Priority))
	if p.Priority == "" {
		p.Priority = "normal"
	}
	paths := p.Paths[:0]
	for _, raw := range p.Paths {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			paths = append(paths, trimmed)
		}
	}
	p.Paths = paths
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
