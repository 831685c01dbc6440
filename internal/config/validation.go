package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/any-hub/asset-cache/internal/asset"
	"github.com/any-hub/asset-cache/internal/release"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxConcurrentLoads < 1 {
		return newFieldError("Global.MaxConcurrentLoads", "必须大于等于 1")
	}
	strategy, err := release.ParseStrategy(g.ReleaseStrategy)
	if err != nil {
		return newFieldError("Global.ReleaseStrategy", "仅支持 immediate/delayed/manual")
	}
	if strategy == release.Delayed && g.ReleaseDelay.DurationValue() <= 0 {
		return newFieldError("Global.ReleaseDelay", "delayed 策略下必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.VersionServerURL != "" {
		if err := validateHTTPURL(g.VersionServerURL); err != nil {
			return fmt.Errorf("Global.VersionServerURL: %w", err)
		}
	}
	if g.AssetBaseURL != "" {
		if err := validateHTTPURL(g.AssetBaseURL); err != nil {
			return fmt.Errorf("Global.AssetBaseURL: %w", err)
		}
	}

	seenNames := map[string]struct{}{}
	for i := range c.Preload {
		group := &c.Preload[i]
		if group.Name != "" {
			if _, exists := seenNames[group.Name]; exists {
				return newFieldError(preloadField(group.Name, i, "Name"), "重复")
			}
			seenNames[group.Name] = struct{}{}
		}
		if _, err := asset.ParsePriority(group.Priority); err != nil {
			return newFieldError(preloadField(group.Name, i, "Priority"), "仅支持 low/normal/high/critical")
		}
		if len(group.Paths) == 0 {
			return newFieldError(preloadField(group.Name, i, "Paths"), "不能为空")
		}
		for _, p := range group.Paths {
			if _, err := asset.Resolve(p); err != nil {
				return fmt.Errorf("%s: %w", preloadField(group.Name, i, "Paths"), err)
			}
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
