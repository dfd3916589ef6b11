package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/any-hub/imgcache/internal/storage"
)

var volumeNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if strings.TrimSpace(g.CacheURL) == "" {
		return newFieldError("Global.CacheURL", "不能为空")
	}
	if g.CachePath == "" {
		return newFieldError("Global.CachePath", "不能为空")
	}
	if g.DocumentRoot == "" {
		return newFieldError("Global.DocumentRoot", "不能为空")
	}
	if g.RuntimePath == "" {
		return newFieldError("Global.RuntimePath", "不能为空")
	}
	if g.CacheTTL.DurationValue() < 0 {
		return newFieldError("Global.CacheTTL", "不能为负数")
	}
	if g.MinValidSize < 0 {
		return newFieldError("Global.MinValidSize", "不能为负数")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FetchTimeout", "必须大于 0")
	}
	if g.MaxRedirects < 0 {
		return newFieldError("Global.MaxRedirects", "不能为负数")
	}
	for key := range g.FetchHeaders {
		if strings.TrimSpace(key) == "" || strings.ContainsAny(key, " :\r\n") {
			return newFieldError("Global.FetchHeaders", fmt.Sprintf("非法 Header 名称: %q", key))
		}
	}

	seenNames := map[string]struct{}{}
	for i := range c.Volumes {
		volume := &c.Volumes[i]
		if volume.Name == "" {
			return newFieldError("Volume[].Name", "不能为空")
		}
		if !volumeNamePattern.MatchString(volume.Name) {
			return newFieldError(volumeField(volume.Name, "Name"), "仅允许字母、数字、- 与 _")
		}
		if _, exists := seenNames[volume.Name]; exists {
			return newFieldError(volumeField(volume.Name, "Name"), "重复")
		}
		seenNames[volume.Name] = struct{}{}

		normalizedType := strings.ToLower(strings.TrimSpace(volume.Type))
		if normalizedType == "" {
			return newFieldError(volumeField(volume.Name, "Type"), "不能为空")
		}
		meta, ok := storage.Resolve(normalizedType)
		if !ok {
			return newFieldError(volumeField(volume.Name, "Type"), "仅支持 "+strings.Join(storage.Keys(), "|"))
		}
		volume.Type = normalizedType

		if meta.CopyOut {
			if err := validateEndpoint(volume.Endpoint); err != nil {
				return fmt.Errorf("%s: %w", volumeField(volume.Name, "Endpoint"), err)
			}
		} else if strings.TrimSpace(volume.Root) == "" {
			return newFieldError(volumeField(volume.Name, "Root"), "本地卷必须指定根目录")
		}
		if volume.BaseURL != "" {
			if _, err := url.Parse(volume.BaseURL); err != nil {
				return fmt.Errorf("%s: %w", volumeField(volume.Name, "BaseURL"), err)
			}
		}
	}

	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return errors.New("缺少对象存储地址")
	}
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
