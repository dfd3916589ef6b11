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
	defaultFetchTimeout = 30 * time.Second
	defaultMinValidSize = 1024
	defaultMaxRedirects = 10
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
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Volumes {
		applyVolumeDefaults(&cfg.Volumes[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := absolutize(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheURL", "/imager/")
	v.SetDefault("CachePath", "./storage/imager")
	v.SetDefault("DocumentRoot", "./public")
	v.SetDefault("RuntimePath", "./storage/runtime/imager")
	v.SetDefault("MinValidSize", defaultMinValidSize)
	v.SetDefault("FetchTimeout", "30s")
	v.SetDefault("MaxRedirects", defaultMaxRedirects)
	v.SetDefault("AcceptImageOn404", true)
	v.SetDefault("HTTPClient", true)
	v.SetDefault("AllowStreamFetch", true)
	v.SetDefault("SafeFileFormats", []string{"jpg", "jpeg", "gif", "png"})
}

// ApplyDefaults 为手工构造的配置补齐缺省值，测试与嵌入场景会直接使用。
func ApplyDefaults(g *GlobalConfig) {
	applyGlobalDefaults(g)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5080
	}
	if g.CacheTTL.DurationValue() < 0 {
		g.CacheTTL = Duration(0)
	}
	if g.MinValidSize <= 0 {
		g.MinValidSize = defaultMinValidSize
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		g.FetchTimeout = Duration(defaultFetchTimeout)
	}
	if g.MaxRedirects == 0 {
		g.MaxRedirects = defaultMaxRedirects
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
}

func applyVolumeDefaults(v *VolumeConfig) {
	v.Name = strings.TrimSpace(v.Name)
	v.Type = strings.ToLower(strings.TrimSpace(v.Type))
	v.BaseURL = strings.TrimRight(strings.TrimSpace(v.BaseURL), "/")
	v.Endpoint = strings.TrimRight(strings.TrimSpace(v.Endpoint), "/")
}

// absolutize 将所有目录字段转换为绝对路径，保证派生出的缓存路径稳定。
func absolutize(cfg *Config) error {
	dirs := []struct {
		field string
		value *string
	}{
		{"Global.CachePath", &cfg.Global.CachePath},
		{"Global.DocumentRoot", &cfg.Global.DocumentRoot},
		{"Global.RuntimePath", &cfg.Global.RuntimePath},
	}
	for _, dir := range dirs {
		abs, err := filepath.Abs(*dir.value)
		if err != nil {
			return fmt.Errorf("无法解析 %s: %w", dir.field, err)
		}
		*dir.value = abs
	}
	for i := range cfg.Volumes {
		if cfg.Volumes[i].Root == "" {
			continue
		}
		abs, err := filepath.Abs(cfg.Volumes[i].Root)
		if err != nil {
			return fmt.Errorf("%s: %w", volumeField(cfg.Volumes[i].Name, "Root"), err)
		}
		cfg.Volumes[i].Root = abs
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" || strings.EqualFold(v, "false") {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case bool:
			// CacheTTL = false 表示禁用过期；true 没有意义。
			if v {
				return nil, fmt.Errorf("Duration 字段不支持 true")
			}
			return Duration(0), nil
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
