package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数、Go Duration 字符串以及 false（禁用）。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m"、纯数字秒值或 "false" 等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" || strings.EqualFold(raw, "false") {
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

// GlobalConfig 描述全局运行时行为。解析完成后在整个进程生命周期内只读。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// CacheURL 是缓存目录对外暴露的 URL 前缀，以它开头的引用视为缓存内文件。
	CacheURL string `mapstructure:"CacheURL"`
	// CachePath 是 CacheURL 对应的本地目录。
	CachePath string `mapstructure:"CachePath"`
	// DocumentRoot 用于解析相对路径引用。
	DocumentRoot string `mapstructure:"DocumentRoot"`
	// RuntimePath 存放远程 URL 与需拷贝卷的本地副本。
	RuntimePath string `mapstructure:"RuntimePath"`

	// CacheTTL 为 0 表示远程副本永不过期。
	CacheTTL     Duration `mapstructure:"CacheTTL"`
	MinValidSize int64    `mapstructure:"MinValidSize"`

	UseRawExternalURL       bool `mapstructure:"UseRawExternalURL"`
	UseRemoteURLQueryString bool `mapstructure:"UseRemoteURLQueryString"`
	HashRemoteURL           bool `mapstructure:"HashRemoteURL"`

	FetchTimeout     Duration          `mapstructure:"FetchTimeout"`
	MaxRedirects     int               `mapstructure:"MaxRedirects"`
	UserAgent        string            `mapstructure:"UserAgent"`
	FetchHeaders     map[string]string `mapstructure:"FetchHeaders"`
	AcceptImageOn404 bool              `mapstructure:"AcceptImageOn404"`
	HTTPClient       bool              `mapstructure:"HTTPClient"`
	AllowStreamFetch bool              `mapstructure:"AllowStreamFetch"`

	// SafeFileFormats 仅供批量规则层与 HTTP 入口过滤扩展名，解析核心不读取。
	SafeFileFormats []string `mapstructure:"SafeFileFormats"`
}

// VolumeConfig 声明一个存储卷，Type 决定使用的驱动。
type VolumeConfig struct {
	Name     string `mapstructure:"Name"`
	Type     string `mapstructure:"Type"`
	Root     string `mapstructure:"Root"`
	BaseURL  string `mapstructure:"BaseURL"`
	Endpoint string `mapstructure:"Endpoint"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Volumes []VolumeConfig `mapstructure:"Volume"`
}

// CacheTTLEnabled 表示远程副本是否存在过期时间。
func (g GlobalConfig) CacheTTLEnabled() bool {
	return g.CacheTTL.DurationValue() > 0
}

// IsSafeFormat 判断扩展名是否在 SafeFileFormats 白名单内，白名单为空时全部放行。
func (g GlobalConfig) IsSafeFormat(ext string) bool {
	if len(g.SafeFileFormats) == 0 {
		return true
	}
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	for _, allowed := range g.SafeFileFormats {
		if strings.ToLower(strings.TrimSpace(allowed)) == ext {
			return true
		}
	}
	return false
}

// VolumeNames 返回卷名与驱动类型的摘要，例如 uploads:local，供日志字段使用。
func VolumeNames(volumes []VolumeConfig) []string {
	if len(volumes) == 0 {
		return nil
	}
	result := make([]string, len(volumes))
	for i, volume := range volumes {
		result[i] = fmt.Sprintf("%s:%s", volume.Name, volume.Type)
	}
	return result
}
