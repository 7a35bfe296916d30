package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"168h" 或纯数字秒值等配置写法。
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

// GlobalConfig 描述进程级参数：日志、缓存目录、容量上限与下载行为。
// MaxCacheSize / EvictionTarget 对所有请求生效，不支持按请求覆盖。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	CacheDir        string   `mapstructure:"CacheDir"`
	DefaultTTL      Duration `mapstructure:"DefaultTTL"`
	MaxCacheSize    int64    `mapstructure:"MaxCacheSize"`
	EvictionTarget  float64  `mapstructure:"EvictionTarget"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	DownloadTimeout Duration `mapstructure:"DownloadTimeout"`
	UserAgent       string   `mapstructure:"UserAgent"`
}

// PrefetchConfig 描述启动时需要预热的远程图片。
type PrefetchConfig struct {
	URI      string   `mapstructure:"URI"`
	CacheKey string   `mapstructure:"CacheKey"`
	TTL      Duration `mapstructure:"TTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig     `mapstructure:",squash"`
	Prefetch []PrefetchConfig `mapstructure:"Prefetch"`
}

// EffectiveTTL 返回预热条目的 TTL，未设置时退回全局 DefaultTTL。
func (c *Config) EffectiveTTL(p PrefetchConfig) time.Duration {
	if ttl := p.TTL.DurationValue(); ttl > 0 {
		return ttl
	}
	return c.Global.DefaultTTL.DurationValue()
}

// PrefetchURIs 返回所有预热地址，供启动日志使用。
func PrefetchURIs(items []PrefetchConfig) []string {
	if len(items) == 0 {
		return nil
	}
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = item.URI
	}
	return result
}
