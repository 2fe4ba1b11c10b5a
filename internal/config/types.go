package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
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

// GlobalConfig 描述代理进程的全部运行参数。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	BindAddress      string   `mapstructure:"BindAddress"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	StoragePath      string   `mapstructure:"StoragePath"`
	Timeout          Duration `mapstructure:"Timeout"`
	Static           bool     `mapstructure:"Static"`
	Offline          bool     `mapstructure:"Offline"`
	Flat             bool     `mapstructure:"Flat"`
	RateLimit        float64  `mapstructure:"RateLimit"`
	ChunkSize        int      `mapstructure:"ChunkSize"`
	IncompleteSuffix string   `mapstructure:"IncompleteSuffix"`
	UpstreamProxy    string   `mapstructure:"UpstreamProxy"`
	ResolverTTL      Duration `mapstructure:"ResolverTTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
}

// TrustCache 表示是否无需回源即可直接信任完整的缓存文件（static 或 offline）。
func (g GlobalConfig) TrustCache() bool {
	return g.Static || g.Offline
}

// RateLimitBytes 将 KiB/s 换算为字节/秒，0 表示不限速。
func (g GlobalConfig) RateLimitBytes() float64 {
	if g.RateLimit <= 0 {
		return 0
	}
	return g.RateLimit * 1024
}

// Mode 输出 `offline`、`static` 或 `online`，供日志字段使用。
func (g GlobalConfig) Mode() string {
	switch {
	case g.Offline:
		return "offline"
	case g.Static:
		return "static"
	default:
		return "online"
	}
}

// ListenAddress 返回 fiber 监听地址。
func (g GlobalConfig) ListenAddress() string {
	host := strings.TrimSpace(g.BindAddress)
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, g.ListenPort)
}
