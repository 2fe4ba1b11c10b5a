package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// maxSuffixLen 限制临时文件后缀长度，避免挤占文件名长度预算。
const maxSuffixLen = 32

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if strings.ContainsAny(g.BindAddress, " /") {
		return newFieldError("BindAddress", "不允许包含空格或路径")
	}
	if g.StoragePath == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("LogLevel", "无法识别的日志级别")
		}
	}
	if g.Timeout.DurationValue() <= 0 {
		return newFieldError("Timeout", "必须大于 0")
	}
	if g.RateLimit < 0 {
		return newFieldError("RateLimit", "不能为负数")
	}
	if g.ChunkSize <= 0 {
		return newFieldError("ChunkSize", "必须大于 0")
	}
	if err := validateSuffix(g.IncompleteSuffix); err != nil {
		return newFieldError("IncompleteSuffix", err.Error())
	}
	if g.ResolverTTL.DurationValue() < 0 {
		return newFieldError("ResolverTTL", "不能为负数")
	}
	if g.UpstreamProxy != "" {
		if err := validateProxy(g.UpstreamProxy); err != nil {
			return newFieldError("UpstreamProxy", err.Error())
		}
	}

	return nil
}

func validateSuffix(suffix string) error {
	if suffix == "" {
		return errors.New("不能为空")
	}
	if len(suffix) > maxSuffixLen {
		return fmt.Errorf("长度不能超过 %d", maxSuffixLen)
	}
	if strings.ContainsAny(suffix, `/\`) {
		return errors.New("不允许包含路径分隔符")
	}
	return nil
}

func validateProxy(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https 代理: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("代理缺少 Host: %s", raw)
	}
	return nil
}
