package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/http-replicator/replicator/internal/config"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// StartupFields 汇总启动时关心的运行模式与存储信息。
func StartupFields(cfg config.GlobalConfig) logrus.Fields {
	return logrus.Fields{
		"action":     "startup",
		"listen":     cfg.ListenAddress(),
		"storage":    cfg.StoragePath,
		"mode":       cfg.Mode(),
		"flat":       cfg.Flat,
		"rate_limit": cfg.RateLimit,
	}
}

// RequestFields 提供请求方法、上游 URL 与缓存键字段，供代理请求日志复用。
// joined 表示本次请求是否复用了已在进行的下载。
func RequestFields(method, upstream, cacheKey string, joined bool) logrus.Fields {
	return logrus.Fields{
		"method":    method,
		"upstream":  upstream,
		"cache_key": cacheKey,
		"joined":    joined,
	}
}
