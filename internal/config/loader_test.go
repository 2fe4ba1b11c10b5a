package config

import (
	"testing"
	"time"
)

func TestLoadFailsWithMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "absent.toml")); err == nil {
		t.Fatalf("不存在的配置文件应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
Timeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsIntegerSeconds(t *testing.T) {
	cfg := `
StoragePath = "./data"
Timeout = 30
ResolverTTL = 60
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.Timeout.DurationValue() != 30*time.Second {
		t.Fatalf("整数秒 Timeout 解析错误: %s", loaded.Global.Timeout.DurationValue())
	}
	if loaded.Global.ResolverTTL.DurationValue() != time.Minute {
		t.Fatalf("整数秒 ResolverTTL 解析错误: %s", loaded.Global.ResolverTTL.DurationValue())
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeTempConfig(t, "StoragePath = \"./data\"\nLogLevel = \"loud\"\n")
	_, err := Load(path)
	requireFieldError(t, err, "Global.LogLevel")
}
