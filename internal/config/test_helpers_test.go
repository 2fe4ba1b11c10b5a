package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// validConfig 返回通过校验的最小配置，供单字段校验用例修改。
func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:       8080,
			StoragePath:      "./data",
			Timeout:          Duration(15 * time.Second),
			ChunkSize:        8192,
			IncompleteSuffix: ".incomplete",
		},
	}
}

// requireFieldError 断言 err 是指向 field 的 FieldError。
func requireFieldError(t *testing.T, err error, field string) {
	t.Helper()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	var fe FieldError
	if !errors.As(err, &fe) || fe.Field != field {
		t.Fatalf("expected FieldError on %s, got %v", field, err)
	}
}
