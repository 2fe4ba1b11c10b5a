package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig 是所有字段校验错误的共同根，调用方可用 errors.Is 判断。
var ErrInvalidConfig = errors.New("配置无效")

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap 让 FieldError 满足 errors.Is(err, ErrInvalidConfig)。
func (e FieldError) Unwrap() error {
	return ErrInvalidConfig
}

func newFieldError(field, reason string) error {
	return FieldError{Field: "Global." + field, Reason: reason}
}
