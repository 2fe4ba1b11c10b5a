package upstream

import (
	"errors"
	"fmt"
)

// ErrIdleTimeout 表示上游在 Timeout 内没有任何数据到达。
var ErrIdleTimeout = errors.New("upstream: idle timeout")

// ProtocolError 描述上游返回了无法处理的状态码或报文。
type ProtocolError struct {
	Proto  string
	Op     string
	Code   int
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s: unexpected reply %d: %s", e.Proto, e.Op, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s %s: %s", e.Proto, e.Op, e.Detail)
}

func httpError(op string, code int, detail string) error {
	return &ProtocolError{Proto: "http", Op: op, Code: code, Detail: detail}
}

func ftpError(op string, code int, detail string) error {
	return &ProtocolError{Proto: "ftp", Op: op, Code: code, Detail: detail}
}
