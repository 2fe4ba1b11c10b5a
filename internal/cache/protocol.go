package cache

import (
	"context"
	"io"
	"time"
)

// UnknownSize 表示上游没有声明总长度。
const UnknownSize int64 = -1

// Probe 描述协商前本地缓存的状态。
type Probe struct {
	// Size 为本地已有字节数。
	Size int64
	// ModTime 为本地文件的修改时间，零值表示未知。
	ModTime time.Time
	// Complete 表示本地文件为已完成的最终文件。
	Complete bool
}

// OutcomeKind 为协商结果的类型。
type OutcomeKind int

const (
	// OutcomeRevoke 上游确认资源不存在或被禁止访问。
	OutcomeRevoke OutcomeKind = iota
	// OutcomeValid 本地缓存仍然有效，无需传输。
	OutcomeValid
	// OutcomeStream 需要从 Offset 起接收数据。
	OutcomeStream
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRevoke:
		return "revoke"
	case OutcomeValid:
		return "valid"
	case OutcomeStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Outcome 为协议协商结果。
type Outcome struct {
	Kind    OutcomeKind
	Offset  int64
	Size    int64
	ModTime time.Time
	Body    Stream
}

// Stream 是上游数据流；写入方消费完数据后必须调用 Finish 释放连接，
// complete 表示数据是否被完整读取。
type Stream interface {
	io.Reader
	Finish(complete bool) error
}

// Protocol 负责与上游协商缓存有效性与续传位置。
type Protocol interface {
	Negotiate(ctx context.Context, probe Probe) (Outcome, error)
}

// Revoke 构建撤销结果。
func Revoke() Outcome {
	return Outcome{Kind: OutcomeRevoke, Size: UnknownSize}
}

// Valid 构建缓存有效的结果；modTime 为零值时沿用本地时间。
func Valid(modTime time.Time) Outcome {
	return Outcome{Kind: OutcomeValid, Size: UnknownSize, ModTime: modTime}
}

// Streaming 构建需要传输数据的结果；size 为 UnknownSize 表示长度未知。
func Streaming(offset, size int64, modTime time.Time, body Stream) Outcome {
	return Outcome{Kind: OutcomeStream, Offset: offset, Size: size, ModTime: modTime, Body: body}
}
