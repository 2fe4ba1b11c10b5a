package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ResponseSink 接收读取方生成的 HTTP 响应。Prepare 在状态与头部确定后调用一次。
type ResponseSink interface {
	SetStatus(code int)
	Header() http.Header
	Prepare() error
	Write(p []byte) (int, error)
}

// ReadRequest 描述客户端请求的字节区间；End 为开区间，UnknownSize 表示读到末尾。
type ReadRequest struct {
	Start           int64
	End             int64
	IfModifiedSince time.Time
}

// FullRead 请求完整内容。
func FullRead() ReadRequest {
	return ReadRequest{Start: 0, End: UnknownSize}
}

// RunReader 等待缓存参数确定后输出响应头，并跟随写入方进度输出请求区间的数据。
func (e *Entry) RunReader(ctx context.Context, sink ResponseSink, req ReadRequest) error {
	if err := e.WaitReady(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	valid, failure := e.valid, e.failure
	e.mu.Unlock()
	if !valid {
		if failure != nil {
			return failure
		}
		return ErrNotValid
	}

	start := req.Start
	if start < 0 {
		start = 0
	}
	if end := e.resolveEnd(req.End); end == UnknownSize || start <= end {
		if _, err := e.waitFor(ctx, start); err != nil {
			return err
		}
	}

	e.mu.Lock()
	target, modTime := e.targetSize, e.modTime
	e.mu.Unlock()
	end := e.resolveEnd(req.End)

	h := sink.Header()
	if !modTime.IsZero() {
		h.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	}

	switch {
	case start == 0 && end == target:
		if notModified(modTime, req.IfModifiedSince) {
			sink.SetStatus(http.StatusNotModified)
			return sink.Prepare()
		}
		if target != UnknownSize {
			h.Set("Content-Length", strconv.FormatInt(target, 10))
		}
		sink.SetStatus(http.StatusOK)
	case end != UnknownSize && end < start:
		total := target
		if total == UnknownSize {
			total = end
		}
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		sink.SetStatus(http.StatusRequestedRangeNotSatisfiable)
		return sink.Prepare()
	case end != UnknownSize && end == start:
		sink.SetStatus(http.StatusNotModified)
		return sink.Prepare()
	default:
		h.Set("Content-Range", contentRange(start, end, target))
		if end != UnknownSize {
			h.Set("Content-Length", strconv.FormatInt(end-start, 10))
		}
		sink.SetStatus(http.StatusPartialContent)
	}

	if err := sink.Prepare(); err != nil {
		return err
	}
	return e.stream(ctx, sink, start, end)
}

// resolveEnd 将请求的结束位置限制在目标长度之内。
func (e *Entry) resolveEnd(requested int64) int64 {
	e.mu.Lock()
	target := e.targetSize
	e.mu.Unlock()
	if requested == UnknownSize || requested < 0 {
		return target
	}
	if target != UnknownSize && requested > target {
		return target
	}
	return requested
}

func (e *Entry) stream(ctx context.Context, sink ResponseSink, start, end int64) error {
	chunk := e.opts.ChunkSize
	if chunk <= 0 {
		chunk = 8192
	}
	buf := make([]byte, chunk)
	cursor := start
	for end == UnknownSize || cursor < end {
		avail, err := e.waitFor(ctx, cursor+1)
		if err != nil {
			return err
		}
		if avail <= cursor {
			// 写入方已结束且没有更多数据。
			break
		}
		n := avail - cursor
		if end != UnknownSize && end-cursor < n {
			n = end - cursor
		}
		if int64(len(buf)) < n {
			n = int64(len(buf))
		}
		read, readErr := e.file.ReadAt(buf[:n], cursor)
		if read > 0 {
			if _, err := sink.Write(buf[:read]); err != nil {
				return err
			}
			cursor += int64(read)
		}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}
		if read == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	if end != UnknownSize && cursor < end {
		return fmt.Errorf("%w: served %d of %d bytes", ErrIncomplete, cursor-start, end-start)
	}
	return nil
}

func notModified(modTime, since time.Time) bool {
	if modTime.IsZero() || since.IsZero() {
		return false
	}
	return !modTime.Truncate(time.Second).After(since.Truncate(time.Second))
}

func contentRange(start, end, total int64) string {
	size := "*"
	if total != UnknownSize {
		size = strconv.FormatInt(total, 10)
	}
	if end == UnknownSize {
		return fmt.Sprintf("bytes %d-/%s", start, size)
	}
	return fmt.Sprintf("bytes %d-%d/%s", start, end-1, size)
}
