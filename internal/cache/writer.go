package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/http-replicator/replicator/internal/throttle"
)

// RunWriter 打开缓存文件、与上游协商并写入数据。无论以何种方式退出，
// 都会标记写入结束并唤醒所有读取方。返回的错误仅用于日志。
func (e *Entry) RunWriter(ctx context.Context, proto Protocol) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cache writer panic: %v", r)
		}
		e.finishWriter(err)
	}()

	if err := e.open(); err != nil {
		return err
	}

	e.mu.Lock()
	writable := e.writable
	probe := Probe{Size: e.currentSize, ModTime: e.modTime, Complete: !e.isTemp}
	e.mu.Unlock()

	if !writable {
		// 受信任的完整文件，不回源。
		e.publish()
		return nil
	}

	outcome, err := proto.Negotiate(ctx, probe)
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}

	switch outcome.Kind {
	case OutcomeRevoke:
		return e.revoke()
	case OutcomeValid:
		return e.confirm(outcome)
	case OutcomeStream:
		return e.transfer(ctx, outcome)
	default:
		return fmt.Errorf("unknown negotiation outcome %d", outcome.Kind)
	}
}

func (e *Entry) finishWriter(err error) {
	e.mu.Lock()
	e.writerDone = true
	if err != nil && e.failure == nil {
		e.failure = err
	}
	e.signalLocked()
	e.mu.Unlock()
	e.releaseReady()
}

// open 依次尝试：受信任的完整文件（只读）、可续传的临时文件、完整文件、新建临时文件。
func (e *Entry) open() error {
	if e.opts.Static || e.opts.Offline {
		if f, info, err := openRegular(e.finalPath, os.O_RDONLY); err == nil {
			e.attach(f, info, false, false)
			return nil
		}
		if e.opts.Offline {
			return ErrOffline
		}
	}

	if err := os.MkdirAll(filepath.Dir(e.finalPath), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if f, info, err := openRegular(e.tempPath, os.O_RDWR); err == nil {
		e.attach(f, info, true, true)
		return nil
	}
	if f, info, err := openRegular(e.finalPath, os.O_RDWR); err == nil {
		e.attach(f, info, false, true)
		return nil
	}
	if _, err := removeIfExists(e.tempPath); err != nil {
		return fmt.Errorf("clear temp path: %w", err)
	}
	f, info, err := openRegular(e.tempPath, os.O_RDWR|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	e.attach(f, info, true, true)
	return nil
}

func (e *Entry) attach(f *os.File, info os.FileInfo, isTemp, writable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.file = f
	e.isTemp = isTemp
	e.writable = writable
	e.currentSize = info.Size()
	e.targetSize = info.Size()
	if !isTemp || info.Size() > 0 {
		e.modTime = info.ModTime().UTC().Truncate(time.Second)
	}
}

func (e *Entry) revoke() error {
	for _, p := range []string{e.finalPath, e.tempPath} {
		if _, err := removeIfExists(p); err != nil {
			return fmt.Errorf("remove revoked file: %w", err)
		}
	}
	return ErrRevoked
}

// confirm 处理上游确认缓存仍然有效的情况。
func (e *Entry) confirm(outcome Outcome) error {
	e.mu.Lock()
	e.targetSize = e.currentSize
	if !outcome.ModTime.IsZero() {
		e.modTime = outcome.ModTime.UTC().Truncate(time.Second)
	}
	e.mu.Unlock()

	e.stamp()
	if err := e.promote(); err != nil {
		return err
	}
	e.publish()
	return nil
}

// transfer 截断到上游给出的偏移，发布参数后持续写入数据。
func (e *Entry) transfer(ctx context.Context, outcome Outcome) error {
	body := outcome.Body
	if err := e.prepareStream(outcome); err != nil {
		if body != nil {
			_ = body.Finish(false)
		}
		return err
	}
	e.publish()

	if body == nil {
		return e.finalize()
	}

	_, copyErr := throttle.Copy(ctx, appender{e}, body, throttle.Options{
		ChunkSize: e.opts.ChunkSize,
		RateKiB:   e.opts.RateKiB,
	})
	if copyErr != nil {
		_ = body.Finish(false)
		if errors.Is(copyErr, ErrSizeMismatch) {
			if _, err := removeIfExists(e.tempPath); err != nil {
				return fmt.Errorf("%w; remove temp: %v", copyErr, err)
			}
			return copyErr
		}
		e.stamp()
		current, _ := e.Size()
		return fmt.Errorf("transfer interrupted at %d bytes: %w", current, copyErr)
	}

	if err := e.finalize(); err != nil {
		_ = body.Finish(false)
		return err
	}
	if err := body.Finish(true); err != nil {
		return fmt.Errorf("finish upstream: %w", err)
	}
	return nil
}

func (e *Entry) prepareStream(outcome Outcome) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if outcome.Offset < 0 || outcome.Offset > e.currentSize {
		return fmt.Errorf("%w: offset %d, cached %d", ErrBadOffset, outcome.Offset, e.currentSize)
	}
	if outcome.Size != UnknownSize && outcome.Size < outcome.Offset {
		return fmt.Errorf("%w: offset %d beyond size %d", ErrBadOffset, outcome.Offset, outcome.Size)
	}
	if !e.isTemp {
		// 先降级为临时文件，刷新中断时不会留下损坏的完整文件。
		if err := os.Rename(e.finalPath, e.tempPath); err != nil {
			return fmt.Errorf("demote cached file: %w", err)
		}
		e.isTemp = true
	}
	if err := e.file.Truncate(outcome.Offset); err != nil {
		return fmt.Errorf("truncate cache file: %w", err)
	}
	e.currentSize = outcome.Offset
	e.targetSize = outcome.Size
	if !outcome.ModTime.IsZero() {
		e.modTime = outcome.ModTime.UTC().Truncate(time.Second)
	} else if outcome.Offset == 0 {
		e.modTime = time.Time{}
	}
	return nil
}

// finalize 在数据流结束后校验长度，长度一致时将临时文件重命名为最终文件。
func (e *Entry) finalize() error {
	e.mu.Lock()
	if e.targetSize == UnknownSize {
		e.targetSize = e.currentSize
		e.signalLocked()
	}
	current, target := e.currentSize, e.targetSize
	e.mu.Unlock()

	e.stamp()
	if current != target {
		return fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, current, target)
	}
	return e.promote()
}

func (e *Entry) promote() error {
	if !e.isTemp {
		return nil
	}
	if err := os.Rename(e.tempPath, e.finalPath); err != nil {
		return fmt.Errorf("finalize cache file: %w", err)
	}
	e.mu.Lock()
	e.isTemp = false
	e.mu.Unlock()
	return nil
}

// stamp 将已知的修改时间写回当前文件，便于后续条件请求。
func (e *Entry) stamp() {
	e.mu.Lock()
	modTime := e.modTime
	path := e.finalPath
	if e.isTemp {
		path = e.tempPath
	}
	e.mu.Unlock()
	if modTime.IsZero() {
		return
	}
	_ = os.Chtimes(path, modTime, modTime)
}

// appender 将数据追加到缓存文件末尾并推进已提交字节数。
type appender struct {
	e *Entry
}

func (a appender) Write(p []byte) (int, error) {
	e := a.e
	e.mu.Lock()
	offset, target := e.currentSize, e.targetSize
	e.mu.Unlock()

	if target != UnknownSize && offset+int64(len(p)) > target {
		return 0, fmt.Errorf("%w: %d bytes past %d", ErrSizeMismatch, offset+int64(len(p))-target, target)
	}
	n, err := e.file.WriteAt(p, offset)
	if n > 0 {
		e.mu.Lock()
		e.currentSize += int64(n)
		e.signalLocked()
		e.mu.Unlock()
	}
	return n, err
}
