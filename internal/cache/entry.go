package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// Entry 是单个缓存文件的协调对象：一个写入方，多个读取方。
type Entry struct {
	key       Key
	finalPath string
	tempPath  string
	opts      *Options
	createdAt time.Time

	// refs 由 Manager.mu 保护。
	refs int

	mu          sync.Mutex
	file        *os.File
	isTemp      bool
	writable    bool
	valid       bool
	writerDone  bool
	currentSize int64
	targetSize  int64
	modTime     time.Time
	failure     error
	progress    chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

func newEntry(key Key, finalPath, tempPath string, opts *Options) *Entry {
	return &Entry{
		key:        key,
		finalPath:  finalPath,
		tempPath:   tempPath,
		opts:       opts,
		createdAt:  time.Now(),
		targetSize: UnknownSize,
		progress:   make(chan struct{}),
		ready:      make(chan struct{}),
	}
}

// Key 返回条目对应的缓存键。
func (e *Entry) Key() Key { return e.key }

// Path 返回最终缓存文件路径。
func (e *Entry) Path() string { return e.finalPath }

// Ready 在写入方确定缓存参数（或放弃）后关闭。
func (e *Entry) Ready() <-chan struct{} { return e.ready }

// WaitReady 阻塞直到缓存参数确定或 ctx 结束。
func (e *Entry) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Valid 表示写入方是否已建立有效的缓存参数。
func (e *Entry) Valid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.valid
}

// Err 返回写入方记录的失败原因。
func (e *Entry) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

// Done 表示写入方是否已经结束。
func (e *Entry) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writerDone
}

func (e *Entry) isWritable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writable
}

// Size 返回已提交字节数与目标长度（未知为 UnknownSize）。
func (e *Entry) Size() (current, target int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentSize, e.targetSize
}

// ModTime 返回缓存内容的修改时间，零值表示未知。
func (e *Entry) ModTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modTime
}

// EntryStatus 为诊断接口输出的条目快照。
type EntryStatus struct {
	Key         string    `json:"key"`
	Path        string    `json:"path"`
	Refs        int       `json:"refs"`
	Valid       bool      `json:"valid"`
	Writable    bool      `json:"writable"`
	Done        bool      `json:"done"`
	CurrentSize int64     `json:"current_size"`
	TargetSize  int64     `json:"target_size"`
	ModTime     time.Time `json:"mod_time,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Error       string    `json:"error,omitempty"`
}

func (e *Entry) status(refs int) EntryStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := EntryStatus{
		Key:         e.key.String(),
		Path:        e.finalPath,
		Refs:        refs,
		Valid:       e.valid,
		Writable:    e.writable,
		Done:        e.writerDone,
		CurrentSize: e.currentSize,
		TargetSize:  e.targetSize,
		ModTime:     e.modTime,
		CreatedAt:   e.createdAt,
	}
	if e.failure != nil {
		st.Error = e.failure.Error()
	}
	return st
}

// signalLocked 唤醒所有等待进度的读取方；调用方需持有 e.mu。
func (e *Entry) signalLocked() {
	close(e.progress)
	e.progress = make(chan struct{})
}

// publish 标记缓存参数已确定，释放等待中的读取方。
func (e *Entry) publish() {
	e.mu.Lock()
	e.valid = true
	e.mu.Unlock()
	e.releaseReady()
}

func (e *Entry) releaseReady() {
	e.readyOnce.Do(func() { close(e.ready) })
}

// waitFor 阻塞直到已提交字节数达到 need 或写入方结束，返回当时的已提交字节数。
func (e *Entry) waitFor(ctx context.Context, need int64) (int64, error) {
	for {
		e.mu.Lock()
		size, done, ch := e.currentSize, e.writerDone, e.progress
		e.mu.Unlock()
		if size >= need || done {
			return size, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return size, ctx.Err()
		}
	}
}

func (e *Entry) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file != nil {
		_ = e.file.Close()
		e.file = nil
	}
}

// openRegular 打开普通文件并返回其元信息；目录视为不存在。
func openRegular(path string, flag int) (*os.File, fs.FileInfo, error) {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	return f, info, nil
}

func removeIfExists(path string) (bool, error) {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
