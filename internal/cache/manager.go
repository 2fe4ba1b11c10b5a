package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options 控制缓存布局与写入行为。
type Options struct {
	Layout Layout
	// Static 表示完整缓存文件无需回源即可信任。
	Static bool
	// Offline 表示从不回源；缺少完整文件时返回 ErrOffline。
	Offline   bool
	ChunkSize int
	// RateKiB 为写入方的下载速率上限，0 表示不限速。
	RateKiB float64
	Logger  *logrus.Logger
}

// Manager 维护缓存键到共享条目的映射，并以引用计数决定条目何时释放。
type Manager struct {
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	entries map[string]*Entry

	writers sync.WaitGroup
}

// NewManager 校验并创建缓存根目录。
func NewManager(opts Options) (*Manager, error) {
	if opts.Layout.Root == "" {
		return nil, errors.New("storage path required")
	}
	if opts.Layout.Suffix == "" {
		opts.Layout.Suffix = ".incomplete"
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8192
	}
	if opts.Offline {
		opts.Static = true
	}
	if err := os.MkdirAll(opts.Layout.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*Entry),
	}, nil
}

// Open 返回 key 对应的条目并增加引用；joined 为 true 表示加入了已有条目。
// 新建条目时以 ctx 启动写入方，proto 仅在需要回源时使用。调用方结束后必须 Release。
func (m *Manager) Open(ctx context.Context, key Key, proto Protocol) (entry *Entry, joined bool, err error) {
	finalPath, err := m.opts.Layout.FinalPath(key)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	// 仍在表中的条目必然有读取方持有引用，即使写入失败也只能加入，避免同一文件出现两个写入方。
	if existing, ok := m.entries[finalPath]; ok {
		existing.refs++
		m.mu.Unlock()
		return existing, true, nil
	}
	entry = newEntry(key, finalPath, m.opts.Layout.TempPath(finalPath), &m.opts)
	// 调用方与写入方各持有一个引用。
	entry.refs = 2
	m.entries[finalPath] = entry
	m.writers.Add(1)
	m.mu.Unlock()

	go m.runWriter(ctx, entry, proto)
	return entry, false, nil
}

// Release 释放一个引用；最后一个引用释放时关闭文件并移出映射。
func (m *Manager) Release(e *Entry) {
	m.mu.Lock()
	e.refs--
	last := e.refs <= 0
	if last && m.entries[e.finalPath] == e {
		delete(m.entries, e.finalPath)
	}
	m.mu.Unlock()
	if last {
		e.close()
	}
}

// Snapshot 返回当前所有条目的状态，按缓存键排序。
func (m *Manager) Snapshot() []EntryStatus {
	m.mu.Lock()
	out := make([]EntryStatus, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.status(e.refs))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Wait 等待所有写入方退出，或 ctx 结束。
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.writers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) runWriter(ctx context.Context, e *Entry, proto Protocol) {
	defer m.writers.Done()
	defer m.Release(e)

	err := e.RunWriter(ctx, proto)
	current, target := e.Size()
	fields := logrus.Fields{
		"action":       "cache_write",
		"cache_key":    e.key.String(),
		"path":         e.finalPath,
		"current_size": current,
		"target_size":  target,
	}
	switch {
	case err == nil && !e.isWritable():
		m.logger.WithFields(fields).Debug("cache_static_hit")
	case err == nil:
		m.logger.WithFields(fields).Info("cache_write_complete")
	case errors.Is(err, ErrRevoked):
		m.logger.WithFields(fields).Info("cache_revoked")
	case errors.Is(err, ErrOffline):
		m.logger.WithFields(fields).Info("cache_offline_miss")
	case errors.Is(err, ErrIncomplete), errors.Is(err, context.Canceled):
		m.logger.WithFields(fields).WithError(err).Warn("cache_write_incomplete")
	default:
		m.logger.WithFields(fields).WithError(err).Error("cache_write_failed")
	}
}
