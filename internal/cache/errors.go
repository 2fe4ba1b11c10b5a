package cache

import "errors"

var (
	// ErrRevoked 表示上游确认资源已不存在或被禁止访问，缓存副本已被删除。
	ErrRevoked = errors.New("cache: resource revoked by upstream")
	// ErrOffline 表示离线模式下缓存中没有完整文件。
	ErrOffline = errors.New("cache: offline and no complete copy")
	// ErrIncomplete 表示上游在达到声明长度之前结束；临时文件保留以便续传。
	ErrIncomplete = errors.New("cache: transfer ended before declared size")
	// ErrSizeMismatch 表示上游数据超过声明长度；临时文件已删除。
	ErrSizeMismatch = errors.New("cache: transfer exceeded declared size")
	// ErrBadOffset 表示上游给出的续传位置超出本地已有数据。
	ErrBadOffset = errors.New("cache: upstream offset beyond cached data")
	// ErrInvalidPath 表示请求路径无法映射到缓存目录内。
	ErrInvalidPath = errors.New("cache: invalid cache path")
	// ErrNotValid 表示写入方未能建立有效的缓存参数。
	ErrNotValid = errors.New("cache: entry not valid")
)
