package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// nameMax 为常见文件系统的单个文件名长度上限。
	nameMax = 255
	// indexName 用于以 `/` 结尾的目录型 URL。
	indexName = "index.html"
	// hashedTail 为 ".." + md5 十六进制摘要的长度。
	hashedTail = 34
)

// Layout 描述缓存文件在磁盘上的位置规则。
type Layout struct {
	Root   string
	Suffix string
	Flat   bool
}

// FinalPath 将缓存键映射为 `<root>/<host>:<port>/<path>`；flat 模式只保留文件名。
func (l Layout) FinalPath(key Key) (string, error) {
	if l.Root == "" {
		return "", fmt.Errorf("%w: storage root required", ErrInvalidPath)
	}
	host := strings.Trim(strings.ToLower(key.Host), "[]")
	if host == "" || host == "." || host == ".." || strings.ContainsAny(host, `/\`) {
		return "", fmt.Errorf("%w: bad host %q", ErrInvalidPath, key.Host)
	}

	segments, err := l.segments(key.Path)
	if err != nil {
		return "", err
	}
	if l.Flat {
		return filepath.Join(l.Root, segments[len(segments)-1]), nil
	}

	parts := make([]string, 0, len(segments)+2)
	parts = append(parts, l.Root, host+":"+strconv.Itoa(key.Port))
	parts = append(parts, segments...)
	return filepath.Join(parts...), nil
}

// TempPath 返回下载中文件的路径。
func (l Layout) TempPath(finalPath string) string {
	return finalPath + l.Suffix
}

func (l Layout) segments(urlPath string) ([]string, error) {
	raw := strings.Split(urlPath, "/")
	out := make([]string, 0, len(raw)+1)
	for _, seg := range raw {
		switch seg {
		case "", ".":
			continue
		case "..":
			return nil, fmt.Errorf("%w: traversal in %q", ErrInvalidPath, urlPath)
		}
		if strings.ContainsRune(seg, 0) || strings.ContainsRune(seg, '\\') {
			return nil, fmt.Errorf("%w: bad segment in %q", ErrInvalidPath, urlPath)
		}
		out = append(out, l.shorten(seg))
	}
	if len(out) == 0 || strings.HasSuffix(urlPath, "/") {
		out = append(out, indexName)
	}
	return out, nil
}

// shorten 将超长路径段截断为前缀 + ".." + 剩余部分的 md5，保证加上后缀后不超过 nameMax。
func (l Layout) shorten(seg string) string {
	limit := nameMax - len(l.Suffix)
	if len(seg) <= limit {
		return seg
	}
	keep := limit - hashedTail
	sum := md5.Sum([]byte(seg[keep:]))
	return seg[:keep] + ".." + hex.EncodeToString(sum[:])
}
