package cache

import (
	"strconv"
	"strings"
)

// Key 标识一个可缓存资源；查询串不参与缓存键。
type Key struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

// String 返回 `<host>:<port><path>` 形式，与磁盘布局一致。
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(k.Host))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(k.Port))
	if !strings.HasPrefix(k.Path, "/") {
		b.WriteByte('/')
	}
	b.WriteString(k.Path)
	return b.String()
}
