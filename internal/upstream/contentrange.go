package upstream

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/http-replicator/replicator/internal/cache"
)

var contentRangePattern = regexp.MustCompile(`^bytes (\d+)-(\d*)(?:/(\d+|\*))?$`)

// parseContentRange 解析 `bytes <begin>-<end>[/<total|*>]`，返回的 end 为开区间；
// end 缺失时返回 cache.UnknownSize。声明的总长度必须与区间末尾一致。
func parseContentRange(value string) (begin, end int64, err error) {
	m := contentRangePattern.FindStringSubmatch(value)
	if m == nil {
		return 0, 0, httpError("content-range", 0, fmt.Sprintf("malformed %q", value))
	}
	begin, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, httpError("content-range", 0, err.Error())
	}
	if m[2] == "" {
		return begin, cache.UnknownSize, nil
	}
	last, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, httpError("content-range", 0, err.Error())
	}
	if last < begin {
		return 0, 0, httpError("content-range", 0, fmt.Sprintf("inverted range %q", value))
	}
	end = last + 1
	if m[3] != "" && m[3] != "*" {
		total, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			return 0, 0, httpError("content-range", 0, err.Error())
		}
		if total != end {
			return 0, 0, httpError("content-range", 0, fmt.Sprintf("range %q does not reach total", value))
		}
	}
	return begin, end, nil
}
