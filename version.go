package main

import (
	"fmt"
	"runtime"

	"github.com/http-replicator/replicator/internal/version"
)

// printVersion 输出注入的版本 + 提交信息，以及构建使用的 Go 版本与平台。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
	fmt.Fprintf(stdOut, "%s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
