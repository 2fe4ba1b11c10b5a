// Package throttle moves bytes between streams at a bounded rate.
package throttle

import (
	"context"
	"io"
	"time"

	R "github.com/juju/ratelimit"
)

// DefaultChunkSize 单次读写的默认字节数。
const DefaultChunkSize = 8192

// Options 控制复制时的分块大小与速率上限（KiB/s，0 表示不限速）。
type Options struct {
	ChunkSize int
	RateKiB   float64
}

// NewBucket 根据 KiB/s 构建令牌桶；容量为一个分块，避免启动时的突发。
func NewBucket(rateKiB float64, chunkSize int) *R.Bucket {
	if rateKiB <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return R.NewBucketWithRate(rateKiB*1024, int64(chunkSize))
}

// Copy 以 ChunkSize 为单位从 src 读取并写入 dst，每块写入后按令牌桶欠额等待。
// ctx 取消时立即返回，已写入的字节数保持准确。
func Copy(ctx context.Context, dst io.Writer, src io.Reader, opts Options) (int64, error) {
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	bucket := NewBucket(opts.RateKiB, size)
	buf := make([]byte, size)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			w, writeErr := dst.Write(buf[:n])
			written += int64(w)
			if writeErr != nil {
				return written, writeErr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
			if bucket != nil {
				if err := sleep(ctx, bucket.Take(int64(n))); err != nil {
					return written, err
				}
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
