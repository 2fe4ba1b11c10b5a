package upstream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// idleReader 要求每次 Read 在 timeout 内返回，否则调用 onExpire 中断底层读取。
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, onExpire func()) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, func() {
			ir.expired.Store(true)
			onExpire()
		})
		ir.timer.Stop()
	}
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	if ir.timer != nil {
		ir.timer.Reset(ir.timeout)
		defer ir.timer.Stop()
	}
	n, err := ir.r.Read(p)
	if ir.expired.Load() {
		return n, fmt.Errorf("%w after %s", ErrIdleTimeout, ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}

// deadlineReader 在每次 Read 前刷新连接的读超时。
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d deadlineReader) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		_ = d.conn.SetReadDeadline(time.Now().Add(d.timeout))
	}
	n, err := d.conn.Read(p)
	var netErr net.Error
	if err != nil && errors.As(err, &netErr) && netErr.Timeout() {
		return n, fmt.Errorf("%w after %s: %v", ErrIdleTimeout, d.timeout, err)
	}
	return n, err
}
