package upstream

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/http-replicator/replicator/internal/cache"
)

// DialFunc 与 net.Dialer.DialContext 签名一致。
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

const (
	ftpServiceReady    = 220
	ftpNeedPassword    = 331
	ftpLoggedIn        = 230
	ftpCommandOK       = 200
	ftpFileStatus      = 213
	ftpExtendedPassive = 229
	ftpPassive         = 227
	ftpPendingRest     = 350
	ftpDataOpen        = 125
	ftpOpeningData     = 150
	ftpTransferDone    = 226
	ftpFileActionOK    = 250
	ftpUnavailable     = 550
)

var pasvPattern = regexp.MustCompile(`(\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`)

// FTPProtocol 以匿名登录、MDTM/SIZE 比对与 REST 续传实现 cache.Protocol。
type FTPProtocol struct {
	host    string
	port    int
	path    string
	dial    DialFunc
	timeout time.Duration
}

// NewFTPProtocol 创建针对 host:port 上 path 的协议实例；连接在 Negotiate 时建立。
func NewFTPProtocol(host string, port int, path string, dial DialFunc, timeout time.Duration) *FTPProtocol {
	if dial == nil {
		dial = (&net.Dialer{Timeout: timeout}).DialContext
	}
	return &FTPProtocol{host: host, port: port, path: path, dial: dial, timeout: timeout}
}

// Negotiate 实现 cache.Protocol。
func (p *FTPProtocol) Negotiate(ctx context.Context, probe cache.Probe) (cache.Outcome, error) {
	conn, err := p.dial(ctx, "tcp", net.JoinHostPort(p.host, strconv.Itoa(p.port)))
	if err != nil {
		return cache.Outcome{}, err
	}
	ctrl := newControlConn(ctx, conn, p.timeout)
	handedOff := false
	defer func() {
		if !handedOff {
			ctrl.close()
		}
	}()

	if _, _, err := ctrl.read("connect", ftpServiceReady); err != nil {
		return cache.Outcome{}, err
	}
	code, _, err := ctrl.send("USER anonymous", ftpNeedPassword, ftpLoggedIn)
	if err != nil {
		return cache.Outcome{}, err
	}
	if code == ftpNeedPassword {
		code, _, err = ctrl.send("PASS anonymous@", ftpLoggedIn, ftpUnavailable)
		if err != nil {
			return cache.Outcome{}, err
		}
		if code == ftpUnavailable {
			return cache.Revoke(), nil
		}
	}
	if _, _, err := ctrl.send("TYPE I", ftpCommandOK); err != nil {
		return cache.Outcome{}, err
	}

	code, msg, err := ctrl.send("MDTM "+p.path, ftpFileStatus, ftpUnavailable)
	if err != nil {
		return cache.Outcome{}, err
	}
	if code == ftpUnavailable {
		return cache.Revoke(), nil
	}
	mtime, err := parseMDTM(msg)
	if err != nil {
		return cache.Outcome{}, err
	}

	code, msg, err = ctrl.send("SIZE "+p.path, ftpFileStatus, ftpUnavailable)
	if err != nil {
		return cache.Outcome{}, err
	}
	if code == ftpUnavailable {
		return cache.Revoke(), nil
	}
	size, err := strconv.ParseInt(strings.TrimSpace(msg), 10, 64)
	if err != nil || size < 0 {
		return cache.Outcome{}, ftpError("SIZE", code, fmt.Sprintf("bad size %q", msg))
	}

	offset := probe.Size
	if (!probe.ModTime.IsZero() && probe.ModTime.Before(mtime)) || size < offset {
		// 远端文件已变化，整体重新下载。
		offset = 0
	}
	if size == offset {
		ctrl.quit()
		if offset == probe.Size {
			return cache.Valid(mtime), nil
		}
		return cache.Streaming(0, 0, mtime, nil), nil
	}

	data, err := p.openData(ctx, ctrl)
	if err != nil {
		return cache.Outcome{}, err
	}
	dataStop := context.AfterFunc(ctx, func() { _ = data.Close() })
	abandon := func() {
		dataStop()
		_ = data.Close()
	}

	if offset > 0 {
		if _, _, err := ctrl.send("REST "+strconv.FormatInt(offset, 10), ftpPendingRest); err != nil {
			abandon()
			return cache.Outcome{}, err
		}
	}
	code, _, err = ctrl.send("RETR "+p.path, ftpOpeningData, ftpDataOpen, ftpUnavailable)
	if err != nil {
		abandon()
		return cache.Outcome{}, err
	}
	if code == ftpUnavailable {
		abandon()
		return cache.Revoke(), nil
	}

	handedOff = true
	return cache.Streaming(offset, size, mtime, &ftpStream{
		data:     data,
		reader:   deadlineReader{conn: data, timeout: p.timeout},
		ctrl:     ctrl,
		dataStop: dataStop,
	}), nil
}

// openData 优先使用 EPSV，失败时回退到 PASV。
func (p *FTPProtocol) openData(ctx context.Context, ctrl *controlConn) (net.Conn, error) {
	var addr string
	code, msg, err := ctrl.send("EPSV")
	if err != nil {
		return nil, err
	}
	if code == ftpExtendedPassive {
		port, err := parseEPSV(msg)
		if err != nil {
			return nil, err
		}
		addr = net.JoinHostPort(p.host, strconv.Itoa(port))
	} else {
		_, msg, err := ctrl.send("PASV", ftpPassive)
		if err != nil {
			return nil, err
		}
		host, port, err := parsePASV(msg)
		if err != nil {
			return nil, err
		}
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return p.dial(ctx, "tcp", addr)
}

// parseMDTM 解析 `YYYYMMDDHHMMSS[.sss]` 格式的 UTC 时间。
func parseMDTM(msg string) (time.Time, error) {
	raw := strings.TrimSpace(msg)
	if len(raw) < 14 {
		return time.Time{}, ftpError("MDTM", ftpFileStatus, fmt.Sprintf("bad time %q", msg))
	}
	t, err := time.Parse("20060102150405", raw[:14])
	if err != nil {
		return time.Time{}, ftpError("MDTM", ftpFileStatus, fmt.Sprintf("bad time %q", msg))
	}
	return t.UTC(), nil
}

// parseEPSV 从 `(|||port|)` 中取出端口；分隔符可以是任意相同字符。
func parseEPSV(msg string) (int, error) {
	open := strings.IndexByte(msg, '(')
	end := strings.LastIndexByte(msg, ')')
	if open < 0 || end < open+5 {
		return 0, ftpError("EPSV", ftpExtendedPassive, fmt.Sprintf("malformed reply %q", msg))
	}
	inner := msg[open+1 : end]
	d := inner[0]
	if inner[1] != d || inner[2] != d || inner[len(inner)-1] != d {
		return 0, ftpError("EPSV", ftpExtendedPassive, fmt.Sprintf("malformed reply %q", msg))
	}
	port, err := strconv.Atoi(inner[3 : len(inner)-1])
	if err != nil || port <= 0 || port > 65535 {
		return 0, ftpError("EPSV", ftpExtendedPassive, fmt.Sprintf("bad port in %q", msg))
	}
	return port, nil
}

// parsePASV 解析 `h1,h2,h3,h4,p1,p2`，端口为 p1*256+p2。
func parsePASV(msg string) (string, int, error) {
	m := pasvPattern.FindStringSubmatch(msg)
	if m == nil {
		return "", 0, ftpError("PASV", ftpPassive, fmt.Sprintf("malformed reply %q", msg))
	}
	nums := make([]int, 6)
	for i := range nums {
		n, err := strconv.Atoi(m[i+1])
		if err != nil || n > 255 {
			return "", 0, ftpError("PASV", ftpPassive, fmt.Sprintf("bad number in %q", msg))
		}
		nums[i] = n
	}
	port := nums[4]*256 + nums[5]
	if port == 0 {
		return "", 0, ftpError("PASV", ftpPassive, fmt.Sprintf("bad port in %q", msg))
	}
	return fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3]), port, nil
}

// controlConn 是 FTP 控制连接；每次交互前刷新超时。
type controlConn struct {
	conn    net.Conn
	text    *textproto.Conn
	timeout time.Duration
	stop    func() bool
}

func newControlConn(ctx context.Context, conn net.Conn, timeout time.Duration) *controlConn {
	return &controlConn{
		conn:    conn,
		text:    textproto.NewConn(conn),
		timeout: timeout,
		stop:    context.AfterFunc(ctx, func() { _ = conn.Close() }),
	}
}

func (c *controlConn) arm() {
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

// read 读取一条（可能多行的）应答；accept 为空时不校验应答码。
func (c *controlConn) read(op string, accept ...int) (int, string, error) {
	c.arm()
	code, msg, err := c.text.ReadResponse(0)
	if err != nil {
		if _, ok := err.(textproto.ProtocolError); ok {
			return 0, "", ftpError(op, 0, err.Error())
		}
		return 0, "", fmt.Errorf("ftp %s: %w", op, err)
	}
	if len(accept) > 0 && !slices.Contains(accept, code) {
		return code, msg, ftpError(op, code, msg)
	}
	return code, msg, nil
}

// send 发送一条命令并读取应答。
func (c *controlConn) send(cmd string, accept ...int) (int, string, error) {
	op := cmd
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		op = cmd[:i]
	}
	c.arm()
	if _, err := c.text.Cmd("%s", cmd); err != nil {
		return 0, "", fmt.Errorf("ftp %s: %w", op, err)
	}
	return c.read(op, accept...)
}

// quit 尽力发送 QUIT，不关心应答。
func (c *controlConn) quit() {
	_, _, _ = c.send("QUIT")
}

func (c *controlConn) close() {
	c.stop()
	_ = c.text.Close()
}

// ftpStream 读取数据连接；Finish 关闭数据连接并在完整读取时确认 226。
type ftpStream struct {
	data     net.Conn
	reader   deadlineReader
	ctrl     *controlConn
	dataStop func() bool
}

func (s *ftpStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *ftpStream) Finish(complete bool) error {
	s.dataStop()
	dataErr := s.data.Close()
	defer s.ctrl.close()
	if !complete {
		return nil
	}
	if _, _, err := s.ctrl.read("RETR", ftpTransferDone, ftpFileActionOK); err != nil {
		return err
	}
	s.ctrl.quit()
	if dataErr != nil {
		return fmt.Errorf("ftp close data: %w", dataErr)
	}
	return nil
}
