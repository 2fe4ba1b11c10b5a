package upstream

import (
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type ftpFile struct {
	data  []byte
	mtime time.Time
}

// fakeFTP 是只支持匿名只读下载的脚本化 FTP 服务器。
type fakeFTP struct {
	t         *testing.T
	ln        net.Listener
	files     map[string]ftpFile
	noEPSV    bool
	denyLogin bool

	mu       sync.Mutex
	commands []string
}

func startFakeFTP(t *testing.T, files map[string]ftpFile, configure func(*fakeFTP)) *fakeFTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &fakeFTP{t: t, ln: ln, files: files}
	if configure != nil {
		configure(srv)
	}
	go srv.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return srv
}

func (s *fakeFTP) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeFTP) history() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeFTP) saw(prefix string) bool {
	for _, cmd := range s.history() {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func (s *fakeFTP) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeFTP) handle(conn net.Conn) {
	defer conn.Close()
	text := textproto.NewConn(conn)
	reply := func(code int, msg string) {
		_ = text.PrintfLine("%d %s", code, msg)
	}

	// 多行欢迎语，验证续行处理。
	_ = text.PrintfLine("220-Welcome to the fake mirror")
	_ = text.PrintfLine("220-Anonymous access only")
	reply(220, "ready")

	var rest int64
	var dataLn net.Listener
	defer func() {
		if dataLn != nil {
			_ = dataLn.Close()
		}
	}()
	openData := func() (int, error) {
		if dataLn != nil {
			_ = dataLn.Close()
		}
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, err
		}
		dataLn = ln
		return ln.Addr().(*net.TCPAddr).Port, nil
	}

	for {
		line, err := text.ReadLine()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()

		cmd, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(cmd) {
		case "USER":
			reply(331, "need password")
		case "PASS":
			if s.denyLogin {
				reply(550, "anonymous login disabled")
				continue
			}
			reply(230, "logged in")
		case "TYPE":
			reply(200, "binary")
		case "MDTM":
			f, ok := s.files[arg]
			if !ok {
				reply(550, "no such file")
				continue
			}
			reply(213, f.mtime.UTC().Format("20060102150405"))
		case "SIZE":
			f, ok := s.files[arg]
			if !ok {
				reply(550, "no such file")
				continue
			}
			reply(213, strconv.Itoa(len(f.data)))
		case "EPSV":
			if s.noEPSV {
				reply(502, "not implemented")
				continue
			}
			port, err := openData()
			if err != nil {
				reply(425, "cannot open data")
				continue
			}
			reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
		case "PASV":
			port, err := openData()
			if err != nil {
				reply(425, "cannot open data")
				continue
			}
			reply(227, fmt.Sprintf("Entering Passive Mode (127,0,0,1,%d,%d)", port/256, port%256))
		case "REST":
			n, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				reply(501, "bad offset")
				continue
			}
			rest = n
			reply(350, "restarting")
		case "RETR":
			f, ok := s.files[arg]
			if !ok || dataLn == nil {
				reply(550, "no such file")
				continue
			}
			reply(150, "opening data connection")
			data, err := dataLn.Accept()
			if err != nil {
				reply(425, "no data connection")
				continue
			}
			_, _ = data.Write(f.data[rest:])
			_ = data.Close()
			rest = 0
			reply(226, "transfer complete")
		case "QUIT":
			reply(221, "bye")
			return
		default:
			reply(502, "not implemented")
		}
	}
}
