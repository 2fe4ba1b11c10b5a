package upstream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/http-replicator/replicator/internal/cache"
)

var ftpMtime = time.Date(2023, 11, 12, 13, 14, 15, 0, time.UTC)

func testFiles() map[string]ftpFile {
	return map[string]ftpFile{
		"/pub/file.txt": {data: []byte("hello ftp world"), mtime: ftpMtime},
	}
}

func newFTPProtocol(srv *fakeFTP, path string) *FTPProtocol {
	return NewFTPProtocol("127.0.0.1", srv.port(), path, nil, 2*time.Second)
}

func TestFTPFreshDownload(t *testing.T) {
	srv := startFakeFTP(t, testFiles(), nil)
	proto := newFTPProtocol(srv, "/pub/file.txt")

	outcome, err := proto.Negotiate(context.Background(), cache.Probe{})
	if err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	if outcome.Kind != cache.OutcomeStream || outcome.Offset != 0 || outcome.Size != 15 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if !outcome.ModTime.Equal(ftpMtime) {
		t.Fatalf("unexpected mtime %s", outcome.ModTime)
	}
	body, err := io.ReadAll(outcome.Body)
	if err != nil || string(body) != "hello ftp world" {
		t.Fatalf("unexpected body %q err=%v", body, err)
	}
	if err := outcome.Body.Finish(true); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if srv.saw("REST") {
		t.Fatalf("fresh download must not send REST: %v", srv.history())
	}
	if !srv.saw("EPSV") || !srv.saw("QUIT") {
		t.Fatalf("expected EPSV and QUIT: %v", srv.history())
	}
}

func TestFTPResumeSendsRest(t *testing.T) {
	srv := startFakeFTP(t, testFiles(), nil)
	proto := newFTPProtocol(srv, "/pub/file.txt")

	outcome, err := proto.Negotiate(context.Background(), cache.Probe{Size: 6, ModTime: ftpMtime})
	if err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	if outcome.Offset != 6 {
		t.Fatalf("expected resume at 6, got %d", outcome.Offset)
	}
	body, _ := io.ReadAll(outcome.Body)
	if string(body) != "ftp world" {
		t.Fatalf("unexpected tail %q", body)
	}
	if err := outcome.Body.Finish(true); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if !srv.saw("REST 6") {
		t.Fatalf("expected REST 6: %v", srv.history())
	}
}

func TestFTPUnchangedFileShortCircuits(t *testing.T) {
	srv := startFakeFTP(t, testFiles(), nil)
	proto := newFTPProtocol(srv, "/pub/file.txt")

	outcome, err := proto.Negotiate(context.Background(), cache.Probe{Size: 15, ModTime: ftpMtime, Complete: true})
	if err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	if outcome.Kind != cache.OutcomeValid {
		t.Fatalf("expected valid, got %s", outcome.Kind)
	}
	for _, cmd := range []string{"EPSV", "PASV", "RETR", "REST"} {
		if srv.saw(cmd) {
			t.Fatalf("short circuit must not send %s: %v", cmd, srv.history())
		}
	}
	if !srv.saw("MDTM") || !srv.saw("SIZE") || !srv.saw("QUIT") {
		t.Fatalf("expected MDTM/SIZE/QUIT: %v", srv.history())
	}
}

func TestFTPNewerRemoteRestarts(t *testing.T) {
	srv := startFakeFTP(t, testFiles(), nil)
	proto := newFTPProtocol(srv, "/pub/file.txt")

	outcome, err := proto.Negotiate(context.Background(), cache.Probe{Size: 6, ModTime: ftpMtime.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	defer outcome.Body.Finish(false)
	if outcome.Offset != 0 {
		t.Fatalf("stale cache should restart from zero, got %d", outcome.Offset)
	}
	if srv.saw("REST") {
		t.Fatalf("restart must not send REST")
	}
}

func TestFTPPasvFallback(t *testing.T) {
	srv := startFakeFTP(t, testFiles(), func(s *fakeFTP) { s.noEPSV = true })
	proto := newFTPProtocol(srv, "/pub/file.txt")

	outcome, err := proto.Negotiate(context.Background(), cache.Probe{})
	if err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	body, _ := io.ReadAll(outcome.Body)
	if err := outcome.Body.Finish(true); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if string(body) != "hello ftp world" || !srv.saw("PASV") {
		t.Fatalf("PASV fallback failed: body=%q history=%v", body, srv.history())
	}
}

func TestFTPRevokes(t *testing.T) {
	testCases := []struct {
		name      string
		path      string
		configure func(*fakeFTP)
	}{
		{"missing file", "/pub/absent.txt", nil},
		{"login refused", "/pub/file.txt", func(s *fakeFTP) { s.denyLogin = true }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := startFakeFTP(t, testFiles(), tc.configure)
			outcome, err := newFTPProtocol(srv, tc.path).Negotiate(context.Background(), cache.Probe{})
			if err != nil {
				t.Fatalf("negotiate failed: %v", err)
			}
			if outcome.Kind != cache.OutcomeRevoke {
				t.Fatalf("expected revoke, got %s", outcome.Kind)
			}
		})
	}
}

func TestFTPConnectFailure(t *testing.T) {
	srv := startFakeFTP(t, testFiles(), nil)
	port := srv.port()
	_ = srv.ln.Close()
	proto := NewFTPProtocol("127.0.0.1", port, "/pub/file.txt", nil, time.Second)
	if _, err := proto.Negotiate(context.Background(), cache.Probe{}); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestParseFTPReplies(t *testing.T) {
	if port, err := parseEPSV("Entering Extended Passive Mode (|||6446|)"); err != nil || port != 6446 {
		t.Fatalf("EPSV parse failed: %d %v", port, err)
	}
	if port, err := parseEPSV("ok (!!!21!)"); err != nil || port != 21 {
		t.Fatalf("EPSV with custom delimiter failed: %d %v", port, err)
	}
	for _, bad := range []string{"no parens", "(|||abc|)", "(||6446|)", "(|||70000|)"} {
		var perr *ProtocolError
		if _, err := parseEPSV(bad); !errors.As(err, &perr) {
			t.Fatalf("expected ProtocolError for %q, got %v", bad, err)
		}
	}

	host, port, err := parsePASV("Entering Passive Mode (192,168,1,2,19,137)")
	if err != nil || host != "192.168.1.2" || port != 19*256+137 {
		t.Fatalf("PASV parse failed: %s %d %v", host, port, err)
	}
	if _, _, err := parsePASV("Entering Passive Mode (300,1,1,1,1,1)"); err == nil {
		t.Fatalf("octet overflow should fail")
	}

	mtime, err := parseMDTM("20231112131415.123")
	if err != nil || !mtime.Equal(ftpMtime) {
		t.Fatalf("MDTM parse failed: %s %v", mtime, err)
	}
	if _, err := parseMDTM("yesterday"); err == nil {
		t.Fatalf("bad MDTM should fail")
	}
}
