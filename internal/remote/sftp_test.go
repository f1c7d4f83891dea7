package remote

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/sftp"
)

// pipeSession wires an SFTPSession to an in-process SFTP server serving the
// local filesystem.
func pipeSession(t *testing.T) *SFTPSession {
	t.Helper()

	cr, sw := io.Pipe()
	sr, cw := io.Pipe()

	server, err := sftp.NewServer(struct {
		io.Reader
		io.WriteCloser
	}{sr, sw})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go server.Serve()

	client, err := sftp.NewClientPipe(cr, cw)
	if err != nil {
		t.Fatalf("NewClientPipe: %v", err)
	}

	s := &SFTPSession{addr: "pipe", client: client}
	t.Cleanup(func() {
		server.Close()
		s.Close()
	})
	return s
}

func TestSFTPSession_ReadDirAndDownload(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.metadata"), []byte(`{"visibleName":"A"}`), 0644)
	os.Mkdir(filepath.Join(dir, "a"), 0755)

	s := pipeSession(t)
	ctx := context.Background()

	entries, err := s.ReadDir(ctx, dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		switch e.Name {
		case "a":
			if !e.IsDir {
				t.Error("a should be a directory")
			}
		case "a.metadata":
			if e.IsDir {
				t.Error("a.metadata should be a file")
			}
		default:
			t.Errorf("unexpected entry %q", e.Name)
		}
	}

	data, err := s.Download(ctx, filepath.Join(dir, "a.metadata"))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != `{"visibleName":"A"}` {
		t.Errorf("Download = %q", data)
	}
}

func TestSFTPSession_MissingFile(t *testing.T) {
	dir := t.TempDir()
	s := pipeSession(t)
	ctx := context.Background()

	missing := filepath.Join(dir, "nope.content")
	_, err := s.Download(ctx, missing)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransferError, got %T", err)
	}
	if te.Path != missing {
		t.Errorf("TransferError.Path = %q, want %q", te.Path, missing)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist in chain: %v", err)
	}

	ok, err := s.Exists(ctx, missing)
	if err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}
	ok, err = s.Exists(ctx, dir)
	if err != nil || !ok {
		t.Errorf("Exists(dir) = %v, %v", ok, err)
	}
}

func TestSFTPSession_CanceledContext(t *testing.T) {
	s := pipeSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Download(ctx, "/"); !errors.Is(err, context.Canceled) {
		t.Errorf("Download with canceled ctx = %v", err)
	}
	if _, err := s.ReadDir(ctx, "/"); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadDir with canceled ctx = %v", err)
	}
}

func TestClientConfig(t *testing.T) {
	if _, err := clientConfig(Config{Host: "h", User: "root"}); err == nil {
		t.Error("expected error without credentials")
	}

	cfg, err := clientConfig(Config{Host: "h", User: "root", Password: "secret"})
	if err != nil {
		t.Fatalf("clientConfig: %v", err)
	}
	if cfg.User != "root" || len(cfg.Auth) != 1 {
		t.Errorf("unexpected client config: user=%q auth=%d", cfg.User, len(cfg.Auth))
	}
	if cfg.Timeout == 0 {
		t.Error("expected default timeout")
	}

	keyFile := filepath.Join(t.TempDir(), "id")
	os.WriteFile(keyFile, []byte("not a key"), 0600)
	if _, err := clientConfig(Config{User: "root", KeyFile: keyFile}); err == nil {
		t.Error("expected error for invalid key file")
	}
}

func TestErrors(t *testing.T) {
	base := errors.New("boom")

	ce := &ConnectionError{Addr: "10.11.99.1:22", Auth: true, Err: base}
	if !strings.Contains(ce.Error(), "login") || !errors.Is(ce, base) {
		t.Errorf("ConnectionError = %q", ce.Error())
	}
	ce.Auth = false
	if !strings.HasPrefix(ce.Error(), "connect to 10.11.99.1:22") {
		t.Errorf("ConnectionError = %q", ce.Error())
	}

	te := &TransferError{Op: "download", Path: "/x", Err: base}
	if te.Error() != "download /x: boom" || !errors.Is(te, base) {
		t.Errorf("TransferError = %q", te.Error())
	}

	if !isAuthFailure(errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]")) {
		t.Error("isAuthFailure should match handshake auth error")
	}
	if isAuthFailure(errors.New("connection refused")) {
		t.Error("isAuthFailure should not match refused")
	}
}

func TestConfigAddr(t *testing.T) {
	if got := (Config{Host: "10.11.99.1", Port: 22}).Addr(); got != "10.11.99.1:22" {
		t.Errorf("Addr = %q", got)
	}
}
